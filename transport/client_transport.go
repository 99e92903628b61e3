package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/message"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// State of the client channel.
//
//	NoSocket → NegotiatingSession → Connecting → Open
//	    ↑               │                │        │
//	    └───────────────┴── failure ─────┴─ drop ─┘
//
// Closed is terminal.
type State int

const (
	StateNoSocket State = iota
	StateNegotiatingSession
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNoSocket:
		return "no-socket"
	case StateNegotiatingSession:
		return "negotiating-session"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type ClientTransportSettings struct {
	Endpoint         EndpointFunc
	ReconnectWindow  time.Duration // at most one connection attempt per window
	HTTPTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration // reset by every frame and pong
	Header           http.Header   // extra upgrade headers
	Jar              http.CookieJar
	// OnStateChange runs with the transport lock held; it must not call back
	// into the transport.
	OnStateChange func(State)
}

func DefaultClientTransportSettings() ClientTransportSettings {
	return ClientTransportSettings{
		ReconnectWindow:  10 * time.Second,
		HTTPTimeout:      5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     20 * time.Second,
		ReadTimeout:      60 * time.Second,
	}
}

// ClientTransport is the client-side websocket Flusher. Flushing while no
// socket is open fails and asks for a connection; the attempt first POSTs the
// session endpoint (which sets the credential cookie) and then upgrades with
// the same cookie jar.
type ClientTransport struct {
	settings ClientTransportSettings
	codec    codec.Codec
	http     *http.Client
	dialer   *websocket.Dialer
	limiter  *rate.Limiter // connection attempts
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	receiver   Receiver
	retryTimer *time.Timer
	attempts   uint64

	writeMu sync.Mutex // gorilla allows one concurrent writer
}

func NewClientTransport(settings ClientTransportSettings) (*ClientTransport, error) {
	def := DefaultClientTransportSettings()
	if settings.Endpoint == nil {
		return nil, errors.New("transport: no endpoint")
	}
	if settings.ReconnectWindow <= 0 {
		settings.ReconnectWindow = def.ReconnectWindow
	}
	if settings.HTTPTimeout <= 0 {
		settings.HTTPTimeout = def.HTTPTimeout
	}
	if settings.HandshakeTimeout <= 0 {
		settings.HandshakeTimeout = def.HandshakeTimeout
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = def.WriteTimeout
	}
	if settings.PingInterval <= 0 {
		settings.PingInterval = def.PingInterval
	}
	if settings.ReadTimeout <= 0 {
		settings.ReadTimeout = def.ReadTimeout
	}
	if settings.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		settings.Jar = jar
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ClientTransport{
		settings: settings,
		codec:    codec.GetCodec(codec.CodecTypeJSON),
		http: &http.Client{
			Jar:     settings.Jar,
			Timeout: settings.HTTPTimeout,
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
			Jar:              settings.Jar,
		},
		limiter: rate.NewLimiter(rate.Every(settings.ReconnectWindow), 1),
		log:     log.With().Str("component", "transport").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Attach sets the receiver for inbound frames and channel events.
func (t *ClientTransport) Attach(r Receiver) {
	t.mu.Lock()
	t.receiver = r
	t.mu.Unlock()
}

func (t *ClientTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Attempts counts connection attempts started so far.
func (t *ClientTransport) Attempts() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Connect asks for a connection without waiting for a flush. It is subject
// to the same rate limit.
func (t *ClientTransport) Connect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateNoSocket {
		t.requestConnectLocked()
	}
}

// Flush writes p as one text frame. It fails without blocking unless the
// socket is open.
func (t *ClientTransport) Flush(p *message.Packet) bool {
	t.mu.Lock()
	switch t.state {
	case StateOpen:
		conn := t.conn
		t.mu.Unlock()
		return t.write(conn, p)
	case StateNoSocket:
		t.requestConnectLocked()
	}
	t.mu.Unlock()
	return false
}

// Close moves to the terminal Closed state; flushes fail from then on.
func (t *ClientTransport) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.setStateLocked(StateClosed)
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.cancel()
	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.settings.WriteTimeout))
	t.writeMu.Unlock()
	return conn.Close()
}

// requestConnectLocked starts an attempt now, or arms one timer for the
// limiter's next slot.
func (t *ClientTransport) requestConnectLocked() {
	if t.retryTimer != nil {
		return
	}
	r := t.limiter.Reserve()
	if !r.OK() {
		return
	}
	delay := r.Delay()
	if delay <= 0 {
		t.startAttemptLocked()
		return
	}
	t.log.Debug().Dur("in", delay).Msg("reconnect scheduled")
	t.retryTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.retryTimer = nil
		if t.state == StateNoSocket {
			t.startAttemptLocked()
		}
	})
}

func (t *ClientTransport) startAttemptLocked() {
	t.attempts++
	t.setStateLocked(StateNegotiatingSession)
	go t.connect()
}

func (t *ClientTransport) connect() {
	ep, err := t.settings.Endpoint(t.ctx)
	if err != nil {
		t.fail("resolve endpoint", err)
		return
	}
	if err := t.negotiate(ep); err != nil {
		t.fail("negotiate session", err)
		return
	}

	t.mu.Lock()
	if t.state != StateNegotiatingSession {
		t.mu.Unlock()
		return
	}
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	conn, resp, err := t.dialer.DialContext(t.ctx, ep.SocketURL, t.settings.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		t.fail("dial socket", err)
		return
	}

	t.mu.Lock()
	if t.state != StateConnecting {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.setStateLocked(StateOpen)
	recv := t.receiver
	t.mu.Unlock()

	t.log.Info().Str("url", ep.SocketURL).Msg("socket open")
	go t.readLoop(conn, recv)
	go t.pingLoop(conn)
	if recv != nil {
		recv.Wake()
	}
}

func (t *ClientTransport) negotiate(ep Endpoint) error {
	ctx, cancel := context.WithTimeout(t.ctx, t.settings.HTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.SessionURL, nil)
	if err != nil {
		return err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("session endpoint returned %s", resp.Status)
	}
	return nil
}

func (t *ClientTransport) fail(stage string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed {
		return
	}
	t.log.Warn().Err(err).Str("stage", stage).Msg("connection attempt failed")
	t.setStateLocked(StateNoSocket)
}

func (t *ClientTransport) write(conn *websocket.Conn, p *message.Packet) bool {
	data, err := t.codec.Encode(p)
	if err != nil {
		t.log.Error().Err(err).Msg("encode packet")
		return false
	}
	t.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		t.drop(conn, err)
		return false
	}
	return true
}

func (t *ClientTransport) readLoop(conn *websocket.Conn, recv Receiver) {
	conn.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
	})
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.drop(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(t.settings.ReadTimeout))
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if recv == nil {
			continue
		}
		if err := recv.ReceiveBytes(data); err != nil {
			t.drop(conn, err)
			return
		}
	}
}

func (t *ClientTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(t.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
		}
		t.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.settings.WriteTimeout))
		t.writeMu.Unlock()
		if err != nil {
			t.drop(conn, err)
			return
		}
	}
}

// drop tears down conn after a read/write failure. Only the current
// connection moves the state back to NoSocket.
func (t *ClientTransport) drop(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = nil
	t.setStateLocked(StateNoSocket)
	recv := t.receiver
	t.mu.Unlock()

	if errors.Is(cause, message.ErrInvalidEnvelope) {
		t.log.Error().Err(cause).Msg("invalid packet, closing socket")
	} else {
		t.log.Info().Err(cause).Msg("socket closed")
	}
	conn.Close()
	if recv != nil {
		recv.Reset(nil)
	}
}

func (t *ClientTransport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.log.Debug().Stringer("from", t.state).Stringer("to", s).Msg("state")
	t.state = s
	if t.settings.OnStateChange != nil {
		t.settings.OnStateChange(s)
	}
}
