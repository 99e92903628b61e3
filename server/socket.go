package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/message"
	"duplex-rpc/queue"
	"duplex-rpc/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// channel is the per-connection packet writer under a Socket.
type channel interface {
	Flush(p *message.Packet) bool
	Close() error
}

// Socket is one connected peer: a channel, its queue, and the identity
// handlers see through SocketFromContext.
type Socket struct {
	ID         string
	Session    *Session // nil for stream peers
	RemoteAddr string
	Connected  time.Time

	server *Server
	queue  *queue.Queue
	log    zerolog.Logger

	mu      sync.Mutex
	channel channel
	closed  bool
	done    chan struct{}
}

// SocketFromContext returns the Socket serving the current Call.
func SocketFromContext(ctx context.Context) (*Socket, bool) {
	s, ok := queue.BoundContext(ctx).(*Socket)
	return s, ok
}

func (svr *Server) newSocket(sess *Session, remote string) *Socket {
	s := &Socket{
		ID:         uuid.NewString(),
		Session:    sess,
		RemoteAddr: remote,
		Connected:  time.Now(),
		server:     svr,
		done:       make(chan struct{}),
	}
	s.log = svr.log.With().Str("socket", s.ID).Str("remote", remote).Logger()
	cfg := svr.opts.Queue
	cfg.Logger = &s.log
	s.queue = queue.New(s, cfg)
	svr.table.Install(s.queue)
	s.queue.Use(svr.socketMiddlewares()...)
	s.queue.BindContext(s)
	return s
}

// User is the session's authenticated user, if any.
func (s *Socket) User() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.User()
}

// Flush hands p to the channel. A closed socket fails the flush instead of erroring.
func (s *Socket) Flush(p *message.Packet) bool {
	s.mu.Lock()
	ch := s.channel
	closed := s.closed
	s.mu.Unlock()
	if closed || ch == nil {
		return false
	}
	return ch.Flush(p)
}

// Invoke pushes a Call to the peer.
func (s *Socket) Invoke(ctx context.Context, fun string, args any) *queue.Invocation {
	return s.queue.Invoke(ctx, fun, args)
}

func (s *Socket) Call(ctx context.Context, fun string, args, reply any) error {
	return s.queue.Call(ctx, fun, args, reply)
}

func (s *Socket) Stats() queue.Stats {
	return s.queue.Stats()
}

func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Close flushes what it can, then drops the channel and the queue.
func (s *Socket) Close() {
	s.queue.Flush()
	s.close(nil)
}

func (s *Socket) close(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ch := s.channel
	s.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	s.queue.Close()
	close(s.done)
	s.server.removeSocket(s)
	if cause != nil {
		s.log.Info().Err(cause).Msg("socket closed")
	} else {
		s.log.Debug().Msg("socket closed")
	}
}

// attach reports false when the socket closed before its channel was ready.
func (s *Socket) attach(ch channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.channel = ch
	return true
}

// announce pushes the socket id to the peer.
func (s *Socket) announce() {
	inv := s.queue.Invoke(context.Background(), "setSocketID", s.ID)
	go func() {
		select {
		case <-inv.Done():
		case <-s.done:
			return
		}
		if _, err := inv.Result(); err != nil && !errors.Is(err, queue.ErrClosed) {
			s.log.Debug().Err(err).Msg("setSocketID not acknowledged")
		}
	}()
}

// wsChannel writes packets as websocket text frames.
type wsChannel struct {
	conn         *websocket.Conn
	codec        codec.Codec
	writeTimeout time.Duration
	writeMu      sync.Mutex
	onError      func(error)
}

func (c *wsChannel) Flush(p *message.Packet) bool {
	data, err := c.codec.Encode(p)
	if err != nil {
		return false
	}
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		go c.onError(err)
		return false
	}
	return true
}

func (c *wsChannel) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsChannel) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeTimeout))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// serveWebsocket runs the read and ping loops until the socket closes.
func (s *Socket) serveWebsocket(conn *websocket.Conn) {
	opts := s.server.opts
	ch := &wsChannel{
		conn:         conn,
		codec:        codec.GetCodec(codec.CodecTypeJSON),
		writeTimeout: opts.WriteTimeout,
		onError:      s.close,
	}
	if !s.attach(ch) {
		conn.Close()
		return
	}

	go func() {
		ticker := time.NewTicker(opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if err := ch.ping(); err != nil {
					s.close(err)
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})
	s.announce()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.close(err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if err := s.queue.ReceiveBytes(data); err != nil {
			s.close(err)
			return
		}
	}
}

// serveStream runs a TCP peer until its stream closes.
func (s *Socket) serveStream(conn net.Conn) {
	st := transport.NewStreamTransport(conn, s.server.opts.StreamHeartbeat)
	st.SetWriteTimeout(s.server.opts.WriteTimeout)
	if !s.attach(st) {
		conn.Close()
		return
	}
	st.OnClose(func(err error) {
		if errors.Is(err, transport.ErrStreamClosed) {
			err = nil
		}
		s.close(err)
	})
	st.Start(s.queue)
	s.announce()
	<-st.Done()
}
