package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"duplex-rpc/codec"
	"duplex-rpc/message"
	"duplex-rpc/protocol"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrStreamClosed = errors.New("transport: stream closed")

// DefaultStreamWriteTimeout bounds each frame write on a stream.
const DefaultStreamWriteTimeout = 10 * time.Second

// StreamTransport carries packets over one net.Conn using protocol frames.
//
//	queue ──Flush(packet)──→ frame ──→ conn ──→ peer
//	recvLoop: ←── frame ── conn  → Receiver.ReceiveBytes
//
// A stream does not reconnect: when the conn breaks the transport closes,
// Receiver.Reset runs and OnClose callbacks fire.
type StreamTransport struct {
	conn         net.Conn
	codec        codec.Codec
	heartbeat    time.Duration
	writeTimeout time.Duration
	log          zerolog.Logger

	sending sync.Mutex // frames must not interleave on the stream

	mu       sync.Mutex
	receiver Receiver
	closed   bool
	err      error
	onClose  []func(error)
	done     chan struct{}
}

// NewStreamTransport wraps conn. heartbeat > 0 sends heartbeat frames at that
// interval and drops the conn after three silent intervals.
func NewStreamTransport(conn net.Conn, heartbeat time.Duration) *StreamTransport {
	return &StreamTransport{
		conn:         conn,
		codec:        codec.GetCodec(codec.CodecTypeJSON),
		heartbeat:    heartbeat,
		writeTimeout: DefaultStreamWriteTimeout,
		log:          log.With().Str("component", "stream").Str("remote", conn.RemoteAddr().String()).Logger(),
		done:         make(chan struct{}),
	}
}

// SetWriteTimeout changes the per-frame write deadline. A peer that stops
// reading for longer closes the stream. d <= 0 disables the deadline.
// Call before Start.
func (t *StreamTransport) SetWriteTimeout(d time.Duration) {
	t.writeTimeout = d
}

// write runs fn against the conn alone and under the write deadline.
func (t *StreamTransport) write(fn func(io.Writer) error) error {
	t.sending.Lock()
	defer t.sending.Unlock()
	if t.writeTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return fn(t.conn)
}

// Start sets the receiver and begins reading (and heartbeating).
func (t *StreamTransport) Start(r Receiver) {
	t.mu.Lock()
	t.receiver = r
	t.mu.Unlock()
	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop()
	}
}

// OnClose registers fn to run once the stream closes.
func (t *StreamTransport) OnClose(fn func(error)) {
	t.mu.Lock()
	if t.closed {
		err := t.err
		t.mu.Unlock()
		fn(err)
		return
	}
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}

func (t *StreamTransport) Done() <-chan struct{} {
	return t.done
}

func (t *StreamTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Flush writes p as one packet frame.
func (t *StreamTransport) Flush(p *message.Packet) bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	body, err := t.codec.Encode(p)
	if err != nil {
		t.log.Error().Err(err).Msg("encode packet")
		return false
	}

	err = t.write(func(w io.Writer) error {
		return protocol.EncodePacket(w, byte(t.codec.Type()), body)
	})
	if err != nil {
		t.closeWith(err)
		return false
	}
	return true
}

// Close shuts the stream down.
func (t *StreamTransport) Close() error {
	t.closeWith(ErrStreamClosed)
	return nil
}

func (t *StreamTransport) closeWith(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.err = cause
	callbacks := t.onClose
	t.onClose = nil
	recv := t.receiver
	t.mu.Unlock()

	t.conn.Close()
	close(t.done)
	if !errors.Is(cause, ErrStreamClosed) {
		t.log.Info().Err(cause).Msg("stream closed")
	}
	if recv != nil {
		recv.Reset(nil)
	}
	for _, fn := range callbacks {
		fn(cause)
	}
}

func (t *StreamTransport) recvLoop() {
	for {
		if t.heartbeat > 0 {
			t.conn.SetReadDeadline(time.Now().Add(3 * t.heartbeat))
		}
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.closeWith(err)
			return
		}
		// heartbeat frames only keep the deadline moving
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}

		t.mu.Lock()
		recv := t.receiver
		t.mu.Unlock()
		if recv == nil {
			continue
		}
		if err := recv.ReceiveBytes(body); err != nil {
			t.closeWith(err)
			return
		}
	}
}

func (t *StreamTransport) heartbeatLoop() {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		if err := t.write(protocol.EncodeHeartbeat); err != nil {
			t.closeWith(err)
			return
		}
	}
}
