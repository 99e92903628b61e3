// Package client is the browser-side role of duplex-rpc as a Go library: one
// queue bound to one channel to a server, with the setSocketID push handled.
//
//	Invoke/Call → queue ──Flush──→ ClientTransport (websocket, reconnecting)
//	                               or StreamTransport (TCP, no reconnect)
//	Handle      ← queue ←─ReceiveBytes── server Calls and Replies
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"duplex-rpc/dispatch"
	"duplex-rpc/loadbalance"
	"duplex-rpc/queue"
	"duplex-rpc/registry"
	"duplex-rpc/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Settings struct {
	Transport transport.ClientTransportSettings
	Queue     queue.Config
	// Table, when set, is installed into the client's queue so the server can
	// call those operations.
	Table *dispatch.Table
	// Heartbeat applies to stream clients only.
	Heartbeat time.Duration
	// ConnectNow starts connecting before the first flush.
	ConnectNow bool
}

func DefaultSettings() Settings {
	return Settings{
		Transport: transport.DefaultClientTransportSettings(),
		Queue:     queue.DefaultConfig(),
		Heartbeat: 10 * time.Second,
	}
}

// Client owns a queue and the channel under it.
type Client struct {
	queue  *queue.Queue
	ws     *transport.ClientTransport
	stream *transport.StreamTransport
	log    zerolog.Logger

	mu       sync.Mutex
	socketID string
	idReady  chan struct{}
}

// New builds a websocket client. Nothing is dialed until the first flush
// unless ConnectNow is set.
func New(settings Settings) (*Client, error) {
	ws, err := transport.NewClientTransport(settings.Transport)
	if err != nil {
		return nil, err
	}
	c := newClient(ws, settings)
	c.ws = ws
	ws.Attach(c.queue)
	if settings.ConnectNow {
		ws.Connect()
	}
	return c, nil
}

// Dial is New for a single server base URL such as "http://127.0.0.1:8080".
func Dial(base string) (*Client, error) {
	settings := DefaultSettings()
	settings.Transport.Endpoint = transport.StaticEndpoint(base)
	settings.ConnectNow = true
	return New(settings)
}

// NewStream builds a client over an established TCP conn speaking protocol
// frames. The client is closed when conn breaks.
func NewStream(conn net.Conn, settings Settings) *Client {
	st := transport.NewStreamTransport(conn, settings.Heartbeat)
	c := newClient(st, settings)
	c.stream = st
	st.Start(c.queue)
	return c
}

func newClient(f queue.Flusher, settings Settings) *Client {
	c := &Client{
		log:     log.With().Str("component", "client").Logger(),
		idReady: make(chan struct{}),
	}
	cfg := settings.Queue
	cfg.Logger = &c.log
	c.queue = queue.New(f, cfg)
	if settings.Table != nil {
		settings.Table.Install(c.queue)
	}
	c.queue.Handle("setSocketID", c.setSocketID)
	return c
}

func (c *Client) setSocketID(ctx context.Context, args json.RawMessage) (any, error) {
	var id string
	if err := json.Unmarshal(args, &id); err != nil || id == "" {
		return nil, queue.Reject(dispatch.ErrTextInvalidArgs)
	}
	c.mu.Lock()
	first := c.socketID == ""
	c.socketID = id
	c.mu.Unlock()
	if first {
		close(c.idReady)
	}
	c.log.Debug().Str("socket", id).Msg("socket id assigned")
	return true, nil
}

// SocketID is the id the server assigned to the current connection, or ""
// before the first setSocketID.
func (c *Client) SocketID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socketID
}

// WaitSocketID blocks until the server has pushed a socket id.
func (c *Client) WaitSocketID(ctx context.Context) (string, error) {
	select {
	case <-c.idReady:
		return c.SocketID(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invoke queues a Call and returns its handle immediately.
func (c *Client) Invoke(ctx context.Context, fun string, args any) *queue.Invocation {
	return c.queue.Invoke(ctx, fun, args)
}

// Call invokes fun and decodes the Reply value into reply.
func (c *Client) Call(ctx context.Context, fun string, args, reply any) error {
	return c.queue.Call(ctx, fun, args, reply)
}

// Handle maps an operation the server may call on this client.
func (c *Client) Handle(name string, fn queue.HandlerFunc) {
	c.queue.Handle(name, fn)
}

func (c *Client) Use(mws ...queue.Middleware) {
	c.queue.Use(mws...)
}

// Flush sends whatever is buffered now instead of after the coalesce window.
func (c *Client) Flush() bool {
	return c.queue.Flush()
}

func (c *Client) Stats() queue.Stats {
	return c.queue.Stats()
}

func (c *Client) Queue() *queue.Queue {
	return c.queue
}

// State reports the channel state. Stream clients are Open until their conn
// breaks, then Closed.
func (c *Client) State() transport.State {
	if c.ws != nil {
		return c.ws.State()
	}
	select {
	case <-c.stream.Done():
		return transport.StateClosed
	default:
		return transport.StateOpen
	}
}

// Attempts counts websocket connection attempts; stream clients report 0.
func (c *Client) Attempts() uint64 {
	if c.ws == nil {
		return 0
	}
	return c.ws.Attempts()
}

// Close flushes what it can, rejects pending calls with queue.ErrClosed and
// closes the channel.
func (c *Client) Close() error {
	if c.State() == transport.StateOpen {
		c.queue.Flush()
	}
	c.queue.Close()
	if c.ws != nil {
		return c.ws.Close()
	}
	return c.stream.Close()
}

// RegistryEndpoint resolves the server per connection attempt: discover the
// service's instances, let bal pick one, and connect to its URL (or Addr).
func RegistryEndpoint(reg registry.Registry, bal loadbalance.Balancer, service string) transport.EndpointFunc {
	return func(ctx context.Context) (transport.Endpoint, error) {
		instances, err := reg.Discover(service)
		if err != nil {
			return transport.Endpoint{}, err
		}
		inst, err := bal.Pick(instances)
		if err != nil {
			return transport.Endpoint{}, fmt.Errorf("client: pick %s: %w", service, err)
		}
		base := inst.URL
		if base == "" {
			base = inst.Addr
		}
		return transport.EndpointFor(base)
	}
}
