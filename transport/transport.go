// Package transport moves packets between a queue and a duplex channel.
//
// Two adapters implement queue.Flusher:
//
//	ClientTransport  websocket, session bootstrap + rate-limited reconnect
//	StreamTransport  any net.Conn, length-prefixed protocol frames + heartbeats
//
// Inbound frames go to a Receiver (normally the queue); channel loss is
// reported through Receiver.Reset and channel open through Receiver.Wake.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultSessionPath = "/api-session"
	DefaultSocketPath  = "/api-ws"
)

// Receiver consumes what a transport reads and learns about channel changes.
type Receiver interface {
	ReceiveBytes(data []byte) error
	Wake()
	Reset(err error)
}

// Endpoint is where one connection attempt goes.
type Endpoint struct {
	SessionURL string // POSTed before the upgrade
	SocketURL  string // ws:// or wss://
}

// EndpointFunc resolves the endpoint for each connection attempt.
type EndpointFunc func(ctx context.Context) (Endpoint, error)

// EndpointFor builds the endpoint for a server base URL such as
// "http://127.0.0.1:8080" or a bare "127.0.0.1:8080".
func EndpointFor(base string) (Endpoint, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: parse base url %q: %w", base, err)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("transport: base url %q has no host", base)
	}
	wsScheme := "ws"
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
	case "https", "wss":
		u.Scheme = "https"
		wsScheme = "wss"
	default:
		return Endpoint{}, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	prefix := strings.TrimRight(u.Path, "/")
	session := *u
	session.Path = prefix + DefaultSessionPath
	socket := *u
	socket.Scheme = wsScheme
	socket.Path = prefix + DefaultSocketPath
	return Endpoint{SessionURL: session.String(), SocketURL: socket.String()}, nil
}

// StaticEndpoint always resolves to the endpoint of base.
func StaticEndpoint(base string) EndpointFunc {
	ep, err := EndpointFor(base)
	return func(ctx context.Context) (Endpoint, error) {
		return ep, err
	}
}
