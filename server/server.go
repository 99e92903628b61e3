// Package server accepts duplex-rpc peers and gives each one a Socket.
//
// Connection lifecycle:
//
//	POST SessionPath → session cookie (JWT, sid + exp)
//	GET  SocketPath  → cookie checked → websocket upgrade → Socket
//	TCP  Serve(l)    → protocol frames → Socket (no session)
//
// Every Socket owns a queue loaded with the server's dispatch table and
// middlewares, and is pushed setSocketID(<uuid>) as soon as it opens.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"duplex-rpc/dispatch"
	"duplex-rpc/queue"
	"duplex-rpc/registry"
	"duplex-rpc/transport"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrServerClosed = errors.New("server: closed")

type Options struct {
	SessionPath     string
	SocketPath      string
	SessionCookie   string
	SessionMaxAge   time.Duration
	SessionSecret   []byte // empty: random per process
	SecureCookie    bool
	Queue           queue.Config
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	StreamHeartbeat time.Duration
	// CheckOrigin overrides the upgrader's same-origin check.
	CheckOrigin func(r *http.Request) bool
}

func DefaultOptions() Options {
	return Options{
		SessionPath:     transport.DefaultSessionPath,
		SocketPath:      transport.DefaultSocketPath,
		SessionCookie:   "rpcSession",
		SessionMaxAge:   15 * time.Minute,
		Queue:           queue.DefaultConfig(),
		WriteTimeout:    10 * time.Second,
		PingInterval:    20 * time.Second,
		ReadTimeout:     60 * time.Second,
		StreamHeartbeat: 10 * time.Second,
	}
}

func (o *Options) fill() {
	def := DefaultOptions()
	if o.SessionPath == "" {
		o.SessionPath = def.SessionPath
	}
	if o.SocketPath == "" {
		o.SocketPath = def.SocketPath
	}
	if o.SessionCookie == "" {
		o.SessionCookie = def.SessionCookie
	}
	if o.SessionMaxAge <= 0 {
		o.SessionMaxAge = def.SessionMaxAge
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.ReadTimeout <= o.PingInterval {
		o.ReadTimeout = 3 * o.PingInterval
	}
}

type advertisement struct {
	service string
	addr    string
}

// Server holds the dispatch table shared by all sockets.
type Server struct {
	opts     Options
	table    *dispatch.Table
	sessions *SessionStore
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	log      zerolog.Logger

	middlewares []queue.Middleware
	onConnect   []func(*Socket)

	mu         sync.Mutex
	sockets    map[string]*Socket
	listeners  []net.Listener
	httpServer *http.Server
	registry   registry.Registry
	adverts    []advertisement

	wg       sync.WaitGroup // one per live socket
	shutdown atomic.Bool
}

func NewServer(opts Options) (*Server, error) {
	opts.fill()
	sessions, err := NewSessionStore(opts.SessionCookie, opts.SessionMaxAge, opts.SessionSecret, opts.SecureCookie)
	if err != nil {
		return nil, err
	}
	svr := &Server{
		opts:     opts,
		table:    dispatch.NewTable(),
		sessions: sessions,
		sockets:  make(map[string]*Socket),
		log:      log.With().Str("component", "server").Logger(),
	}
	svr.upgrader = websocket.Upgrader{
		HandshakeTimeout: opts.WriteTimeout,
		CheckOrigin:      opts.CheckOrigin,
	}
	svr.mux = http.NewServeMux()
	svr.mux.HandleFunc(opts.SessionPath, svr.handleSession)
	svr.mux.HandleFunc(opts.SocketPath, svr.handleSocket)
	return svr, nil
}

// Table is the dispatch table every socket is loaded with. Mappings added
// after a socket opened are not seen by that socket.
func (svr *Server) Table() *dispatch.Table {
	return svr.table
}

// Register binds the receiver's exported methods under lowerCamel names.
func (svr *Server) Register(rcvr any) error {
	return svr.table.Register(rcvr)
}

// RegisterName binds the receiver's methods as "name.Method".
func (svr *Server) RegisterName(name string, rcvr any) error {
	return svr.table.RegisterName(name, rcvr)
}

// Use appends handler middlewares for sockets opened afterwards.
func (svr *Server) Use(mws ...queue.Middleware) {
	svr.mu.Lock()
	svr.middlewares = append(svr.middlewares, mws...)
	svr.mu.Unlock()
}

// OnConnect runs fn for each new socket before setSocketID is pushed.
func (svr *Server) OnConnect(fn func(*Socket)) {
	svr.mu.Lock()
	svr.onConnect = append(svr.onConnect, fn)
	svr.mu.Unlock()
}

func (svr *Server) socketMiddlewares() []queue.Middleware {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return append([]queue.Middleware(nil), svr.middlewares...)
}

func (svr *Server) Sessions() *SessionStore {
	return svr.sessions
}

// ServeHTTP serves the session and socket paths.
func (svr *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	svr.mux.ServeHTTP(w, r)
}

func (svr *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	sess, created, err := svr.sessions.Issue(w, r)
	if err != nil {
		svr.log.Error().Err(err).Msg("issue session")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if created {
		svr.log.Debug().Str("session", sess.ID).Str("remote", r.RemoteAddr).Msg("session created")
	}
	w.WriteHeader(http.StatusOK)
}

func (svr *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	if svr.shutdown.Load() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	sess, err := svr.sessions.FromRequest(r)
	if err != nil {
		svr.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("socket refused")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	conn, err := svr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		svr.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	s := svr.newSocket(sess, r.RemoteAddr)
	if !svr.addSocket(s) {
		conn.Close()
		s.queue.Close()
		return
	}
	defer svr.wg.Done()
	s.serveWebsocket(conn)
}

// ListenAndServe serves websocket peers on addr until Shutdown.
func (svr *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return svr.ServeWebsocket(l)
}

// ServeWebsocket serves HTTP (session + socket paths) on l until Shutdown.
func (svr *Server) ServeWebsocket(l net.Listener) error {
	hs := &http.Server{
		Handler:           svr,
		ReadHeaderTimeout: svr.opts.WriteTimeout,
	}
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	svr.httpServer = hs
	svr.mu.Unlock()

	svr.log.Info().Str("addr", l.Addr().String()).Msg("serving websocket peers")
	err := hs.Serve(l)
	if errors.Is(err, http.ErrServerClosed) && svr.shutdown.Load() {
		return nil
	}
	return err
}

// Serve accepts TCP peers speaking protocol frames on l until Shutdown.
func (svr *Server) Serve(l net.Listener) error {
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	svr.listeners = append(svr.listeners, l)
	svr.mu.Unlock()

	svr.log.Info().Str("addr", l.Addr().String()).Msg("serving stream peers")
	for {
		conn, err := l.Accept()
		if err != nil {
			// listener.Close() during Shutdown also lands here
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

func (svr *Server) handleConn(conn net.Conn) {
	s := svr.newSocket(nil, conn.RemoteAddr().String())
	if !svr.addSocket(s) {
		conn.Close()
		s.queue.Close()
		return
	}
	defer svr.wg.Done()
	s.serveStream(conn)
}

// Advertise registers inst under service in reg. Shutdown deregisters it.
func (svr *Server) Advertise(reg registry.Registry, service string, inst registry.ServiceInstance, ttl int64) error {
	if err := reg.Register(service, inst, ttl); err != nil {
		return fmt.Errorf("server: advertise %s: %w", service, err)
	}
	svr.mu.Lock()
	svr.registry = reg
	svr.adverts = append(svr.adverts, advertisement{service: service, addr: inst.Addr})
	svr.mu.Unlock()
	svr.log.Info().Str("service", service).Str("addr", inst.Addr).Msg("advertised")
	return nil
}

// Broadcast pushes a Call to every connected socket and returns how many
// sockets it was queued on. Replies are not awaited.
func (svr *Server) Broadcast(fun string, args any) int {
	n := 0
	for _, s := range svr.Sockets() {
		inv := s.Invoke(context.Background(), fun, args)
		if _, err := inv.Result(); err == nil {
			n++
		}
	}
	return n
}

// Sockets returns the live sockets ordered by connect time.
func (svr *Server) Sockets() []*Socket {
	svr.mu.Lock()
	out := make([]*Socket, 0, len(svr.sockets))
	for _, s := range svr.sockets {
		out = append(out, s)
	}
	svr.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Connected.Before(out[j].Connected)
	})
	return out
}

// Socket looks up a live socket by id.
func (svr *Server) Socket(id string) *Socket {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	return svr.sockets[id]
}

func (svr *Server) addSocket(s *Socket) bool {
	svr.mu.Lock()
	if svr.shutdown.Load() {
		svr.mu.Unlock()
		return false
	}
	svr.sockets[s.ID] = s
	svr.wg.Add(1)
	hooks := append(([]func(*Socket))(nil), svr.onConnect...)
	svr.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
	s.log.Info().Msg("socket opened")
	return true
}

func (svr *Server) removeSocket(s *Socket) {
	svr.mu.Lock()
	delete(svr.sockets, s.ID)
	svr.mu.Unlock()
}

// Shutdown performs graceful shutdown:
//  1. Deregister advertised endpoints (clients stop picking this server)
//  2. Set the shutdown flag and close listeners (no new peers)
//  3. Flush and close every socket (pending calls reject with ErrClosed)
//  4. Wait for socket goroutines to finish, up to timeout; sockets still
//     open then are closed without a flush
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.Lock()
	reg := svr.registry
	adverts := svr.adverts
	svr.adverts = nil
	svr.shutdown.Store(true)
	listeners := svr.listeners
	svr.listeners = nil
	hs := svr.httpServer
	svr.mu.Unlock()

	if reg != nil {
		for _, a := range adverts {
			if err := reg.Deregister(a.service, a.addr); err != nil {
				svr.log.Warn().Err(err).Str("service", a.service).Msg("deregister failed")
			}
		}
	}

	for _, l := range listeners {
		l.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if hs != nil {
		// hijacked websocket conns are not tracked by http.Server
		if err := hs.Shutdown(ctx); err != nil {
			svr.log.Warn().Err(err).Msg("http shutdown")
		}
	}

	// a peer that stopped reading can hold a flush until its write deadline
	done := make(chan struct{})
	go func() {
		var closing sync.WaitGroup
		for _, s := range svr.Sockets() {
			closing.Add(1)
			go func(s *Socket) {
				defer closing.Done()
				s.Close()
			}(s)
		}
		closing.Wait()
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		svr.log.Info().Msg("shutdown complete")
		return nil
	case <-ctx.Done():
		for _, s := range svr.Sockets() {
			s.close(ErrServerClosed)
		}
		return fmt.Errorf("timeout waiting for sockets to close")
	}
}
