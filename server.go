package distobj

import (
	"context"
	"fmt"
	"sync"

	"github.com/glycerine/idem"
)

// Delegate is consulted before a Server starts a Connection on a
// newly accepted Port. Returning false rejects it: the peer is
// sent a shutdown notice and the Port is closed. So does a panic.
type Delegate interface {
	ShouldAcceptNewConnection(listener PortListener, conn *Connection) bool
}

// DelegateFunc adapts a func to Delegate.
type DelegateFunc func(listener PortListener, conn *Connection) bool

func (f DelegateFunc) ShouldAcceptNewConnection(listener PortListener, conn *Connection) bool {
	return f(listener, conn)
}

// Server vends a root object to every peer that connects.
type Server struct {
	cfg  *Config
	root Exportable

	// NewRoot, if set, makes a separate root object per
	// Connection instead of sharing root.
	NewRoot func(conn *Connection) Exportable

	Halt *idem.Halter

	mut       sync.Mutex
	lsn       PortListener
	conns     map[int64]*Connection
	published map[string]Directory
	watcher   *ConfigWatcher
}

// NewServer makes a Server; nothing is accepted until Serve.
func NewServer(cfg *Config, root Exportable) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	return &Server{
		cfg:       cfg,
		root:      root,
		Halt:      idem.NewHalterNamed("Server"),
		conns:     make(map[int64]*Connection),
		published: make(map[string]Directory),
	}
}

// Start runs Serve on lsn in the background.
func (s *Server) Start(lsn PortListener) {
	s.mut.Lock()
	s.lsn = lsn
	s.mut.Unlock()
	go func() {
		err := s.Serve(lsn)
		if err != nil {
			vv("server on %v stopped: %v", lsn.Addr(), err)
		}
	}()
}

// Serve accepts Ports from lsn until Close, starting a
// Connection on each one the Delegate accepts.
func (s *Server) Serve(lsn PortListener) error {
	s.mut.Lock()
	s.lsn = lsn
	s.mut.Unlock()
	defer s.Halt.Done.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.Halt.ReqStop.Chan
		cancel()
		lsn.Close()
	}()

	for {
		p, err := lsn.Accept(ctx)
		if err != nil {
			if s.Halt.ReqStop.IsClosed() {
				return nil
			}
			return fmt.Errorf("accept on %v: %w", lsn.Addr(), err)
		}
		s.accept(lsn, p)
	}
}

func (s *Server) accept(lsn PortListener, p Port) {
	s.mut.Lock()
	cfg := s.cfg.Clone()
	s.mut.Unlock()
	root := s.root
	conn, err := newConnection(p, p, cfg, nil)
	if err != nil {
		alwaysPrintf("server: cannot make connection on %v: %v", p.Addr(), err)
		p.Invalidate()
		return
	}
	if s.NewRoot != nil {
		root = s.NewRoot(conn)
	}
	if root != nil {
		e := &exportEntry{handle: rootHandle, obj: root, ops: root.Operations()}
		conn.root = root
		conn.exports[rootHandle] = e
		conn.exportByObj[root] = e
	}

	if d := cfg.Delegate; d != nil && !shouldAccept(d, lsn, conn) {
		vv("server: delegate rejected %v", p.Addr())
		conn.InvalidateWithReason(ErrConnectionRejected)
		conn.Halt.Done.Close()
		return
	}

	// tracked before it can serve anything, so a Close racing
	// this accept still invalidates it.
	s.mut.Lock()
	if s.Halt.ReqStop.IsClosed() {
		s.mut.Unlock()
		conn.Invalidate()
		conn.Halt.Done.Close()
		return
	}
	s.conns[conn.serial] = conn
	s.mut.Unlock()

	if err := conn.start(); err != nil {
		alwaysPrintf("server: %v", err)
		s.mut.Lock()
		delete(s.conns, conn.serial)
		s.mut.Unlock()
		return
	}
	go func() {
		<-conn.Halt.ReqStop.Chan
		s.mut.Lock()
		delete(s.conns, conn.serial)
		s.mut.Unlock()
	}()
}

// shouldAccept asks d, taking a panic as a rejection.
func shouldAccept(d Delegate, lsn PortListener, conn *Connection) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			alwaysPrintf("server: delegate panicked on %v, rejecting: %v", conn.send.Addr(), r)
			ok = false
		}
	}()
	return d.ShouldAcceptNewConnection(lsn, conn)
}

// Addr is the listener's address, or "" before Serve.
func (s *Server) Addr() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.lsn == nil {
		return ""
	}
	return s.lsn.Addr()
}

// Connections returns the Server's live Connections.
func (s *Server) Connections() (out []*Connection) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for _, c := range s.conns {
		out = append(out, c)
	}
	return
}

// Publish registers the Server's endpoint under name in dir.
// Names are unregistered again on Close.
func (s *Server) Publish(ctx context.Context, dir Directory, name string) error {
	s.mut.Lock()
	lsn := s.lsn
	s.mut.Unlock()
	if lsn == nil {
		return fmt.Errorf("publish '%v': server is not listening", name)
	}
	scheme := SchemeTCP
	if _, ok := lsn.(*QUICPortListener); ok {
		scheme = SchemeQUIC
	}
	ep, err := advertisedEndpoint(scheme, lsn.Addr())
	if err != nil {
		return fmt.Errorf("publish '%v': %w", name, err)
	}
	if err := dir.Register(ctx, name, ep); err != nil {
		return err
	}
	s.mut.Lock()
	s.published[name] = dir
	s.mut.Unlock()
	vv("published '%v' -> '%v'", name, ep)
	return nil
}

// WatchConfig applies timeout changes in the config file at
// path to the Server's live and future Connections.
func (s *Server) WatchConfig(path string) error {
	w, err := WatchConfig(path, func(cfg *Config) {
		s.mut.Lock()
		s.cfg.RequestTimeout = cfg.RequestTimeout
		s.cfg.ReplyTimeout = cfg.ReplyTimeout
		conns := make([]*Connection, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mut.Unlock()
		for _, c := range conns {
			c.SetTimeouts(cfg.RequestTimeout, cfg.ReplyTimeout)
		}
	})
	if err != nil {
		return err
	}
	s.mut.Lock()
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.watcher = w
	s.mut.Unlock()
	return nil
}

// Close stops accepting, unpublishes, and invalidates every
// Connection the Server started.
func (s *Server) Close() error {
	s.Halt.ReqStop.Close()
	s.mut.Lock()
	lsn := s.lsn
	conns := s.conns
	s.conns = make(map[int64]*Connection)
	published := s.published
	s.published = make(map[string]Directory)
	w := s.watcher
	s.watcher = nil
	s.mut.Unlock()

	if w != nil {
		w.Close()
	}
	for name, dir := range published {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownNoticeTimeout*4)
		dir.Unregister(ctx, name)
		cancel()
	}
	for _, c := range conns {
		c.Invalidate()
	}
	if lsn != nil {
		return lsn.Close()
	}
	return nil
}

// Dial connects to endpoint ("tcp://host:port",
// "quic://host:port", or a bare "host:port" for tcp) and starts
// a Connection on it.
func Dial(ctx context.Context, endpoint string, cfg *Config, root Exportable) (*Connection, error) {
	scheme, hostport, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	var p *StreamPort
	switch scheme {
	case SchemeQUIC:
		p, err = DialQUICPort(ctx, hostport, nil)
	default:
		p, err = DialPort(ctx, hostport)
	}
	if err != nil {
		return nil, err
	}
	conn, err := NewPortConnection(p, cfg, root)
	if err != nil {
		p.Invalidate()
		return nil, err
	}
	return conn, nil
}

// ConnectToName resolves name in dir and Dials the endpoint.
func ConnectToName(ctx context.Context, dir Directory, name string, cfg *Config, root Exportable) (*Connection, error) {
	ep, err := dir.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return Dial(ctx, ep, cfg, root)
}
