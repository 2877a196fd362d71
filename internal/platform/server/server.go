package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"drainsrv/internal/platform/conntrack"
	"drainsrv/internal/platform/telemetry"
)

// DefaultTag names a Server whose Options.Tag is empty.
const DefaultTag = "http-server"

var (
	ErrServerStarted = errors.New("server already started")
	ErrServerStopped = errors.New("server stopped")
)

// ListenTarget is either a TCP host/port or a unix socket path. The zero value
// listens on an ephemeral port on all interfaces.
type ListenTarget struct {
	Host string
	Port int
	Path string
}

func (t ListenTarget) network() string {
	if t.Path != "" {
		return "unix"
	}
	return "tcp"
}

func (t ListenTarget) String() string {
	if t.Path != "" {
		return t.Path
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// BindError reports that the listen target could not be bound.
type BindError struct {
	Target ListenTarget
	Err    error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("binding %s: %v", e.Target, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Options configures a Server.
type Options struct {
	// Tag identifies the server in logs and metrics. Default is DefaultTag.
	Tag string
	// Logger receives lifecycle events through a child tagged with Tag.
	// Default is slog.Default().
	Logger *slog.Logger
	// Handler serves every request. Default responds 404.
	Handler http.Handler
	// Listen is the bind target. Nil means an ephemeral TCP port.
	Listen *ListenTarget
	// Base supplies timeouts, TLSConfig and other http.Server fields.
	// Its Handler is replaced and its ConnState hook is chained after the tracker.
	Base *http.Server
	// Metrics is optional.
	Metrics *telemetry.ServerMetrics
	// OnError observes listener errors that happen after a successful Start.
	OnError func(error)
}

type state int

const (
	stateNew state = iota
	stateListening
	stateStopped
	stateFailed
)

// Server is an http.Server that drains its connections on Stop: the listener
// closes at once, idle connections are destroyed, and active ones are
// destroyed as soon as their response has been written. A Server cannot be
// restarted after Stop.
type Server struct {
	tag     string
	log     *slog.Logger
	srv     *http.Server
	target  ListenTarget
	tracker *conntrack.Tracker
	onError func(error)

	mu        sync.Mutex
	state     state
	ln        net.Listener
	serveDone chan struct{}

	stopOnce sync.Once
	closed   chan struct{}
}

// New creates a Server. Nothing is bound until Start.
func New(opts Options) *Server {
	tag := opts.Tag
	if tag == "" {
		tag = DefaultTag
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("tag", tag)

	srv := opts.Base
	if srv == nil {
		srv = &http.Server{
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
	}

	var target ListenTarget
	if opts.Listen != nil {
		target = *opts.Listen
	}

	s := &Server{
		tag:     tag,
		log:     log,
		srv:     srv,
		target:  target,
		tracker: conntrack.New(log, opts.Metrics),
		onError: opts.OnError,
		closed:  make(chan struct{}),
	}

	handler := opts.Handler
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	srv.Handler = s.closeWhenDraining(handler)

	next := srv.ConnState
	srv.ConnState = func(c net.Conn, st http.ConnState) {
		s.tracker.ConnState(c, st)
		if next != nil {
			next(c, st)
		}
	}

	if srv.ErrorLog == nil {
		srv.ErrorLog = slog.NewLogLogger(log.Handler(), slog.LevelWarn)
	}

	return s
}

// Start binds the listen target and begins serving in the background. A
// failed bind returns a *BindError and leaves the Server unusable.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateListening:
		return ErrServerStarted
	case stateStopped, stateFailed:
		return ErrServerStopped
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, s.target.network(), s.target.String())
	if err != nil {
		s.state = stateFailed
		return &BindError{Target: s.target, Err: err}
	}
	if s.srv.TLSConfig != nil {
		ln = tls.NewListener(ln, listenerTLSConfig(s.srv.TLSConfig))
	}

	s.ln = ln
	s.state = stateListening
	s.serveDone = make(chan struct{})
	s.logListening(ln.Addr())

	go s.serve(ln, s.serveDone)
	return nil
}

func (s *Server) serve(ln net.Listener, done chan struct{}) {
	defer close(done)

	err := s.srv.Serve(ln)
	if s.tracker.Draining() || errors.Is(err, http.ErrServerClosed) {
		return
	}

	s.mu.Lock()
	if s.state == stateListening {
		s.state = stateFailed
	}
	s.mu.Unlock()

	s.log.Error("listener error", "error", err)
	if s.onError != nil {
		s.onError(err)
	}
}

// listenerTLSConfig copies base so http.Server never mutates the config the
// listener handshakes with. ALPN offers the protocols base lists plus
// http/1.1; h2 is served only when base lists "h2".
func listenerTLSConfig(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	if !slices.Contains(cfg.NextProtos, "http/1.1") {
		cfg.NextProtos = append(cfg.NextProtos, "http/1.1")
	}
	return cfg
}

func (s *Server) logListening(addr net.Addr) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		s.log.Info("listening", "host", a.IP.String(), "port", a.Port)
	case *net.UnixAddr:
		s.log.Info("listening", "path", a.Name)
	default:
		s.log.Info("listening", "addr", addr.String())
	}
}

// Stop stops accepting connections and waits until every tracked connection
// has been released. Idle connections are destroyed immediately, active ones
// when their response finishes. If ctx ends first Stop returns its error but
// draining carries on; a later Stop or Close picks it up.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(s.beginStop)

	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections to drain: %w", ctx.Err())
	}
}

func (s *Server) beginStop() {
	s.mu.Lock()
	ln, serveDone := s.ln, s.serveDone
	s.state = stateStopped
	s.mu.Unlock()

	destroyed := s.tracker.Drain()
	s.log.Debug("draining", "destroyed_idle", destroyed, "open", s.tracker.Stats().Open)

	if ln == nil {
		s.log.Info("closed")
		close(s.closed)
		return
	}

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn("closing listener", "error", err)
	}

	go func() {
		<-serveDone
		<-s.tracker.Done()
		// Nothing is left to close; this only marks the http.Server as shut down.
		s.srv.Close()
		s.log.Info("closed")
		close(s.closed)
	}()
}

// Close stops the server without waiting: the listener and every connection,
// active or not, are closed at once. Handlers still running keep their
// goroutines until they return.
func (s *Server) Close() error {
	s.stopOnce.Do(s.beginStop)

	if n := s.tracker.DestroyAll(); n > 0 {
		s.log.Warn("forced close", "destroyed", n)
	}
	return nil
}

// Done is closed once Stop has fully completed.
func (s *Server) Done() <-chan struct{} {
	return s.closed
}

// Draining reports whether Stop or Close has been called.
func (s *Server) Draining() bool {
	return s.tracker.Draining()
}

// Listening reports whether the server is bound and accepting connections.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateListening
}

// Addr returns the bound address, or nil before a successful Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Tag returns the server's identifying tag.
func (s *Server) Tag() string {
	return s.tag
}

// Connections returns a snapshot of the tracked connection set.
func (s *Server) Connections() conntrack.Stats {
	return s.tracker.Stats()
}
