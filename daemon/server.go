package daemon

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/m4xw311/agentd/agent"
	"github.com/m4xw311/agentd/config"
	"github.com/m4xw311/agentd/errors"
	"github.com/m4xw311/agentd/tools"
)

// DrainTimeout bounds how long in-flight requests may run after shutdown
// or a listener swap.
const DrainTimeout = 10 * time.Second

// Loader produces the next configuration on reload.
type Loader func(current *config.Config) (*config.Config, error)

// Server exposes an agent.Handler over a unix socket or loopback HTTP.
type Server struct {
	handler *agent.Handler
	logger  *slog.Logger
	version string
	load    Loader
	started time.Time
	mux     http.Handler
	errCh   chan error

	mu       sync.Mutex
	cfg      *config.Config
	toolset  *Toolset
	srv      *http.Server
	listener net.Listener
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithLoader replaces the config reader used by Reload.
func WithLoader(l Loader) Option {
	return func(s *Server) { s.load = l }
}

// WithToolset hands the server the toolset serving cfg, so it is closed
// when a reload replaces it.
func WithToolset(ts *Toolset) Option {
	return func(s *Server) { s.toolset = ts }
}

func New(cfg *config.Config, handler *agent.Handler, opts ...Option) *Server {
	s := &Server{
		handler: handler,
		cfg:     cfg,
		logger:  slog.Default(),
		version: "dev",
		load:    func(c *config.Config) (*config.Config, error) { return c.Reload() },
		started: time.Now(),
		errCh:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux = s.routes()
	return s
}

// Handler returns the routed handler, independent of any listener.
func (s *Server) Handler() http.Handler { return s.mux }

// Config returns the configuration currently served.
func (s *Server) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the configured transport and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("server already started")
	}
	return s.bindLocked(s.cfg.Daemon)
}

func (s *Server) bindLocked(d config.DaemonConfig) error {
	ln, err := Listen(d)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	go s.serve(srv, ln)
	s.srv, s.listener = srv, ln
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("listener stopped", "address", ln.Addr().String(), "error", err)
		select {
		case s.errCh <- err:
		default:
		}
	}
}

// Run starts the server and blocks until ctx is cancelled, reloading the
// configuration on SIGHUP.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	cfg := s.Config()
	s.logger.Info("daemon listening", "transport", cfg.Daemon.Transport, "address", s.Addr(), "pid", os.Getpid())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			s.logger.Info("received SIGHUP, reloading config")
			if _, err := s.Reload(ctx); err != nil {
				s.logger.Error("config reload failed", "error", err)
			}
		case err := <-s.errCh:
			return err
		case <-ctx.Done():
			s.logger.Info("shutting down", "drain_timeout", DrainTimeout)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
			defer cancel()
			return s.Shutdown(shutdownCtx)
		}
	}
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires, then closes whatever is left.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, ts := s.srv, s.toolset
	s.srv, s.listener, s.toolset = nil, nil, nil
	s.mu.Unlock()

	// Drain without the lock so /status and /config keep answering.
	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			s.logger.Warn("drain timeout exceeded, closing remaining connections")
			if ts != nil {
				ts.Executor.CancelAll()
			}
			_ = srv.Close()
		}
	}
	ts.Close()
	return err
}

// Reload re-reads the configuration, rebuilds the tools, drops cached
// clients and rebinds when the transport or address changed. Turns already
// running finish with the settings they started with.
func (s *Server) Reload(ctx context.Context) (*config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.load(s.cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reload config")
	}
	ts, err := BuildToolset(context.WithoutCancel(ctx), next, nil, tools.WithLogger(s.logger))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to rebuild tools")
	}

	prev := s.cfg.Daemon
	if s.srv != nil && (next.Daemon.Transport != prev.Transport || next.Daemon.Address() != prev.Address()) {
		oldSrv := s.srv
		if err := s.bindLocked(next.Daemon); err != nil {
			ts.Close()
			return nil, errors.Wrapf(err, "failed to rebind daemon")
		}
		go func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
			defer cancel()
			if err := oldSrv.Shutdown(drainCtx); err != nil {
				_ = oldSrv.Close()
			}
		}()
		s.logger.Info("daemon rebound", "transport", next.Daemon.Transport, "address", next.Daemon.Address())
	}

	s.handler.Reconfigure(next, ts.Executor)
	s.toolset.Close()
	s.toolset = ts
	s.cfg = next
	s.logger.Info("config reloaded", "path", next.Path, "models", len(next.Models))
	return next, nil
}

// Listen binds d. A unix socket left behind by a dead daemon is removed;
// one that still answers is an error. HTTP only binds loopback hosts.
func Listen(d config.DaemonConfig) (net.Listener, error) {
	switch d.Transport {
	case config.TransportHTTP:
		if !config.IsLoopbackHost(d.Host) {
			return nil, errors.New("refusing to bind non-loopback host %q", d.Host)
		}
		ln, err := net.Listen("tcp", d.Address())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to listen on %s", d.Address())
		}
		return ln, nil
	case config.TransportUnix, "":
		return listenUnix(d.Socket)
	default:
		return nil, errors.New("unknown transport %q", d.Transport)
	}
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrapf(err, "failed to create socket directory")
	}
	if _, err := os.Stat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
			conn.Close()
			return nil, errors.New("another daemon is already listening on %s", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, errors.Wrapf(err, "failed to remove stale socket %s", path)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", path)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, errors.Wrapf(err, "failed to restrict socket permissions")
	}
	return ln, nil
}
