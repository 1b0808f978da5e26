package dev

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/afero"

	"github.com/vango-dev/packscripts/internal/bundler"
	"github.com/vango-dev/packscripts/internal/config"
	"github.com/vango-dev/packscripts/internal/errors"
	"github.com/vango-dev/packscripts/internal/metrics"
	"github.com/vango-dev/packscripts/internal/middleware"
)

// State is the lifecycle state of a Server.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// TypeChecker runs a type checker in watch mode until ctx is done.
type TypeChecker interface {
	Watch(ctx context.Context) error
}

// ServerOptions configures the development server.
type ServerOptions struct {
	// Config is the project configuration.
	Config *config.Config

	Logger *slog.Logger

	// Metrics receives build and request metrics. When nil and
	// dev.metrics is enabled, the server creates its own registry.
	Metrics *metrics.Metrics

	// Out receives user-facing lines. Defaults to os.Stdout.
	Out io.Writer

	// Source is the project filesystem. Defaults to the OS filesystem.
	Source afero.Fs

	// TypeChecker runs alongside the compiler when set.
	TypeChecker TypeChecker

	// Listen opens the server's listener. Defaults to net.Listen.
	Listen func(network, address string) (net.Listener, error)
}

// Server is the development server: an in-memory build kept fresh by the
// compiler's watch loop, served through the asset and hot stages.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	out       io.Writer
	metrics   *metrics.Metrics
	compiler  *bundler.Compiler
	hot       *middleware.Hot
	pipeline  *Pipeline
	handler   http.Handler
	typecheck TypeChecker
	listen    func(network, address string) (net.Listener, error)

	state atomic.Int32

	mu         sync.Mutex
	started    bool
	listener   net.Listener
	httpServer *http.Server
	stopOnce   sync.Once
}

// NewServer creates the compiler and the request pipeline. Nothing is
// built or bound until Start.
func NewServer(opts ServerOptions) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("E120").WithDetail("dev server needs a configuration")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Listen == nil {
		opts.Listen = net.Listen
	}
	if opts.Metrics == nil && cfg.Dev.Metrics {
		opts.Metrics = metrics.New()
	}

	hotOpts := middleware.HotOptions{
		Path:      cfg.Dev.HotPath,
		Heartbeat: cfg.Dev.Heartbeat,
		Transport: cfg.Dev.Transport,
		Overlay:   cfg.Dev.Overlay,
		Reload:    cfg.Dev.Reload,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	}

	compiler, err := bundler.New(cfg, bundler.Options{
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		Source:  opts.Source,
		Scripts: []string{middleware.HotScript(hotOpts)},
	})
	if err != nil {
		return nil, err
	}

	hot := middleware.NewHot(compiler, hotOpts)
	pipeline := NewPipeline(PipelineOptions{Logger: opts.Logger, Metrics: opts.Metrics},
		Stage{Name: "assets", Middleware: middleware.NewAssets(compiler, middleware.AssetsOptions{Logger: opts.Logger})},
		Stage{Name: "hot", Middleware: hot},
	)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	if opts.Metrics != nil {
		router.Handle(cfg.Dev.MetricsPath, opts.Metrics.Handler())
	}
	router.HandleFunc(hot.SocketPath(), hot.ServeWebSocket)
	router.Handle("/*", pipeline)

	s := &Server{
		cfg:       compiler.Config(),
		logger:    opts.Logger,
		out:       opts.Out,
		metrics:   opts.Metrics,
		compiler:  compiler,
		hot:       hot,
		pipeline:  pipeline,
		handler:   router,
		typecheck: opts.TypeChecker,
		listen:    opts.Listen,
	}
	s.setState(StateStarting)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(state State) {
	s.state.Store(int32(state))
	s.logger.Debug("dev server state", "state", state.String())
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Compiler returns the server's compiler.
func (s *Server) Compiler() *bundler.Compiler {
	return s.compiler
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// URL returns the address browsers should open.
func (s *Server) URL() string {
	port := strconv.Itoa(s.cfg.Dev.Port)
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		port = strconv.Itoa(addr.Port)
	}
	return "http://" + net.JoinHostPort(s.cfg.Dev.Host, port)
}

// Start binds the listener, starts the watch loop and serves until ctx is
// done or serving fails. It stops the server before returning.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.State() != StateStarting {
		s.mu.Unlock()
		return errors.New("E160").WithDetail("The server was already started or stopped.")
	}
	s.started = true
	s.mu.Unlock()

	addr := s.cfg.DevAddress()
	ln, err := s.listen("tcp", addr)
	if err != nil {
		s.Stop()
		return errors.New("E160").WithDetail("Listening on " + addr).Wrap(err)
	}

	srv := &http.Server{
		Handler:     s.handler,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()
	s.setState(StateListening)

	fmt.Fprintf(s.out, "DevServer is running at %s\n", color.New(color.FgHiBlue, color.Underline).Sprint(s.URL()))

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- errors.New("E160").Wrap(err)
			return
		}
		errCh <- nil
	}()
	go func() {
		if err := s.compiler.Watch(watchCtx); err != nil {
			errCh <- err
		}
	}()
	if s.typecheck != nil {
		go func() {
			if err := s.typecheck.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
				s.logger.Warn("type checker stopped", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	s.Stop()
	return err
}

// Stop closes the listener and open connections, disconnects hot clients
// and disposes the compiler. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.setState(StateShuttingDown)

		s.mu.Lock()
		srv := s.httpServer
		s.mu.Unlock()

		s.hot.Close()
		if srv != nil {
			if err := srv.Close(); err != nil {
				s.logger.Debug("closing listener", "error", err)
			}
		}
		s.compiler.Close()
		s.setState(StateTerminated)
	})
}
