// Package server runs the inbound listener and owns the shutdown order.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"gemini_proxy/internal/limits"
	"gemini_proxy/internal/obs"
	"gemini_proxy/internal/runtime"
)

type Server struct {
	Addr string

	httpServer   *http.Server
	ln           *onceCloseListener
	limits       limits.Limits
	shutdown     runtime.ShutdownConfig
	inflight     *runtime.InflightTracker
	beforeDrain  []func()
	stoppers     []Stopper
	closeIdle    []func()
	logger       *obs.Logger
	serveErr     chan error
	shutdownOnce sync.Once
	shutdownErr  error
}

type Stopper interface {
	Stop(ctx context.Context) error
}

type StopFunc func(ctx context.Context) error

func (s StopFunc) Stop(ctx context.Context) error {
	return s(ctx)
}

// Options configures StartServer. Shutdown runs BeforeDrain hooks, stops
// accepting, waits for Inflight, shuts the http server down, then runs
// Stoppers in order and finally CloseIdle.
type Options struct {
	Limits      limits.Limits
	Shutdown    runtime.ShutdownConfig
	Inflight    *runtime.InflightTracker
	BeforeDrain []func()
	Stoppers    []Stopper
	CloseIdle   []func()
	Logger      *obs.Logger
}

func StartServer(handler http.Handler, addr string, options Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if addr == "" {
		return nil, errors.New("no listen address configured")
	}

	limitConfig := options.Limits
	if limitConfig.MaxHeaderBytes == 0 {
		limitConfig = limits.Default()
	}
	if err := limitConfig.Validate(); err != nil {
		return nil, err
	}
	shutdownConfig := runtime.ApplyShutdownDefaults(options.Shutdown)
	logger := options.Logger
	if logger == nil {
		logger = obs.Nop()
	}

	rawLn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln := &onceCloseListener{Listener: rawLn}
	httpSrv := &http.Server{
		Handler:           handler,
		MaxHeaderBytes:    limitConfig.MaxHeaderBytes,
		ReadHeaderTimeout: limitConfig.ReadHeaderTimeout,
		ReadTimeout:       limitConfig.ReadTimeout,
		WriteTimeout:      limitConfig.WriteTimeout,
		IdleTimeout:       limitConfig.IdleTimeout,
	}
	s := &Server{
		Addr:        ln.Addr().String(),
		httpServer:  httpSrv,
		ln:          ln,
		limits:      limitConfig,
		shutdown:    shutdownConfig,
		inflight:    options.Inflight,
		beforeDrain: options.BeforeDrain,
		stoppers:    options.Stoppers,
		closeIdle:   options.CloseIdle,
		logger:      logger,
		serveErr:    make(chan error, 1),
	}
	go s.serve()
	return s, nil
}

func (s *Server) serve() {
	err := s.httpServer.Serve(s.ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !s.ln.closed() {
		s.logger.Error("server_error", err).Str("addr", s.Addr).Msg("listener failed")
		s.serveErr <- err
	}
	close(s.serveErr)
}

// Errors yields a listener failure, if any, and closes when serving stops.
func (s *Server) Errors() <-chan error {
	return s.serveErr
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	if s == nil {
		return nil
	}
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdownSequence()
	})
	return s.shutdownErr
}

func (s *Server) shutdownSequence() error {
	started := time.Now()
	for _, hook := range s.beforeDrain {
		if hook != nil {
			hook()
		}
	}

	_ = s.ln.Close()
	s.logger.Event(obs.LevelMinimal, "shutdown").
		Int64("inflight", s.inflight.Count()).
		Msg("listener closed, draining inflight requests")

	if s.shutdown.Drain > 0 {
		time.Sleep(s.shutdown.Drain)
	}

	gracefulCtx, gracefulCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	defer gracefulCancel()
	if err := s.inflight.Wait(gracefulCtx); err != nil {
		s.logger.Warn("shutdown").Int64("inflight", s.inflight.Count()).Msg("graceful timeout reached with requests still in flight")
	}

	var firstErr error
	if err := s.httpServer.Shutdown(gracefulCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		firstErr = err
	}
	if gracefulCtx.Err() != nil {
		if s.shutdown.ForceClose > 0 {
			time.Sleep(s.shutdown.ForceClose)
		}
		_ = s.httpServer.Close()
		if firstErr == nil {
			firstErr = gracefulCtx.Err()
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	defer stopCancel()
	for _, stopper := range s.stoppers {
		if stopper == nil {
			continue
		}
		if err := stopper.Stop(stopCtx); err != nil {
			s.logger.Error("shutdown", err).Msg("stopping component failed")
		}
	}

	for _, closeIdle := range s.closeIdle {
		if closeIdle != nil {
			closeIdle()
		}
	}

	s.logger.Event(obs.LevelMinimal, "shutdown").
		Dur("elapsed", time.Since(started)).
		Msg("shutdown complete")
	return firstErr
}

// onceCloseListener lets shutdown close the listener ahead of
// http.Server.Shutdown, which closes it again.
type onceCloseListener struct {
	net.Listener
	once   sync.Once
	mu     sync.Mutex
	isDone bool
	err    error
}

func (l *onceCloseListener) Close() error {
	l.once.Do(func() {
		l.mu.Lock()
		l.isDone = true
		l.mu.Unlock()
		l.err = l.Listener.Close()
	})
	return l.err
}

func (l *onceCloseListener) closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isDone
}
