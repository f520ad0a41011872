// Package server runs the combat server's long-lived services and stops them
// cleanly on SIGINT/SIGTERM.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is a long-running component.
type Service interface {
	// Start blocks until the service stops or fails.
	Start() error
	// Stop asks a started service to return from Start.
	Stop()
}

// FuncService adapts a start/stop function pair into a Service.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls StartFn.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls StopFn.
func (f *FuncService) Stop() { f.StopFn() }

// HTTPService serves an http.Server as a Service.
type HTTPService struct {
	srv     *http.Server
	ln      net.Listener
	timeout time.Duration
	logger  *zap.Logger
}

// NewHTTPService wraps srv. Stop waits up to shutdownTimeout for in-flight
// requests before closing remaining connections.
//
// Precondition: srv.Addr must be set unless Listen is used.
func NewHTTPService(srv *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) *HTTPService {
	return &HTTPService{srv: srv, timeout: shutdownTimeout, logger: logger}
}

// Listen binds the listen address ahead of Start so callers learn the bound
// address (and any bind error) before the lifecycle runs.
func (s *HTTPService) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}
	s.ln = ln
	return ln.Addr(), nil
}

// Start serves until Stop.
//
// Postcondition: Returns nil after a graceful Stop.
func (s *HTTPService) Start() error {
	if s.ln == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("http listening", zap.String("addr", s.ln.Addr().String()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Stop drains in-flight requests, then forces the rest closed.
func (s *HTTPService) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown timed out, closing", zap.Duration("timeout", s.timeout), zap.Error(err))
		_ = s.srv.Close()
	}
}

// Lifecycle starts services in registration order and stops them in reverse.
type Lifecycle struct {
	logger   *zap.Logger
	mu       sync.Mutex
	services []namedService
}

type namedService struct {
	name    string
	service Service
}

// NewLifecycle creates an empty Lifecycle.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Add registers svc under name.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// Run starts every service and blocks until a termination signal, ctx is
// cancelled, or a service fails.
//
// Postcondition: Every service has been stopped. The first service failure,
// if any, is returned.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()
	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	l.mu.Unlock()

	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	errCh := make(chan error, len(services))
	var wg sync.WaitGroup
	for _, ns := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.logger.Info("starting service", zap.String("service", ns.name))
			if err := ns.service.Start(); err != nil {
				l.logger.Error("service failed", zap.String("service", ns.name), zap.Error(err))
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
			}
		}()
	}
	l.logger.Info("all services started", zap.Int("count", len(services)))

	var runErr error
	select {
	case runErr = <-errCh:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		l.logger.Info("shutting down", zap.NamedError("cause", context.Cause(ctx)))
	}

	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		stopStart := time.Now()
		ns.service.Stop()
		l.logger.Info("service stopped", zap.String("service", ns.name), zap.Duration("elapsed", time.Since(stopStart)))
	}
	wg.Wait()

	l.logger.Info("shutdown complete", zap.Duration("uptime", time.Since(start)))
	return runErr
}
