// Package server provides server lifecycle management including graceful shutdown.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown, closers included.
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight requests.
	// Default: 15 seconds
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

// ShutdownManager gates HTTP and gRPC requests, waits for the admitted ones
// to finish and then closes registered resources newest first.
type ShutdownManager struct {
	cfg ShutdownConfig

	mu       sync.Mutex
	inFlight int64
	closing  bool
	idle     chan struct{} // closed when closing and inFlight reaches zero
	closers  []namedCloser

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// NewShutdownManager creates a shutdown manager. Zero timeouts take the
// defaults.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	def := DefaultShutdownConfig()
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}
	return &ShutdownManager{
		cfg:        config,
		idle:       make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}
}

// RegisterCloser adds a resource to close on shutdown. Resources close in
// reverse registration order.
func (sm *ShutdownManager) RegisterCloser(name string, closer io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, closer: closer})
}

// ListenForSignals blocks until SIGTERM or SIGINT arrives, ctx is done or
// shutdown starts elsewhere. It returns the reason.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) string {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return fmt.Sprintf("received signal: %v", sig)
	case <-ctx.Done():
		return "context cancelled"
	case <-sm.shutdownCh:
		return "shutdown requested"
	}
}

// Shutdown rejects new requests, drains admitted ones and closes every
// registered resource. Later calls return the first call's result.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.shutdownOnce.Do(func() {
		log.Printf("server: shutting down (%s)", reason)
		start := time.Now()

		sm.mu.Lock()
		sm.closing = true
		if sm.inFlight == 0 {
			close(sm.idle)
		}
		closers := append([]namedCloser(nil), sm.closers...)
		sm.mu.Unlock()
		close(sm.shutdownCh)

		ctx, cancel := context.WithTimeout(ctx, sm.cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := sm.drain(ctx); err != nil {
			errs = append(errs, err)
		}
		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.closer.Close(); err != nil {
				log.Printf("server: closing %s failed: %v", c.name, err)
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
			}
		}
		if len(errs) > 0 {
			sm.shutdownErr = errs[0]
		}
		log.Printf("server: shutdown finished in %v", time.Since(start))
	})
	return sm.shutdownErr
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	timer := time.NewTimer(sm.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-sm.idle:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if n := sm.InFlightCount(); n > 0 {
		return fmt.Errorf("drain: %d requests still in flight", n)
	}
	return nil
}

// TrackRequest admits a request. It returns false once shutdown has begun.
func (sm *ShutdownManager) TrackRequest() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closing {
		return false
	}
	sm.inFlight++
	return true
}

// UntrackRequest marks an admitted request finished.
func (sm *ShutdownManager) UntrackRequest() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.inFlight--
	if sm.closing && sm.inFlight == 0 {
		close(sm.idle)
	}
}

// IsShuttingDown reports whether shutdown has begun.
func (sm *ShutdownManager) IsShuttingDown() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.closing
}

// InFlightCount returns the number of admitted, unfinished requests.
func (sm *ShutdownManager) InFlightCount() int64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.inFlight
}

// ShutdownCh is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// ShutdownMiddleware admits HTTP requests through sm and answers 503 once
// shutdown has begun.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.TrackRequest() {
				w.Header().Set("Connection", "close")
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"error":"shutting down","retryable":true}` + "\n"))
				return
			}
			defer sm.UntrackRequest()
			next.ServeHTTP(w, r)
		})
	}
}

// UnaryShutdownInterceptor is the gRPC counterpart of ShutdownMiddleware.
func UnaryShutdownInterceptor(sm *ShutdownManager) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !sm.TrackRequest() {
			return nil, status.Error(codes.Unavailable, "shutting down")
		}
		defer sm.UntrackRequest()
		return handler(ctx, req)
	}
}

// HTTPServerCloser shuts srv down gracefully on Close.
func HTTPServerCloser(srv *http.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}
