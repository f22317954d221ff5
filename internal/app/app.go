// Package app provides the application lifecycle of the trustlens service.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"

	grpcapi "github.com/trustlens/trustlens/internal/api/grpc"
	httpapi "github.com/trustlens/trustlens/internal/api/http"
	"github.com/trustlens/trustlens/internal/checkpoint"
	"github.com/trustlens/trustlens/internal/config"
	"github.com/trustlens/trustlens/internal/engine"
	"github.com/trustlens/trustlens/internal/eventstore"
	"github.com/trustlens/trustlens/internal/notify"
	"github.com/trustlens/trustlens/internal/observability"
	"github.com/trustlens/trustlens/internal/server"
	"github.com/trustlens/trustlens/internal/storage"
)

// Job names.
const (
	JobEvict      = "evict"
	JobCheckpoint = "checkpoint"
)

// App wires the engine to its servers and background loops.
type App struct {
	cfg *config.Config

	store     eventstore.Store
	engine    *engine.Engine
	notifier  *notify.Notifier
	metrics   *observability.Metrics
	sink      *notify.KafkaSink
	scheduler *Scheduler
	shutdown  *server.ShutdownManager

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{cfg: cfg}, nil
}

// Engine returns the running engine, nil before Start.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// HTTPAddr returns the bound HTTP address.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address, empty when gRPC is disabled.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Start recovers the engine and starts every configured service.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())

	if err := a.initEngine(ctx); err != nil {
		a.abort()
		return err
	}
	if err := a.startHTTP(); err != nil {
		a.abort()
		return err
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.abort()
			return err
		}
	}
	if err := a.startBackground(ctx); err != nil {
		a.abort()
		return err
	}

	log.Printf("trustlens started (store=%s, retention=%d days, http=%s, grpc=%s)",
		a.cfg.Store.Type, a.cfg.Engine.RetentionDays, a.HTTPAddr(), a.GRPCAddr())
	return nil
}

// initEngine opens the store and checkpoint storage, builds the engine and
// recovers its aggregates.
func (a *App) initEngine(ctx context.Context) error {
	store, err := eventstore.Open(a.cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	a.store = store
	log.Printf("Event store opened: type=%s, last seq=%d", a.cfg.Store.Type, store.LastSeq())

	var ckpt *checkpoint.Manager
	if a.cfg.Checkpoint.Enabled {
		objects, err := storage.New(ctx, a.cfg.Checkpoint.Storage)
		if err != nil {
			return fmt.Errorf("failed to initialize checkpoint storage: %w", err)
		}
		ckpt = checkpoint.NewManager(objects, a.cfg.Checkpoint.Prefix, a.cfg.Checkpoint.Keep)
		log.Printf("Checkpoint storage initialized: type=%s", a.cfg.Checkpoint.Storage.Type)
	}

	if a.cfg.Metrics.Enabled {
		a.metrics = observability.NewMetrics()
	}
	a.notifier = notify.NewNotifier(a.cfg.Notify.BufferSize)

	a.engine, err = engine.New(a.cfg, engine.Options{
		Store:       store,
		Checkpoints: ckpt,
		Notifier:    a.notifier,
		Metrics:     a.metrics,
	})
	if err != nil {
		return err
	}
	a.shutdown.RegisterCloser("engine", a.engine)
	a.shutdown.RegisterCloser("notifier", a.notifier)

	if _, err := a.engine.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover aggregates: %w", err)
	}
	if ckpt != nil {
		a.shutdown.RegisterCloser("final checkpoint", server.CloserFunc(a.finalCheckpoint))
	}
	return nil
}

func (a *App) finalCheckpoint() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	name, err := a.engine.Checkpoint(ctx)
	if err != nil {
		return err
	}
	log.Printf("Final checkpoint written to %s", name)
	return nil
}

func (a *App) startHTTP() error {
	routerCfg := httpapi.RouterConfig{AllowedOrigins: a.cfg.HTTP.AllowedOrigins}
	if a.cfg.HTTP.AccessLog {
		routerCfg.AccessLog = os.Stdout
	}
	router := httpapi.NewRouter(a.engine, a.metrics, routerCfg)

	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	a.httpListener = lis
	a.httpServer = &http.Server{
		Handler:      server.ShutdownMiddleware(a.shutdown)(router),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser("http server", server.HTTPServerCloser(a.httpServer, 10*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("HTTP server listening on %s", lis.Addr())
		if err := a.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	srv, _ := grpcapi.NewServer(a.engine, grpc.ChainUnaryInterceptor(server.UnaryShutdownInterceptor(a.shutdown)))
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.grpcServer = srv
	a.grpcListener = lis
	a.shutdown.RegisterCloser("grpc server", server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("gRPC server listening on %s", lis.Addr())
		if err := a.grpcServer.Serve(lis); err != nil {
			log.Printf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// startBackground starts the Kafka sink, the maintenance scheduler and the
// redelivery loop.
func (a *App) startBackground(ctx context.Context) error {
	if a.cfg.Notify.Kafka.Enabled {
		sink, err := notify.NewKafkaSink(a.notifier, a.cfg.Notify.Kafka)
		if err != nil {
			return err
		}
		if err := sink.Start(ctx); err != nil {
			return err
		}
		a.sink = sink
		a.shutdown.RegisterCloser("kafka sink", server.CloserFunc(sink.Stop))
	}

	a.scheduler = NewScheduler()
	if err := a.scheduler.Add(Job{Name: JobEvict, Spec: a.cfg.Schedule.Evict, Run: func(context.Context) error {
		a.engine.Evict()
		return nil
	}}); err != nil {
		return err
	}
	if a.cfg.Checkpoint.Enabled {
		if err := a.scheduler.Add(Job{Name: JobCheckpoint, Spec: a.cfg.Schedule.Checkpoint, Run: func(ctx context.Context) error {
			_, err := a.engine.Checkpoint(ctx)
			return err
		}}); err != nil {
			return err
		}
	}
	a.scheduler.Start()
	a.shutdown.RegisterCloser("scheduler", a.scheduler)

	if interval := a.cfg.Engine.RedeliveryInterval; interval > 0 {
		loopCtx, stopLoop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			a.redeliveryLoop(loopCtx, interval)
		}()
		a.shutdown.RegisterCloser("redelivery", server.CloserFunc(func() error {
			stopLoop()
			<-done
			return nil
		}))
	}
	return nil
}

func (a *App) redeliveryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.engine.Pending() == 0 {
				continue
			}
			if remaining := a.engine.RedeliverPending(ctx); remaining > 0 {
				log.Printf("app: %d events still awaiting redelivery", remaining)
			}
		}
	}
}

// Wait blocks until a signal arrives or ctx is done, then stops the app.
func (a *App) Wait(ctx context.Context) error {
	reason := a.shutdown.ListenForSignals(ctx)
	return a.stop(context.Background(), reason)
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	return a.stop(ctx, "stop requested")
}

func (a *App) stop(ctx context.Context, reason string) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	// Servers and loops first; the engine closes last.
	err := a.shutdown.Shutdown(ctx, reason)
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	log.Printf("trustlens stopped")
	return err
}

// abort releases whatever Start created before failing.
func (a *App) abort() {
	if a.shutdown != nil {
		a.shutdown.Shutdown(context.Background(), "startup failed")
	}
	if a.engine == nil && a.store != nil {
		a.store.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}
