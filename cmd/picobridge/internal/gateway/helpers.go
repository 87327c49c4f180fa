package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tinyland-inc/picobridge/cmd/picobridge/internal"
	"github.com/tinyland-inc/picobridge/pkg/bus"
	"github.com/tinyland-inc/picobridge/pkg/config"
	"github.com/tinyland-inc/picobridge/pkg/correlation"
	"github.com/tinyland-inc/picobridge/pkg/flow"
	"github.com/tinyland-inc/picobridge/pkg/health"
	"github.com/tinyland-inc/picobridge/pkg/logger"
	"github.com/tinyland-inc/picobridge/pkg/platforms"
	"github.com/tinyland-inc/picobridge/pkg/relay"
)

const shutdownTimeout = 10 * time.Second

func gatewayCmd(configPath string, debug bool) error {
	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	internal.SetupLogging(cfg, debug)
	if debug {
		fmt.Println("Debug mode enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	maintainer, err := correlation.NewMaintainer(store, cfg.Storage.SaveIntervalDuration(), cfg.Storage.Schedule)
	if err != nil {
		return err
	}

	msgBus := bus.NewMessageBus(cfg.Dispatcher.QueueSize)
	manager, err := platforms.NewManager(cfg, msgBus)
	if err != nil {
		return fmt.Errorf("error creating platform manager: %w", err)
	}

	routing := relay.NewRouting(cfg.Rooms)
	exec := relay.NewExecutor(manager, store, cfg.Dispatcher.AdapterTimeoutDuration())
	policy := relay.Policy{Failsafe: cfg.Failsafe}

	var (
		strategy     relay.Strategy
		orchestrator *flow.Orchestrator
	)
	if cfg.Flow.Enabled {
		jobs, err := openJobStore(cfg.Flow)
		if err != nil {
			return err
		}
		defer jobs.Close()
		orchestrator = flow.NewOrchestrator(routing, exec, jobs, policy,
			flow.WithWorkers(cfg.Flow.Workers),
			flow.WithMaxAttempts(cfg.Flow.MaxAttempts),
		)
		strategy = orchestrator
	} else {
		strategy = relay.NewFanout(routing, exec, policy, relay.WithFanoutLimit(cfg.Dispatcher.FanoutLimit))
	}

	dispatcher := relay.NewDispatcher(msgBus, manager, strategy,
		relay.WithWorkers(cfg.Dispatcher.Workers),
		relay.WithQueueSize(cfg.Dispatcher.QueueSize),
	)

	if err := manager.StartAll(ctx); err != nil {
		fmt.Printf("Error starting platforms: %v\n", err)
	}
	if running := manager.Running(); len(running) > 0 {
		fmt.Printf("✓ Platforms running: %s\n", running)
	} else {
		fmt.Println("⚠ Warning: No platforms running")
	}

	if orchestrator != nil {
		orchestrator.Start()
		resumed, err := orchestrator.Resume(ctx)
		if err != nil {
			logger.ErrorCF("flow", "Resume failed", map[string]any{"error": err.Error()})
		} else if resumed > 0 {
			fmt.Printf("✓ Resumed %d unfinished flows\n", resumed)
		}
	}

	maintCtx, stopMaint := context.WithCancel(context.Background())
	maintDone := make(chan struct{})
	go func() {
		defer close(maintDone)
		maintainer.Run(maintCtx)
	}()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		dispatcher.Run(context.Background())
	}()

	healthServer := newHealthServer(cfg, store, manager, routing, dispatcher)
	go func() {
		if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("health", "Health server error", map[string]any{"error": err.Error()})
		}
	}()
	healthServer.SetReady(true)

	fmt.Printf("✓ Gateway started, %d bridged rooms, %d correlations loaded\n", len(cfg.Rooms), store.Len())
	fmt.Printf("✓ Health endpoints available at http://%s/health, /ready and /stats\n", healthServer.Addr())
	fmt.Println("Press Ctrl+C to stop")

	<-ctx.Done()

	fmt.Println("\nShutting down...")
	healthServer.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	manager.StopAll(shutdownCtx)
	msgBus.Close()
	<-dispatchDone
	if orchestrator != nil {
		orchestrator.Stop()
	}
	stopMaint()
	<-maintDone
	_ = healthServer.Stop(shutdownCtx)
	fmt.Println("✓ Gateway stopped")

	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*correlation.Store, error) {
	dsn := cfg.Storage.DSN()
	backend, err := correlation.OpenBackend(dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening correlation storage: %w", err)
	}
	store := correlation.NewStore(
		correlation.WithBackend(backend),
		correlation.WithRetention(cfg.Storage.RetentionDuration()),
		correlation.WithStrictLoad(cfg.Storage.Strict),
	)
	if err := store.Load(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("error loading correlations: %w", err)
	}
	if store.CacheOnly() {
		fmt.Println("⚠ Cache-only mode: correlations are not persisted")
	}
	return store, nil
}

func openJobStore(cfg config.FlowConfig) (*flow.SQLiteJobStore, error) {
	path := cfg.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	jobs, err := flow.OpenSQLiteJobStore(path)
	if err != nil {
		return nil, fmt.Errorf("error opening flow store: %w", err)
	}
	return jobs, nil
}

func newHealthServer(
	cfg *config.Config,
	store *correlation.Store,
	manager *platforms.Manager,
	routing *relay.Routing,
	dispatcher *relay.Dispatcher,
) *health.Server {
	srv := health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port)
	srv.RegisterCheck("platforms", func() error {
		if len(manager.Names()) > 0 && len(manager.Running()) == 0 {
			return errors.New("no platform running")
		}
		return nil
	})
	srv.SetStats(func() any {
		return map[string]any{
			"correlations": store.Len(),
			"routes":       routing.Len(),
			"platforms":    manager.Running(),
			"dispatcher":   dispatcher.Stats(),
		}
	})
	return srv
}
