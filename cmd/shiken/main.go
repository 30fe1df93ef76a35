package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/Shiken/internal/config"
	"github.com/shizukutanaka/Shiken/internal/history"
	"github.com/shizukutanaka/Shiken/internal/logging"
	"github.com/shizukutanaka/Shiken/internal/monitoring"
	"github.com/shizukutanaka/Shiken/internal/recovery"
	"github.com/shizukutanaka/Shiken/internal/resource"
	"github.com/shizukutanaka/Shiken/internal/scaling"
	"github.com/shizukutanaka/Shiken/internal/scheduler"
)

// The coordinator is driven programmatically; the only external input is
// the SHIKEN_CONFIG environment variable pointing at a config file.
func main() {
	cfg := loadConfig()

	logger, err := logging.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(logger, cfg)
	if err != nil {
		logger.Fatal("Failed to build application", zap.Error(err))
	}

	app.Start(ctx)
	logger.Info("Shiken coordinator running")

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	app.Stop(shutdownCtx)

	logger.Info("Shiken stopped")
}

func loadConfig() *config.Config {
	path := os.Getenv("SHIKEN_CONFIG")
	if path == "" {
		return config.Default()
	}

	cfg, err := config.Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

type application struct {
	logger  *zap.Logger
	cfg     *config.Config
	store   history.Store
	pool    *scheduler.Pool
	scaler  *scaling.Scaler
	rm      *resource.Manager
	monitor *monitoring.Monitor
	watcher *config.Watcher
}

// workerRestarter restarts a worker by cycling its registration: a fresh
// health monitor lifetime resets the worker's health status.
type workerRestarter struct {
	mu sync.Mutex
	rm *resource.Manager
}

func (r *workerRestarter) RestartWorker(ctx context.Context, workerID string, timeoutScale float64) error {
	r.mu.Lock()
	rm := r.rm
	r.mu.Unlock()

	worker, ok := rm.Worker(workerID)
	if !ok {
		return nil
	}

	metadata := worker.Metadata
	if err := rm.UnregisterWorker(workerID, "restart"); err != nil {
		return err
	}
	_, err := rm.RegisterWorker(workerID, metadata)
	return err
}

func newApplication(logger *zap.Logger, cfg *config.Config) (*application, error) {
	app := &application{logger: logger, cfg: cfg}

	store, err := history.NewSQLiteStore(logger.Named("history"), cfg.History.Path)
	if err != nil {
		// Degrade rather than die: baselines are advisory
		logger.Warn("History store unavailable, using in-memory fallback", zap.Error(err))
		app.store = history.NewMemoryStore()
	} else {
		app.store = store
	}

	sampler := monitoring.NewSystemSampler(logger.Named("sampler"),
		monitoring.GopsutilSource, cfg.Monitor.SystemSampleInterval, cfg.Scaling.SampleWindow)
	app.monitor = monitoring.NewMonitor(logger.Named("monitor"), cfg.Monitor,
		app.store, sampler, cfg.History.Retention)

	restarter := &workerRestarter{}
	recov := recovery.NewManager(logger.Named("recovery"), cfg.Recovery,
		recovery.NewSubstringClassifier(), recovery.DefaultActions(restarter))

	app.scaler = scaling.NewScaler(logger.Named("scaling"), cfg.Scaling,
		scaling.GopsutilProbe{}, cfg.Pool.MaxConcurrency)

	app.rm = resource.NewManager(logger.Named("resource"), cfg.Health,
		recov, app.scaler, app.monitor)
	restarter.mu.Lock()
	restarter.rm = app.rm
	restarter.mu.Unlock()

	runner := &scheduler.ExecRunner{Timeout: cfg.Pool.JobTimeout}
	app.pool = scheduler.NewPool(logger.Named("scheduler"), cfg.Pool, runner)

	// Scaling recommendations are advisory; this driver chooses to apply
	// them to the pool's concurrency bound.
	app.scaler.Subscribe(func(rec scaling.Recommendation) {
		if rec.Action == scaling.ActionMaintain {
			return
		}
		app.pool.SetMaxConcurrency(rec.RecommendedWorkers)
		app.scaler.SetWorkerCount(rec.RecommendedWorkers)
	})

	if path := os.Getenv("SHIKEN_CONFIG"); path != "" {
		watcher, err := config.NewWatcher(logger.Named("config"), path, func(next *config.Config) {
			app.pool.SetMaxConcurrency(next.Pool.MaxConcurrency)
			app.scaler.SetWorkerCount(next.Pool.MaxConcurrency)
		})
		if err != nil {
			logger.Warn("Config watcher unavailable", zap.Error(err))
		} else {
			app.watcher = watcher
		}
	}

	return app, nil
}

func (a *application) Start(ctx context.Context) {
	a.monitor.Start(ctx)
	a.rm.Start(ctx)
	a.pool.Start(ctx)

	if a.watcher != nil {
		if err := a.watcher.Start(); err != nil {
			a.logger.Warn("Failed to start config watcher", zap.Error(err))
		}
	}
}

func (a *application) Stop(ctx context.Context) {
	if a.watcher != nil {
		a.watcher.Stop()
	}

	if err := a.pool.Shutdown(ctx); err != nil {
		a.logger.Error("Pool shutdown incomplete", zap.Error(err))
	}
	a.rm.Stop()
	a.monitor.Stop()

	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close history store", zap.Error(err))
	}
}
