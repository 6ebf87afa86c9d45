// Package main boots a command engine replica, wiring configuration,
// logger, Redis, the notifier, and the built-in handlers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ibs-source/command/engine/golang/internal/config"
	"github.com/ibs-source/command/engine/golang/internal/engine"
	"github.com/ibs-source/command/engine/golang/internal/handlers"
	"github.com/ibs-source/command/engine/golang/internal/logger"
	"github.com/ibs-source/command/engine/golang/internal/notify"
	core "github.com/ibs-source/command/engine/golang/internal/ports"
	"github.com/ibs-source/command/engine/golang/internal/queue"
	"github.com/ibs-source/command/engine/golang/internal/store"
	"github.com/ibs-source/command/engine/golang/internal/stream"
)

// Application represents the worker replica
type Application struct {
	config    *config.Config
	logger    core.Logger
	stream    *stream.RedisClient
	store     core.StateStore
	notifier  core.Notifier
	engine    *engine.Engine
	healthSrv *http.Server
	wg        sync.WaitGroup
}

func main() {
	os.Exit(run())
}

// run contains the program logic and returns an exit code.
// Using this pattern ensures defers run and avoids exit-after-defer lint issues.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	logr, err := logger.NewLogrusLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}

	app := &Application{
		config: cfg,
		logger: logr,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		logr.Error("failed to start application", core.Field{Key: "error", Value: err})
		return 1
	}

	if cfg.App.LogLevel == "debug" {
		app.wg.Add(1)
		go app.logMetrics(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logr.Info("received shutdown signal", core.Field{Key: "signal", Value: sig})

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logr.Error("failed to shutdown gracefully", core.Field{Key: "error", Value: err})
		return 1
	}

	logr.Info("application shutdown complete")
	return 0
}

// Start starts the application
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("starting application",
		core.Field{Key: "name", Value: app.config.App.Name},
		core.Field{Key: "environment", Value: app.config.App.Environment},
	)

	rdb := stream.NewUniversalClient(&app.config.Redis)

	app.stream = stream.NewRedisClient(
		rdb,
		&app.config.Redis,
		app.config.Engine.ConsumerGroup,
		app.config.Engine.ClaimTimeout,
		app.logger,
	)

	if err := app.waitForRedisReady(ctx); err != nil {
		return err
	}

	app.store = store.NewRedisStore(
		rdb,
		&app.config.Redis,
		app.config.Engine.StatePrefix,
		app.config.Engine.StateTTL,
		app.logger,
	)

	if app.config.Notify.Enabled {
		notifier, err := notify.NewMQTTNotifier(&app.config.Notify, app.logger)
		if err != nil {
			return fmt.Errorf("failed to create notifier: %w", err)
		}
		app.notifier = notifier
	} else {
		app.notifier = notify.Noop{}
	}

	q := queue.New(app.config.Engine.QueueName, app.stream, app.logger, app.config.Engine.PollInterval)
	app.engine = engine.New(&app.config.Engine, app.store, q, app.notifier, app.logger)

	if err := app.registerHandlers(); err != nil {
		return err
	}

	if err := app.engine.Start(); err != nil {
		return fmt.Errorf("failed to start command engine: %w", err)
	}

	if app.config.Health.Enabled {
		app.startHealthServer()
	}

	app.logger.Info("application started successfully")
	return nil
}

// registerHandlers registers the handlers compiled into this replica.
// Registration must precede engine start on every replica.
func (app *Application) registerHandlers() error {
	if err := app.engine.RegisterHandler(
		handlers.Computation{},
		handlers.ComputationParams{},
		handlers.ComputationResult{},
	); err != nil {
		return fmt.Errorf("failed to register computation handler: %w", err)
	}
	return nil
}

// Shutdown shuts down the application gracefully
func (app *Application) Shutdown(ctx context.Context) error {
	app.logger.Info("shutting down application")

	if app.engine != nil {
		if err := app.engine.Stop(ctx); err != nil {
			app.logger.Error("failed to stop command engine", core.Field{Key: "error", Value: err})
		}
	}

	if app.healthSrv != nil {
		if err := app.healthSrv.Shutdown(ctx); err != nil {
			app.logger.Error("failed to shutdown health server", core.Field{Key: "error", Value: err})
		}
	}

	if app.notifier != nil {
		app.notifier.Close()
	}

	if app.stream != nil {
		if err := app.stream.Close(); err != nil {
			app.logger.Error("failed to close redis client", core.Field{Key: "error", Value: err})
		}
	}

	app.wg.Wait()

	return nil
}

// waitForRedisReady blocks until Redis answers a ping or ctx is canceled.
func (app *Application) waitForRedisReady(ctx context.Context) error {
	for {
		redisCtx, redisCancel := context.WithTimeout(ctx, app.config.Health.RedisTimeout)
		err := app.stream.Ping(redisCtx)
		redisCancel()
		if err == nil {
			return nil
		}
		app.logger.Error("failed to connect to redis, will retry",
			core.Field{Key: "error", Value: err})
		select {
		case <-time.After(app.config.Redis.RetryInterval):
		case <-ctx.Done():
			return fmt.Errorf("context canceled before redis became ready: %w", ctx.Err())
		}
	}
}

// startHealthServer starts the health check HTTP server
func (app *Application) startHealthServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", app.healthHandler)
	mux.HandleFunc("/healthz", app.healthHandler)
	mux.HandleFunc("/ready", app.healthHandler)
	mux.HandleFunc("/live", app.liveHandler)

	app.healthSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", app.config.Health.Port),
		Handler:      mux,
		ReadTimeout:  app.config.Health.ReadTimeout,
		WriteTimeout: app.config.Health.WriteTimeout,
	}

	app.wg.Add(1)
	go app.runHealthServer()
}

func (app *Application) runHealthServer() {
	defer app.wg.Done()
	app.logger.Info("starting health server", core.Field{Key: "port", Value: app.config.Health.Port})

	err := app.healthSrv.ListenAndServe()
	if err == nil || err == http.ErrServerClosed {
		return
	}

	app.logger.Error("health server error", core.Field{Key: "error", Value: err})
}

// healthHandler handles health and readiness check requests
func (app *Application) healthHandler(w http.ResponseWriter, _ *http.Request) {
	redisCtx, cancel := context.WithTimeout(context.Background(), app.config.Health.RedisTimeout)
	defer cancel()

	if err := app.stream.Ping(redisCtx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, werr := fmt.Fprintf(w, `{"status":"unhealthy","message":"redis health check failed","timestamp":"%s"}`,
			time.Now().Format(time.RFC3339)); werr != nil {
			app.logger.Error("failed to write health response", core.Field{Key: "error", Value: werr})
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339)); err != nil {
		app.logger.Error("failed to write health response", core.Field{Key: "error", Value: err})
	}
}

// liveHandler handles liveness check requests
func (app *Application) liveHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, `{"status":"alive","timestamp":"%s"}`, time.Now().Format(time.RFC3339)); err != nil {
		app.logger.Error("failed to write live response", core.Field{Key: "error", Value: err})
	}
}

// logMetrics periodically logs engine counters when in debug mode
func (app *Application) logMetrics(ctx context.Context) {
	defer app.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot := app.engine.Metrics().Snapshot()
			app.logger.Debug("engine metrics",
				core.Field{Key: "submitted", Value: snapshot.CommandsSubmitted},
				core.Field{Key: "succeeded", Value: snapshot.CommandsSucceeded},
				core.Field{Key: "failed", Value: snapshot.CommandsFailed},
				core.Field{Key: "cancelled", Value: snapshot.CommandsCancelled},
				core.Field{Key: "promoted", Value: snapshot.CommandsPromoted},
				core.Field{Key: "state_missing", Value: snapshot.StateMissing},
				core.Field{Key: "store_errors", Value: snapshot.StoreErrors},
				core.Field{Key: "completion_rate", Value: snapshot.CompletionRate},
				core.Field{Key: "avg_processing_ms", Value: snapshot.AvgProcessingMs},
			)
		case <-ctx.Done():
			return
		}
	}
}
