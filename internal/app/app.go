package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/foxzi/smsqueue/internal/api"
	"github.com/foxzi/smsqueue/internal/billing"
	"github.com/foxzi/smsqueue/internal/config"
	"github.com/foxzi/smsqueue/internal/ipfilter"
	"github.com/foxzi/smsqueue/internal/metrics"
	"github.com/foxzi/smsqueue/internal/queue"
	"github.com/foxzi/smsqueue/internal/storage"
	"github.com/foxzi/smsqueue/internal/transport"
)

// App is the main application
type App struct {
	config        *config.Config
	store         storage.Store
	biller        billing.Biller
	service       *queue.Service
	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	store, err := OpenStore(context.Background(), cfg.Storage)
	if err != nil {
		return nil, err
	}

	registry := transport.NewRegistry(transport.Options{
		SMSEnvoi: cfg.Transport.SMSEnvoi,
	}, logger.With("component", "transport"))

	biller, err := billing.New(cfg.Billing, logger.With("component", "billing"))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create biller: %w", err)
	}
	logger.Info("billing configured", "kind", cfg.Billing.Kind)

	service := queue.NewService(store, registry, biller, QueueConfig(cfg.Queue), logger.With("component", "queue"))

	apiServer, err := api.NewServer(api.ServerOptions{
		Engine: service,
		Store:  store,
		Config: &cfg.API,
		Logger: logger.With("component", "api"),
	})
	if err != nil {
		closeBiller(biller, logger)
		store.Close()
		return nil, fmt.Errorf("failed to create api server: %w", err)
	}

	a := &App{
		config:    cfg,
		store:     store,
		biller:    biller,
		service:   service,
		apiServer: apiServer,
		logger:    logger,
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)

		filter, err := ipfilter.New(cfg.Metrics.AllowedIPs, cfg.API.TrustProxy, logger.With("component", "metrics_filter"))
		if err != nil {
			closeBiller(biller, logger)
			store.Close()
			return nil, fmt.Errorf("failed to create metrics ip filter: %w", err)
		}

		storagePath := ""
		if cfg.Storage.Backend == config.BackendBolt {
			storagePath = cfg.Storage.Path
		}

		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, filter, logger.With("component", "metrics"))
		a.collector = metrics.NewCollector(m, service, storagePath, cfg.Metrics.CollectInterval, logger.With("component", "metrics_collector"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	return a, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting smsqueue",
		"version", api.Version,
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Backend,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.service.Start(ctx); err != nil {
		a.store.Close()
		return fmt.Errorf("failed to start queue service: %w", err)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		a.collector.Start(ctx)
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting requests before the loops go away
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	a.service.Stop()

	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	closeBiller(a.biller, a.logger)

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// closeBiller releases broker connections held by the biller
func closeBiller(b billing.Biller, logger *slog.Logger) {
	c, ok := b.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		logger.Error("billing close error", "error", err)
	}
}

// OpenStore opens the configured storage backend
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendMongo:
		store, err := storage.NewMongoStore(ctx, storage.MongoOptions{
			URI:      cfg.Mongo.URI,
			Database: cfg.Mongo.Database,
			Timeout:  cfg.Mongo.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open mongo storage: %w", err)
		}
		return store, nil
	default:
		store, err := storage.NewBoltStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt storage: %w", err)
		}
		return store, nil
	}
}

// QueueConfig maps file settings onto queue service settings
func QueueConfig(cfg config.QueueConfig) queue.Config {
	qc := queue.Config{
		BatchSize:              cfg.BatchSize,
		ProcessInterval:        cfg.ProcessInterval,
		RetryBackoff:           cfg.RetryBackoff,
		StuckTimeout:           cfg.StuckRetryTimeout,
		CleanupInterval:        cfg.CleanupInterval,
		ReconcileInterval:      cfg.ReconcileInterval,
		SendTimeout:            cfg.SendTimeout,
		MaxConcurrentProviders: cfg.MaxConcurrentProviders,
		ContactPageSize:        cfg.ContactPageSize,
		DefaultMaxRetries:      cfg.DefaultMaxRetries,
	}
	if cfg.SendDelay != nil {
		qc.SendDelay = *cfg.SendDelay
	}
	return qc
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}
