// Package app wires the stores, streaming pipeline, maintenance jobs and
// HTTP surface into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"market_sync_backend/config"
	"market_sync_backend/controllers"
	"market_sync_backend/middleware"
	"market_sync_backend/models"
	"market_sync_backend/routes"
	"market_sync_backend/scheduler"
	"market_sync_backend/services/alerts"
	"market_sync_backend/services/backup"
	"market_sync_backend/services/broadcast"
	"market_sync_backend/services/cache"
	"market_sync_backend/services/connector"
	"market_sync_backend/services/consistency"
	"market_sync_backend/services/eventbus"
	"market_sync_backend/services/monitor"
	"market_sync_backend/services/providers"
	"market_sync_backend/services/retry"
	"market_sync_backend/services/stream"
	"market_sync_backend/services/syncengine"
)

const (
	snapshotTTL       = 24 * time.Hour
	defaultAlertTopic = "market_sync.alerts"
)

type App struct {
	cfg *config.Config
	log *zap.Logger

	timeseries *connector.Connector
	docstore   *connector.Connector
	providers  []providers.Provider
	bus        *eventbus.Bus
	dispatcher *alerts.Dispatcher
	engine     *syncengine.Engine
	stream     *stream.Manager
	broadcast  *broadcast.Server
	monitor    *monitor.Monitor
	auditor    *consistency.Auditor
	catalog    *backup.Catalog
	backups    *backup.Manager
	limiter    *middleware.RateLimiter
	scheduler  *scheduler.Scheduler
	redis      *redis.Client
	router     *gin.Engine
	server     *http.Server

	unsubscribe []func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// New builds every component without touching the network. Stores are
// connected by Start.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	tsDriver, err := newTimeSeriesDriver(cfg, log)
	if err != nil {
		return nil, err
	}
	docDriver, err := newDocStoreDriver(cfg, log)
	if err != nil {
		return nil, err
	}
	opts := connector.Options{CallTimeout: cfg.Net.CallTimeout, MaxAttempts: cfg.Monitor.MaxAttempts}
	a.timeseries = connector.New("timeseries", tsDriver, opts, log)
	a.docstore = connector.New("docstore", docDriver, opts, log)

	if a.providers, err = providers.FromConfig(cfg, log); err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	a.dispatcher = newDispatcher(cfg, a.redis, log)

	a.bus = eventbus.New(log)
	backoff := retry.Policy{
		MaxAttempts: cfg.Sync.MaxRetries,
		Base:        cfg.Sync.RetryDelayBase,
		Cap:         cfg.Sync.RetryDelayCap,
	}
	a.engine = syncengine.New(a.timeseries, a.docstore, syncengine.Config{
		BatchSize:     cfg.Sync.BatchSize,
		MaxConcurrent: cfg.Sync.MaxConcurrentTransfers,
		Retry:         backoff,
		Collection:    cfg.Sync.Collection,
	}, a.dispatcher, log.Named("sync"))

	a.stream = stream.NewManager(a.providers, a.timeseries, a.bus, stream.Config{
		PollInterval: cfg.Stream.PollInterval,
		GraceTimeout: cfg.Stream.GraceTimeout,
		Table:        cfg.Stream.Table,
	}, log.Named("stream"))

	a.broadcast = broadcast.New(broadcast.Config{
		MaxClients:    cfg.Broadcast.MaxClients,
		FilterEnabled: cfg.Broadcast.FilterEnabled,
	}, log.Named("broadcast"))
	a.broadcast.SetStatusSource(func() interface{} { return a.stream.Status() })

	sink := stream.NewDocumentSink(a.docstore, cfg.Sync.Collection(cfg.Stream.Table), log.Named("sink"))
	a.unsubscribe = append(a.unsubscribe, a.broadcast.Attach(a.bus), sink.Attach(a.bus))
	var snapshot *cache.Snapshot
	if a.redis != nil {
		snapshot = cache.NewSnapshot(a.redis, snapshotTTL, log.Named("cache"))
		a.unsubscribe = append(a.unsubscribe, snapshot.Attach(a.bus))
	}

	a.monitor = monitor.New(
		[]*connector.Connector{a.timeseries, a.docstore},
		monitor.NewHostSampler(cfg.Monitor.DiskPath),
		a.dispatcher,
		monitor.Config{
			Interval:         cfg.Monitor.HealthInterval,
			LatencyThreshold: cfg.Monitor.LatencyThreshold,
			CPUThreshold:     cfg.Monitor.CPUThreshold,
			MemoryThreshold:  cfg.Monitor.MemoryThreshold,
			DiskThreshold:    cfg.Monitor.DiskThreshold,
			Backoff:          backoff,
		}, log.Named("monitor"))

	a.auditor = consistency.NewAuditor(a.timeseries, a.docstore, cfg.Consistency.SampleSize, cfg.Sync.Collection, a.dispatcher, log.Named("consistency"))

	if err := os.MkdirAll(filepath.Dir(cfg.Backup.Catalog), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	if a.catalog, err = backup.OpenCatalog(cfg.Backup.Catalog); err != nil {
		return nil, err
	}
	a.backups = backup.NewManager(a.timeseries, a.catalog, backup.Config{
		Dir:       cfg.Backup.Dir,
		Retention: cfg.Backup.Retention,
		Tables:    cfg.TimeSeries.Tables,
		UseCopy:   cfg.Backup.UseCopy,
	}, a.dispatcher, log.Named("backup"))

	a.limiter = middleware.NewRateLimiter(5, 15*time.Minute, 15*time.Minute)
	a.scheduler = scheduler.NewScheduler(scheduler.Config{
		Tables:         cfg.TimeSeries.Tables,
		PageSize:       cfg.Sync.PageSize,
		SyncInterval:   cfg.Sync.Interval,
		AuditInterval:  cfg.Consistency.Interval,
		BackupInterval: cfg.Backup.Interval,
		FullBackupAt:   "01:00",
	}, a.engine, a.auditor, a.backups, a.limiter, log.Named("scheduler"))

	a.router = a.newRouter(snapshot)
	a.server = &http.Server{
		Addr:              "0.0.0.0:" + cfg.App.Port,
		Handler:           a.router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}
	return a, nil
}

func (a *App) newRouter(snapshot *cache.Snapshot) *gin.Engine {
	if a.cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger(a.log.Named("http")))

	routes.SetupRoutes(router, routes.Handlers{
		Health:    controllers.NewHealthController(a.monitor, a.timeseries, a.docstore, a.engine, a.stream, a.broadcast),
		Sync:      controllers.NewSyncController(a.engine, a.auditor, a.cfg.TimeSeries.Tables, a.cfg.Sync.PageSize, a.log.Named("http")),
		Alerts:    controllers.NewAlertController(a.dispatcher),
		Backups:   controllers.NewBackupController(a.backups),
		Prices:    controllers.NewPriceController(a.timeseries, snapshot, a.cfg.Stream.Table),
		WebSocket: a.broadcast.HandleWebSocket,
		Operator:  middleware.OperatorAuth(a.cfg.Auth.JWTSecret, a.limiter),
	})
	return router
}

// Handler exposes the HTTP router.
func (a *App) Handler() http.Handler {
	return a.router
}

// Start connects the stores and launches the background loops. A store
// that cannot be reached is left in ERROR for the monitor to recover.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	for _, c := range []*connector.Connector{a.timeseries, a.docstore} {
		if err := c.Connect(runCtx); err != nil {
			a.log.Warn("Store unavailable at startup, monitor will retry",
				zap.String("connector", c.Name()), zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(runCtx).Err(); err != nil {
			a.log.Warn("Redis unavailable at startup", zap.String("addr", a.cfg.Redis.Addr), zap.Error(err))
		}
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.monitor.Run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.stream.Run(runCtx); err != nil {
			a.log.Error("Stream manager exited", zap.Error(err))
		}
	}()

	if err := a.scheduler.Start(runCtx); err != nil {
		cancel()
		return err
	}
	return nil
}

// Run starts the app and serves HTTP until ctx is cancelled or the server
// fails. The caller is expected to call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("Server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// Shutdown stops everything in dependency order: scheduled jobs and the
// poll loop drain their in-flight work, websocket clients get the closing
// notice, the event bus delivers what is queued, pending alerts go out,
// then stores are closed.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("Shutting down...")
		if a.cancel != nil {
			a.cancel()
		}
		if err := a.scheduler.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}

		stopped := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("background loops: %w", ctx.Err()))
		}

		if err := a.broadcast.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("broadcast: %w", err))
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}

		if err := a.bus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event bus: %w", err))
		}
		for _, unsubscribe := range a.unsubscribe {
			unsubscribe()
		}
		if err := a.dispatcher.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("alerts: %w", err))
		}

		for _, p := range a.providers {
			if c, ok := p.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Errorf("provider %s: %w", p.Name(), err))
				}
			}
		}
		for _, c := range []*connector.Connector{a.timeseries, a.docstore} {
			if err := c.Close(context.WithoutCancel(ctx)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
			}
		}
		if err := a.catalog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backup catalog: %w", err))
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}
		a.log.Info("Server exited")
	})
	return errors.Join(errs...)
}

func newTimeSeriesDriver(cfg *config.Config, log *zap.Logger) (connector.Driver, error) {
	tables := cfg.TimeSeries.Tables
	if !contains(tables, cfg.Stream.Table) {
		tables = append(append([]string{}, tables...), cfg.Stream.Table)
	}
	switch cfg.TimeSeries.Driver {
	case "memory":
		return connector.NewMemoryDriver(), nil
	case "postgres", "sqlite":
		return connector.NewRelationalDriver(cfg.TimeSeries.Driver, cfg.TimeSeries.DSN, tables, cfg.App.Env == "production", log)
	default:
		return nil, fmt.Errorf("unknown timeseries driver %q", cfg.TimeSeries.Driver)
	}
}

func newDocStoreDriver(cfg *config.Config, log *zap.Logger) (connector.Driver, error) {
	switch cfg.DocStore.Driver {
	case "memory":
		return connector.NewMemoryDriver(), nil
	case "rest":
		return connector.NewRESTDriver(cfg.DocStore.URL, cfg.DocStore.APIKey, cfg.Net.CallTimeout)
	case "mongo":
		collections := make([]string, 0, len(cfg.TimeSeries.Tables))
		for _, t := range cfg.TimeSeries.Tables {
			collections = append(collections, cfg.Sync.Collection(t))
		}
		return connector.NewMongoDriver(cfg.DocStore.MongoURI, cfg.DocStore.Database, collections, log)
	default:
		return nil, fmt.Errorf("unknown docstore driver %q", cfg.DocStore.Driver)
	}
}

// newDispatcher routes info to the log, warning additionally to Redis and
// critical additionally to the webhook.
func newDispatcher(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *alerts.Dispatcher {
	d := alerts.NewDispatcher(cfg.Alerts.Cooldown, log.Named("alerts"))
	logNotifier := alerts.NewLogNotifier(log.Named("alerts"))

	warning := []alerts.Notifier{logNotifier}
	if rdb != nil {
		channel := cfg.Alerts.RedisChannel
		if channel == "" {
			channel = defaultAlertTopic
		}
		warning = append(warning, alerts.NewRedisNotifier(rdb, channel))
	}
	critical := append([]alerts.Notifier{}, warning...)
	if cfg.Alerts.WebhookURL != "" {
		critical = append(critical, alerts.NewWebhookNotifier(cfg.Alerts.WebhookURL, "market-sync"))
	}

	d.Route(models.SeverityInfo, logNotifier)
	d.Route(models.SeverityWarning, warning...)
	d.Route(models.SeverityCritical, critical...)
	return d
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
