// Package runtime assembles the engine from configuration: backing stores,
// the service lifecycle, and the HTTP server in front of them.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	app "github.com/wellmesh/realtime_layer/internal/app"
	"github.com/wellmesh/realtime_layer/internal/app/httpapi"
	"github.com/wellmesh/realtime_layer/internal/app/metrics"
	"github.com/wellmesh/realtime_layer/internal/app/services/codec"
	"github.com/wellmesh/realtime_layer/internal/app/services/realtime"
	"github.com/wellmesh/realtime_layer/internal/app/storage/memory"
	"github.com/wellmesh/realtime_layer/internal/app/storage/postgres"
	redisstore "github.com/wellmesh/realtime_layer/internal/app/storage/redis"
	"github.com/wellmesh/realtime_layer/internal/config"
	"github.com/wellmesh/realtime_layer/internal/middleware"
	"github.com/wellmesh/realtime_layer/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	engine     *app.Application
	httpServer *http.Server
	limiter    *middleware.RateLimiter

	redis *goredis.Client
	db    *sql.DB
}

// NewApplication constructs an application from config/engine.yaml and the
// environment. A missing config file falls back to defaults.
func NewApplication() (*Application, error) {
	return NewApplicationWithConfig(config.LoadOrDefault())
}

// NewApplicationWithConfig constructs an application around an explicit
// configuration.
func NewApplicationWithConfig(cfg *config.Config) (*Application, error) {
	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	a := &Application{cfg: cfg, log: log}

	stores, opts, err := a.buildBackends()
	if err != nil {
		return nil, fmt.Errorf("configure backends: %w", err)
	}

	engine, err := app.New(stores, opts, log)
	if err != nil {
		a.closeBackends()
		return nil, fmt.Errorf("build engine: %w", err)
	}
	a.engine = engine

	api := httpapi.NewHandler(engine, httpapi.Options{
		AuditFile: cfg.Audit.File,
		AuditMax:  cfg.Audit.Max,
	}, log)

	var handler http.Handler = api
	if cfg.Server.RateLimit.RPS > 0 {
		// Change submission is the only client-driven write burst worth
		// throttling; reads and the socket upgrade stay unthrottled.
		a.limiter = middleware.NewRateLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst, syncUserKey, log)
		limited := a.limiter.Handler(api)
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/sync/") {
				limited.ServeHTTP(w, r)
				return
			}
			api.ServeHTTP(w, r)
		})
	}
	handler = metrics.InstrumentHandler(handler)

	a.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return a, nil
}

// Engine exposes the wired engine so embedders can register change appliers
// before Run.
func (a *Application) Engine() *app.Application {
	return a.engine
}

// Run starts the engine services and the HTTP server, blocking until the
// context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if a.limiter != nil {
		a.limiter.StartCleanup(ctx, time.Minute)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.cfg.Server.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops the HTTP server first and the engine loops after it, so the
// final outbox drain covers everything the handlers enqueued.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		firstErr = err
	}
	if err := a.engine.Stop(shutdownCtx); err != nil && firstErr == nil {
		firstErr = err
	}
	a.closeBackends()
	return firstErr
}

// buildBackends opens the configured shared stores. Without a Redis URL the
// engine runs on process-local memory; without an archive DSN pruned change
// records are dropped.
func (a *Application) buildBackends() (app.Stores, app.Options, error) {
	var stores app.Stores
	opts := app.Options{
		FlushInterval: a.cfg.Batcher.FlushInterval,
		BatchSize:     a.cfg.Batcher.BatchSize,
		SyncMaxBatch:  a.cfg.Sync.MaxBatch,
		SweepSpec:     a.cfg.Sync.SweepSpec,
	}

	if a.cfg.Redis.URL != "" {
		client, err := openRedis(a.cfg.Redis.URL)
		if err != nil {
			return stores, opts, err
		}
		store := redisstore.NewWithQueueCap(client, codec.New(), a.cfg.Offline.QueueCap)
		stores.OfflineMessages = store
		stores.Changes = store
		stores.PackageVersions = store
		opts.Broker = realtime.NewRedisBroker(client, channelPrefix(a.cfg.Redis.ChannelPrefix), a.log)
		a.redis = client
		a.log.WithField("channel_prefix", a.cfg.Redis.ChannelPrefix).Info("redis store and broker enabled")
	} else {
		mem := memory.NewWithQueueCap(a.cfg.Offline.QueueCap)
		stores.OfflineMessages = mem
		stores.Changes = mem
		stores.PackageVersions = mem
		a.log.Warn("no redis configured; engine state is process-local")
	}

	if a.cfg.Archive.DSN != "" {
		db, err := openDatabase(a.cfg.Archive.DSN)
		if err != nil {
			a.closeBackends()
			return stores, opts, err
		}
		archive := postgres.New(db)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := archive.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			a.closeBackends()
			return stores, opts, fmt.Errorf("prepare archive schema: %w", err)
		}
		stores.Archive = archive
		a.db = db
		a.log.Info("change archive enabled")
	}

	return stores, opts, nil
}

func (a *Application) closeBackends() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis client")
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing archive connection")
		}
		a.db = nil
	}
}

func openRedis(url string) (*goredis.Client, error) {
	redisOpts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func openDatabase(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive database: %w", err)
	}
	return db, nil
}

func channelPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return prefix
}

// syncUserKey buckets change submissions by the user in the path so one
// misbehaving client cannot starve the rest behind the same NAT.
func syncUserKey(r *http.Request) string {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/sync"), "/"), "/")
	if len(parts) >= 2 && parts[0] == "users" && parts[1] != "" {
		return "user:" + parts[1]
	}
	return middleware.ClientIP(r)
}
