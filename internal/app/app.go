package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hragent/usageguard/internal/cache"
	"github.com/hragent/usageguard/internal/config"
	"github.com/hragent/usageguard/internal/db"
	"github.com/hragent/usageguard/internal/guard"
	guardhttp "github.com/hragent/usageguard/internal/http"
	"github.com/hragent/usageguard/internal/http/api"
	"github.com/hragent/usageguard/internal/logging"
	"github.com/hragent/usageguard/internal/queue"
	"github.com/hragent/usageguard/internal/settings"
	"github.com/hragent/usageguard/internal/usage"
	"github.com/hragent/usageguard/internal/util"
	"github.com/hragent/usageguard/internal/worker"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// runtime is the set of components shared by the server and worker processes.
type runtime struct {
	cfg       config.Config
	conn      *gorm.DB
	store     *usage.Store
	holder    *cache.Holder
	client    *cache.Client
	jobs      *queue.Queue
	logCloser io.Closer
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(conn) }()
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	log.Infof("migrations applied (dialect=%s)", db.DialectName(conn))
	return nil
}

// RunServer serves the HTTP API and, when queue.workers > 0, runs the
// reconciliation workers in the same process.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	var pool *worker.Pool
	defer func() {
		cancel()
		if pool != nil {
			pool.Wait()
		}
		rt.close()
	}()

	if rt.cfg.Queue.Workers > 0 {
		pool = rt.startWorkers(ctx, rt.cfg.Queue.Workers)
	}
	usage.NewRetentionCleaner(rt.conn).Start(ctx)

	if !rt.cfg.IsDebuggable() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), guardhttp.RequestLogger())

	deps := api.Deps{
		JWT:       rt.cfg.JWT,
		RateLimit: rt.cfg.RateLimit,
		Database:  rt.store,
		Cache:     rt.client,
		Budget:    guard.New(rt.client, rt.cfg.LLM.TokenLimit),
		History:   rt.store,
		Jobs:      rt.jobs,
	}
	if pool != nil {
		deps.Pool = pool
	}
	api.RegisterRoutes(engine, deps)

	server := &http.Server{
		Addr:              rt.cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errServe := make(chan error, 1)
	go func() {
		log.Infof("listening on %s (env=%s)", server.Addr, rt.cfg.Env)
		if errListen := server.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
			errServe <- errListen
		}
		close(errServe)
	}()

	select {
	case <-ctx.Done():
	case errListen, ok := <-errServe:
		if ok {
			return fmt.Errorf("app: serve: %w", errListen)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		log.WithError(errShutdown).Warn("app: http shutdown")
	}
	log.Info("server stopped")
	return nil
}

// RunWorker consumes reconciliation jobs until ctx is cancelled.
func RunWorker(ctx context.Context, cfg config.AppConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	workers := rt.cfg.Queue.Workers
	if workers <= 0 {
		workers = 1
	}
	pool := rt.startWorkers(ctx, workers)
	<-ctx.Done()
	pool.Wait()

	stats := pool.Stats()
	log.Infof("worker stopped (processed=%d failed=%d)", stats.Processed, stats.Failed)
	return nil
}

// RequeueFailures re-enqueues up to limit recorded job failures and reports how many were submitted.
func RequeueFailures(ctx context.Context, cfg config.AppConfig, limit int) (int, error) {
	rt, err := bootstrap(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer rt.close()

	n, errRequeue := rt.store.RequeueFailures(ctx, rt.jobs, limit)
	log.Infof("requeued %d failed jobs", n)
	return n, errRequeue
}

// bootstrap loads configuration and opens every backing store.
func bootstrap(ctx context.Context, appCfg config.AppConfig) (*runtime, error) {
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logCloser: logCloser}

	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.conn = conn
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		rt.close()
		return nil, errMigrate
	}
	log.Infof("database ready (dialect=%s dsn=%s)", db.DialectName(conn), util.MaskDSN(cfg.Database.DSN))

	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Warn("settings: initial load failed; using config defaults")
	}
	settings.NewSnapshotRefresher(conn, settings.DefaultRefreshInterval).Start(ctx)

	rt.store = usage.NewStore(conn)
	queueCfg := queue.Config{
		Stream:    cfg.Queue.Stream,
		Group:     cfg.Queue.Group,
		Block:     cfg.Queue.Block,
		StatusTTL: cfg.Queue.StatusTTL,
	}
	rt.holder = cache.NewHolder(cache.Config{
		Host:      cfg.Redis.Host,
		Port:      cfg.Redis.Port,
		DB:        cfg.Redis.DB,
		Username:  cfg.Redis.Username,
		Password:  cfg.Redis.Password,
		KeyPrefix: cfg.Redis.KeyPrefix,
		EntryTTL:  cfg.Redis.EntryTTL,
		Timeout:   cfg.Redis.Timeout,
	}, rt.store, func(rdb goredis.UniversalClient) cache.Enqueuer {
		rt.jobs = queue.New(rdb, queueCfg)
		return rt.jobs
	})

	client, err := rt.holder.Instance(ctx)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.client = client
	if errGroup := rt.jobs.EnsureGroup(ctx); errGroup != nil {
		rt.close()
		return nil, errGroup
	}
	return rt, nil
}

// startWorkers launches the reconciliation pool on the shared queue.
func (rt *runtime) startWorkers(ctx context.Context, workers int) *worker.Pool {
	handler := usage.NewReconcileHandler(rt.store)
	pool := worker.NewPool(rt.jobs, worker.Config{Workers: workers}, handler)
	pool.OnFailure(handler.RecordJobFailure)
	pool.Start(ctx)
	return pool
}

func (rt *runtime) close() {
	if rt.holder != nil {
		if errClose := rt.holder.CloseInstance(); errClose != nil {
			log.WithError(errClose).Warn("app: close cache")
		}
	}
	if rt.conn != nil {
		if errClose := db.Close(rt.conn); errClose != nil {
			log.WithError(errClose).Warn("app: close database")
		}
	}
	if rt.logCloser != nil {
		_ = rt.logCloser.Close()
	}
}
