package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-credit/internal/credit"
	"github.com/odyssey-erp/odyssey-credit/internal/credit/sqlitestore"
	jobmetrics "github.com/odyssey-erp/odyssey-credit/internal/jobs"
	"github.com/odyssey-erp/odyssey-credit/internal/observability"
	"github.com/odyssey-erp/odyssey-credit/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-credit/internal/platform/db"
	"github.com/odyssey-erp/odyssey-credit/internal/platform/lock"
	"github.com/odyssey-erp/odyssey-credit/internal/shared"
)

// LedgerStore is a credit.Store that can also prune idempotency keys.
type LedgerStore interface {
	credit.Store
	CleanupIdempotencyKeys(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Runtime holds the wired ledger collaborators shared by every binary.
type Runtime struct {
	Config     *Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	SQLite     *sqlitestore.Store
	Redis      *redis.Client
	Store      LedgerStore
	Metrics    *observability.Metrics
	JobMetrics *jobmetrics.Metrics
	Settings   *credit.SettingsManager
	Service    *credit.Service
	readiness  []Pinger
	closers    []func()
}

// BuildOptions adjusts bootstrap per binary.
type BuildOptions struct {
	// Migrate applies the ledger schema before wiring the service.
	Migrate bool
	// Notifier receives application decisions.
	Notifier credit.Notifier
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// Build connects storage, cache and locks according to cfg and wires the
// credit service.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger, opts BuildOptions) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = NewLogger(cfg)
	}
	rt := &Runtime{Config: cfg, Logger: logger, Metrics: observability.NewMetrics()}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	var auditor credit.Auditor = shared.SlogAuditor{Logger: logger}
	switch cfg.LedgerDriver {
	case DriverSQLite:
		store, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.SQLite = store
		rt.Store = store
		rt.readiness = append(rt.readiness, store)
		rt.closers = append(rt.closers, func() {
			if err := store.Close(); err != nil {
				logger.Warn("sqlite close", slog.Any("error", err))
			}
		})
	default:
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
		if err != nil {
			return nil, err
		}
		rt.Pool = pool
		rt.closers = append(rt.closers, pool.Close)
		if opts.Migrate {
			applied, err := db.Migrate(ctx, pool, credit.Migrations())
			if err != nil {
				return nil, err
			}
			if applied > 0 {
				logger.Info("ledger migrations applied", slog.Int("count", applied))
			}
		}
		rt.Store = credit.NewPostgresStore(pool)
		rt.readiness = append(rt.readiness, pool)
		auditor = shared.NewAuditLogger(pool)
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		if cfg.LockBackend == LockRedis {
			return nil, err
		}
		logger.Warn("redis unavailable, view cache disabled", slog.Any("error", err))
	} else {
		rt.Redis = redisClient
		rt.readiness = append(rt.readiness, redisPinger{client: redisClient})
		rt.closers = append(rt.closers, func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
	}

	var locker lock.Locker
	if cfg.LockBackend == LockRedis {
		locker = lock.NewRedisLocker(rt.Redis, cfg.LockTTL)
	} else {
		locker = lock.NewLocalLocker(cfg.LockTTL)
	}
	var viewCache *cache.JSONCache
	if rt.Redis != nil {
		viewCache = cache.NewJSONCache(rt.Redis, "credit", cfg.CacheTTL)
	}

	defaults := credit.DefaultSettings
	if cfg.CreditSettingsFile != "" {
		fileDefaults, err := credit.LoadSettingsFile(cfg.CreditSettingsFile)
		if err != nil {
			return nil, err
		}
		defaults = fileDefaults
	}
	rt.Settings = credit.NewSettingsManager(rt.Store, defaults)
	if err := rt.Settings.Load(ctx); err != nil {
		return nil, fmt.Errorf("app: load credit settings: %w", err)
	}

	registerer := rt.Metrics.Registerer()
	rt.JobMetrics = jobmetrics.NewMetrics(registerer)
	rt.Service = credit.NewService(credit.ServiceParams{
		Store:    rt.Store,
		Settings: rt.Settings,
		Locker:   locker,
		Cache:    viewCache,
		Notifier: opts.Notifier,
		Auditor:  auditor,
		Metrics:  credit.NewMetrics(registerer),
		Logger:   logger,
		Config: credit.Config{
			MaxRetries:    cfg.CreditMaxRetries,
			LockTTL:       cfg.LockTTL,
			RecentEntries: cfg.CreditRecentEntries,
		},
	})
	ok = true
	return rt, nil
}

// Readiness lists the probes for /readyz.
func (rt *Runtime) Readiness() []Pinger {
	if rt == nil {
		return nil
	}
	return rt.readiness
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
