package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/odyssey-erp/retention/internal/jobs"
	"github.com/odyssey-erp/retention/internal/platform/cache"
	"github.com/odyssey-erp/retention/internal/platform/db"
	"github.com/odyssey-erp/retention/internal/platform/lock"
	"github.com/odyssey-erp/retention/internal/users"
	"github.com/odyssey-erp/retention/internal/users/sqlstore"
	"github.com/odyssey-erp/retention/jobs"
)

// Resources holds the connections opened for the deactivation job.
type Resources struct {
	Store  users.Store
	Locker lock.Locker
	Redis  *redis.Client

	closers []func()
}

// Close releases every connection in reverse order of opening.
func (r *Resources) Close() {
	if r == nil {
		return
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// OpenResources connects the users store selected by DB_DRIVER and the lock
// backend selected by JOB_LOCK_BACKEND.
func OpenResources(ctx context.Context, cfg *Config, logger *slog.Logger) (*Resources, error) {
	res := &Resources{}
	store, err := openStore(ctx, cfg, res)
	if err != nil {
		res.Close()
		return nil, err
	}
	res.Store = store

	switch cfg.JobLockBackend {
	case LockBackendLocal:
		logger.Warn("using in-process job lock, runs are not excluded across workers")
		res.Locker = lock.NewLocalLocker()
	default:
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			res.Close()
			return nil, err
		}
		res.closers = append(res.closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
		res.Redis = client
		res.Locker = lock.NewRedisLocker(client)
	}
	return res, nil
}

func openStore(ctx context.Context, cfg *Config, res *Resources) (users.Store, error) {
	if cfg.DBDriver == DriverPostgres {
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		res.closers = append(res.closers, pool.Close)
		return users.NewRepository(pool), nil
	}

	bunDB, err := sqlstore.Open(cfg.DBDriver, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	res.closers = append(res.closers, func() { _ = bunDB.Close() })
	if err := bunDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore: ping %s: %w", cfg.DBDriver, err)
	}
	if cfg.DBDriver == DriverSQLite {
		if err := sqlstore.CreateSchema(ctx, bunDB); err != nil {
			return nil, err
		}
	}
	return sqlstore.New(bunDB), nil
}

// NewDeactivateJob builds the deactivation job from configuration.
func NewDeactivateJob(cfg *Config, res *Resources, logger *slog.Logger, metrics *jobmetrics.Metrics) *jobs.DeactivateInactiveUsersJob {
	return jobs.NewDeactivateInactiveUsersJob(jobs.DeactivateJobConfig{
		Store:     res.Store,
		Locker:    res.Locker,
		Logger:    logger,
		Metrics:   metrics,
		Retention: cfg.RetentionWindow,
		LockTTL:   cfg.JobLockTTL,
	})
}
