package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/offline"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/platform/locks"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Services bundles the domain components shared by the API server, the
// worker and the CLI.
type Services struct {
	Catalog catalog.Catalog
	Engine  *inventory.Engine
	Queue   *offline.Queue
	Applier *offline.EngineApplier
}

// ServiceDeps are the backing resources Services are built from.
type ServiceDeps struct {
	Pool       *pgxpool.Pool
	Locker     inventory.Locker
	Registerer prometheus.Registerer
}

// NewServices wires the Postgres-backed domain components.
func NewServices(cfg *Config, logger *slog.Logger, deps ServiceDeps) *Services {
	products := catalog.NewRepository(deps.Pool)
	var metrics *inventory.Metrics
	if deps.Registerer != nil {
		metrics = inventory.NewMetrics(deps.Registerer)
	}
	engine := inventory.NewEngine(
		inventory.NewRepository(deps.Pool),
		products,
		deps.Locker,
		shared.NewAuditLogger(deps.Pool),
		inventory.EngineConfig{Logger: logger.With(slog.String("component", "ledger")), Metrics: metrics},
	)
	queue := offline.NewQueue(offline.NewPGStore(deps.Pool), offline.Config{
		Logger:      logger.With(slog.String("component", "offline")),
		Parallelism: cfg.DrainParallelism,
	})
	return &Services{
		Catalog: products,
		Engine:  engine,
		Queue:   queue,
		Applier: offline.NewEngineApplier(engine, logger),
	}
}

// NewLocker selects the stock lock backend. The redis backend returns the
// client so callers can close it.
func NewLocker(ctx context.Context, cfg *Config) (inventory.Locker, *redis.Client, error) {
	switch cfg.LockBackend {
	case LockBackendRedis:
		client, err := cache.New(ctx, cfg.RedisOptions())
		if err != nil {
			return nil, nil, fmt.Errorf("lock backend: %w", err)
		}
		return locks.NewRedisLocker(client, locks.RedisConfig{TTL: cfg.LockTTL, Wait: cfg.AppRequestTimeout}), client, nil
	default:
		return locks.NewKeyedMutex(), nil, nil
	}
}
