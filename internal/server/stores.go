package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/accounts"
	"github.com/JakeFAU/leadscout/internal/clock/system"
	"github.com/JakeFAU/leadscout/internal/config"
	"github.com/JakeFAU/leadscout/internal/credentials"
	"github.com/JakeFAU/leadscout/internal/docstore"
	filedoc "github.com/JakeFAU/leadscout/internal/docstore/file"
	memorydoc "github.com/JakeFAU/leadscout/internal/docstore/memory"
	pgdoc "github.com/JakeFAU/leadscout/internal/docstore/postgres"
	redisdoc "github.com/JakeFAU/leadscout/internal/docstore/redis"
	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/metrics"
	"github.com/JakeFAU/leadscout/internal/resilience"
)

// Stores are the persistent services shared by the server and the admin
// commands: the credential pool, the accounts, and the pending deliveries.
type Stores struct {
	Docs     docstore.Store
	Pool     *credentials.Pool
	Accounts *accounts.Store
	Pending  *resilience.PendingStore
	Clock    harvest.Clock

	closeDocs func()
}

// OpenStores connects the configured document store and loads every
// document it owns.
func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	docs, closeDocs, err := openDocStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	clock, err := system.NewInZone(cfg.Quota.Timezone)
	if err != nil {
		closeDocs()
		return nil, err
	}
	s := &Stores{Docs: docs, Clock: clock, closeDocs: closeDocs}

	if s.Pool, err = credentials.Open(ctx, docs, clock, logger.Named("credentials")); err != nil {
		s.Close()
		return nil, fmt.Errorf("open credential pool: %w", err)
	}
	if s.Accounts, err = accounts.Open(ctx, docs, s.Pool, clock, logger.Named("accounts")); err != nil {
		s.Close()
		return nil, fmt.Errorf("open accounts: %w", err)
	}
	if s.Pending, err = resilience.OpenPending(ctx, docs, clock, logger.Named("pending")); err != nil {
		s.Close()
		return nil, fmt.Errorf("open pending deliveries: %w", err)
	}
	stats := s.Pool.Stats()
	for _, class := range harvest.Classes {
		metrics.SetPoolCounts(string(class), stats.Available[class], stats.Assigned[class])
	}
	return s, nil
}

// Close releases the document store connection.
func (s *Stores) Close() {
	if s != nil && s.closeDocs != nil {
		s.closeDocs()
	}
}

func openDocStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (docstore.Store, func(), error) {
	noop := func() {}
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory document store; state is lost on exit")
		return memorydoc.New(), noop, nil
	case config.BackendRedis:
		store, err := redisdoc.New(redisdoc.Config{
			Address:   cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis document store init failed: %w", err)
		}
		logger.Info("using redis document store", zap.String("addr", cfg.Redis.Addr))
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}, nil
	case config.BackendPostgres:
		store, err := pgdoc.New(ctx, pgdoc.Config{DSN: cfg.Postgres.DSN})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres document store init failed: %w", err)
		}
		logger.Info("using postgres document store")
		return store, store.Close, nil
	default:
		store, err := filedoc.New(filedoc.Config{Dir: cfg.Storage.Dir})
		if err != nil {
			return nil, nil, fmt.Errorf("file document store init failed: %w", err)
		}
		logger.Info("using file document store", zap.String("dir", cfg.Storage.Dir))
		return store, noop, nil
	}
}
