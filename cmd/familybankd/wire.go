package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/example/family-bank/internal/auth"
	"github.com/example/family-bank/internal/config"
	"github.com/example/family-bank/internal/instruments"
	"github.com/example/family-bank/internal/ledger"
	"github.com/example/family-bank/internal/lock"
	"github.com/example/family-bank/internal/recurring"
	"github.com/example/family-bank/internal/storage"
	"github.com/example/family-bank/internal/withdrawals"
)

type stores struct {
	ledger      ledger.Store
	users       auth.UserStore
	instruments *instruments.SQLStore
	withdrawals *withdrawals.SQLStore
	recurring   *recurring.Store
	closers     []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores builds every store for the configured backend and applies
// the schemas. In memory mode the SQL stores share one in-memory sqlite
// database.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	s := &stores{}
	var db *sql.DB

	switch cfg.Storage {
	case config.StoragePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}

		ls := ledger.NewPostgresStore(pool)
		if err := ls.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		us := &auth.PostgresUserStore{Pool: pool}
		if err := us.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		s.ledger, s.users = ls, us

		if db, err = storage.OpenPostgres(ctx, cfg.DatabaseURL); err != nil {
			s.Close()
			return nil, err
		}
	default:
		s.ledger = ledger.NewMemoryStore()
		s.users = auth.NewMemoryUserStore()
		var err error
		if db, err = storage.OpenSQLite(":memory:"); err != nil {
			return nil, err
		}
		logger.Warn("using in-memory storage; data is lost on restart")
	}
	s.closers = append(s.closers, func() { _ = db.Close() })

	s.instruments = instruments.NewSQLStore(db)
	s.withdrawals = withdrawals.NewSQLStore(db)
	s.recurring = recurring.NewStore(db)
	for _, m := range []interface{ Migrate(context.Context) error }{s.instruments, s.withdrawals, s.recurring} {
		if err := m.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// newLocker returns a RedLock locker when Redis is configured, so several
// replicas serialize the same accounts; otherwise an in-process one.
func newLocker(rdb *redis.Client, logger *slog.Logger) lock.Locker {
	if rdb == nil {
		return lock.NewKeyedMutex()
	}
	return lock.NewRedisLocker(rdb, lock.DefaultRedisOptions(), logger)
}

func loadKeys(cfg *config.Config, logger *slog.Logger) (*auth.KeySet, error) {
	if cfg.JWTPrivateKeyFile != "" {
		return auth.LoadKeySet(cfg.JWTPrivateKeyFile)
	}
	logger.Warn("no JWT_PRIVATE_KEY_FILE; tokens are signed with an ephemeral key")
	return auth.NewKeySet()
}
