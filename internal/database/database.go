// Package database opens the Postgres pool and applies the embedded schema
// migrations.
package database

import (
	"context"
	"embed"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/dharsanguruparan/Integrator/internal/errors"
	"github.com/dharsanguruparan/Integrator/internal/retry"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Connect opens a pgx connection pool using the provided DSN and waits,
// within policy, for the server to answer a ping.
func Connect(ctx context.Context, dsn string, policy retry.Policy, logger *slog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}
	err = retry.Do(ctx, policy, func() error { return pool.Ping(ctx) }, func(err error, next time.Duration) {
		logger.WarnContext(ctx, "database not reachable yet", "error", err, "retry_in", next)
	})
	if err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return pool, nil
}

// newMigrate borrows connections from pool through database/sql. The sql.DB
// keeps no idle connections of its own, so it is never closed here.
func newMigrate(pool *pgxpool.Pool) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "open embedded migrations")
	}
	driver, err := migratepgx.WithInstance(stdlib.OpenDBFromPool(pool), &migratepgx.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "create migrate driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return nil, errors.Wrap(err, "create migrate instance")
	}
	return m, nil
}

// Migrate applies every pending up migration.
func Migrate(pool *pgxpool.Pool) error {
	m, err := newMigrate(pool)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migration up failed")
	}
	return nil
}

// MigrateDown reverts every applied migration.
func MigrateDown(pool *pgxpool.Pool) error {
	m, err := newMigrate(pool)
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "migration down failed")
	}
	return nil
}

// Version reports the applied schema version.
func Version(pool *pgxpool.Pool) (version uint, dirty bool, err error) {
	m, err := newMigrate(pool)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}
