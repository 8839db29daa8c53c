// Package postgres is the storage.Store backed by PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	ErrInsertFailed           = errors.New("insert operation failed")
	ErrUpdateFailed           = errors.New("update operation failed")
	ErrSelectFailed           = errors.New("select operation failed")
	ErrTransactionStartFailed = errors.New("transaction start failed")
)

type Config struct {
	ConnString string
}

type DB struct {
	connString string
	pool       *pgxpool.Pool
	logger     zerolog.Logger
}

var _ storage.Store = (*DB)(nil)

// Init connects and brings the schema up to date.
func Init(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	pool, err := pgxpool.Connect(ctx, cfg.ConnString)
	if err != nil {
		return nil, err
	}

	db := &DB{
		pool:       pool,
		connString: cfg.ConnString,
		logger:     logger,
	}
	if err := db.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Migrate(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations...")
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, db.connString)
	if err != nil {
		return err
	}
	defer m.Close()

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *DB) Close() {
	db.pool.Close()
}
