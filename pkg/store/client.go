package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store provides durable board state backed by PostgreSQL, with
// change fan-out over LISTEN/NOTIFY. All mutations are transactional:
// the row changes, the event append, and the notification commit or
// roll back together.
type Store struct {
	db       *stdsql.DB
	listener *NotifyListener
	subs     *subscriberRegistry
	logger   *slog.Logger
}

// New opens the database, applies pending migrations, and starts the
// notification listener.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger := slog.Default().With("component", "store")
	s := &Store{
		db:     db,
		subs:   newSubscriberRegistry(),
		logger: logger,
	}

	listener, err := NewNotifyListener(cfg.DSN(), s.dispatch)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create notify listener: %w", err)
	}
	if err := listener.Start(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to start notify listener: %w", err)
	}
	s.listener = listener

	logger.Info("Store initialized",
		"host", cfg.Host,
		"database", cfg.Database,
		"max_open_conns", cfg.MaxOpenConns)
	return s, nil
}

// Close stops the listener and closes the connection pool.
func (s *Store) Close() error {
	if s.listener != nil {
		if err := s.listener.Stop(); err != nil {
			s.logger.Warn("Failed to stop notify listener", "error", err)
		}
	}
	s.subs.closeAll()
	return s.db.Close()
}

// DB exposes the underlying pool for health checks and tests.
func (s *Store) DB() *stdsql.DB { return s.db }

func runMigrations(db *stdsql.DB) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		sourceDriver.Close()
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		sourceDriver.Close()
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	// Close the source only. Closing the migrator would close the
	// shared *sql.DB out from under the pool.
	defer sourceDriver.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
