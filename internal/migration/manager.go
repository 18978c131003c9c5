// Package migration applies the schema `kb_documents`/`kb_chunks`/
// `kb_embeddings`/`kb_crawl_sessions` depend on at startup, grounded on the
// teacher's pkg/database/migration.Manager: golang-migrate/migrate/v4 driven
// from an embedded-on-disk SQL directory, with a timeout-bounded Up() and
// migrate.ErrNoChange treated as success rather than failure.
package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"

	"github.com/sitevoice/kb-engine/internal/observability"
)

// DefaultPath is where migrations/sql lives relative to the process's
// working directory in the reference deployment layout.
const DefaultPath = "migrations/sql"

type Config struct {
	Path    string
	Timeout time.Duration
}

// Manager wraps a golang-migrate instance bound to a single Postgres
// connection, the way the teacher's Manager binds one to *sqlx.DB.
type Manager struct {
	db       *sqlx.DB
	cfg      Config
	logger   observability.Logger
	migrator *migrate.Migrate
}

func NewManager(db *sqlx.DB, cfg Config, logger observability.Logger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("migration: db connection cannot be nil")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Manager{db: db, cfg: cfg, logger: logger}, nil
}

func (m *Manager) init() error {
	if m.migrator != nil {
		return nil
	}
	driver, err := postgres.WithInstance(m.db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration: create postgres driver: %w", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", m.cfg.Path), "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration: create migrator: %w", err)
	}
	m.migrator = migrator
	return nil
}

// Up applies every pending migration, returning nil if the schema was
// already current (migrate.ErrNoChange).
func (m *Manager) Up(ctx context.Context) error {
	if err := m.init(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		err := m.migrator.Up()
		if err == migrate.ErrNoChange {
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("migration: up: %w", err)
		}
		m.logger.Info("migrations applied", nil)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("migration: timed out after %s", m.cfg.Timeout)
	}
}

// Validate checks the schema is at a clean (non-dirty) version without
// applying anything, used by the -validate startup path.
func (m *Manager) Validate(ctx context.Context) error {
	if err := m.init(); err != nil {
		return err
	}
	version, dirty, err := m.migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migration: version: %w", err)
	}
	if dirty {
		return fmt.Errorf("migration: database is dirty at version %d", version)
	}
	return nil
}

// WithTransaction runs fn inside a transaction against the same connection,
// for data-migration helpers that fall outside plain SQL files (mirrors the
// teacher's Manager.WithTransaction).
func (m *Manager) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("migration: %w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (m *Manager) Close() error {
	if m.migrator == nil {
		return nil
	}
	sourceErr, dbErr := m.migrator.Close()
	if sourceErr != nil {
		return fmt.Errorf("migration: source close: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("migration: database close: %w", dbErr)
	}
	return nil
}
