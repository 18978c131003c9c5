package crawl

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/sitevoice/kb-engine/internal/errs"
	"github.com/sitevoice/kb-engine/internal/indexer"
)

// SessionStore durably records crawl sessions so AlreadyRunning duplicate
// detection (§4.6) holds across process boundaries — cmd/server and
// cmd/worker each run their own Orchestrator, so the in-process `running`
// map alone cannot see a session another process started. When a
// SessionStore is configured, it is the source of truth for the running
// claim; the in-process map remains a same-process fast path and the
// lookup/Stats cache.
type SessionStore interface {
	// Claim durably reserves (tenantID, siteID, mode) for sessionID,
	// failing with a classified AlreadyRunning error if another session
	// already holds the slot.
	Claim(ctx context.Context, sessionID, tenantID, siteID string, mode indexer.SessionType) error
	// Finish records the terminal state of a session, releasing the slot
	// so a future Claim for the same (tenantID, siteID, mode) can succeed.
	Finish(ctx context.Context, sessionID string, status Status, processedPages, errorCount int, lastCrawlHash string) error
}

// PostgresSessionStore backs SessionStore with the kb_crawl_sessions table
// and its partial unique index on (tenant_id, site_id, mode) WHERE
// status = 'running' (migrations/sql/000002_crawl_sessions.up.sql) —
// grounded on the teacher's pattern of using a Postgres row plus a unique
// constraint as the cross-instance lock, rather than a dedicated broker
// (pkg/repository/tenant_config_repository.go's upsert-as-claim idiom).
type PostgresSessionStore struct {
	db *sqlx.DB
}

func NewPostgresSessionStore(db *sqlx.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

const claimQuery = `
INSERT INTO kb_crawl_sessions (id, tenant_id, site_id, mode, status, started_at)
VALUES ($1, $2, $3, $4, 'running', now())
ON CONFLICT (tenant_id, site_id, mode) WHERE status = 'running' DO NOTHING
RETURNING id`

func (s *PostgresSessionStore) Claim(ctx context.Context, sessionID, tenantID, siteID string, mode indexer.SessionType) error {
	var claimedID string
	err := s.db.QueryRowxContext(ctx, claimQuery, sessionID, tenantID, siteID, string(mode)).Scan(&claimedID)
	if err == sql.ErrNoRows {
		return errs.New(errs.ClassAlreadyRunning, "crawl: a session is already running for this site and mode")
	}
	if err != nil {
		return errs.Wrap(err, errs.ClassTransient, "crawl: claim session")
	}
	return nil
}

const finishQuery = `
UPDATE kb_crawl_sessions
SET status = $2, ended_at = now(), processed_pages = $3, errors = $4, last_crawl_time = now(), last_crawl_hash = $5
WHERE id = $1`

func (s *PostgresSessionStore) Finish(ctx context.Context, sessionID string, status Status, processedPages, errorCount int, lastCrawlHash string) error {
	_, err := s.db.ExecContext(ctx, finishQuery, sessionID, string(status), processedPages, errorCount, lastCrawlHash)
	if err != nil {
		return errs.Wrap(err, errs.ClassTransient, "crawl: finish session")
	}
	return nil
}
