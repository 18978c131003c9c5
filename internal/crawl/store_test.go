package crawl

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitevoice/kb-engine/internal/errs"
	"github.com/sitevoice/kb-engine/internal/indexer"
)

func newMockSessionStore(t *testing.T) (*PostgresSessionStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	return NewPostgresSessionStore(sqlxDB), mock, func() { _ = db.Close() }
}

func TestPostgresSessionStore_Claim_Succeeds(t *testing.T) {
	store, mock, closeDB := newMockSessionStore(t)
	defer closeDB()

	mock.ExpectQuery("INSERT INTO kb_crawl_sessions").
		WithArgs("session-1", "tenant-1", "site-1", string(indexer.SessionFull)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("session-1"))

	err := store.Claim(context.Background(), "session-1", "tenant-1", "site-1", indexer.SessionFull)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionStore_Claim_AlreadyRunningOnConflict(t *testing.T) {
	store, mock, closeDB := newMockSessionStore(t)
	defer closeDB()

	mock.ExpectQuery("INSERT INTO kb_crawl_sessions").
		WithArgs("session-2", "tenant-1", "site-1", string(indexer.SessionFull)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := store.Claim(context.Background(), "session-2", "tenant-1", "site-1", indexer.SessionFull)
	require.Error(t, err)
	assert.Equal(t, errs.ClassAlreadyRunning, errs.ClassOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionStore_Finish_UpdatesRow(t *testing.T) {
	store, mock, closeDB := newMockSessionStore(t)
	defer closeDB()

	mock.ExpectExec("UPDATE kb_crawl_sessions").
		WithArgs("session-1", string(StatusCompleted), 10, 0, "hash-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Finish(context.Background(), "session-1", StatusCompleted, 10, 0, "hash-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
