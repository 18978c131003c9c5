package migration

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_RejectsNilDB(t *testing.T) {
	_, err := NewManager(nil, Config{}, nil)
	require.Error(t, err)
}

func TestNewManager_DefaultsPathAndTimeout(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "sqlmock")

	manager, err := NewManager(db, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPath, manager.cfg.Path)
	assert.Equal(t, time.Minute, manager.cfg.Timeout)
}

func TestNewManager_KeepsExplicitConfig(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "sqlmock")

	manager, err := NewManager(db, Config{Path: "custom/sql", Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom/sql", manager.cfg.Path)
	assert.Equal(t, 5*time.Second, manager.cfg.Timeout)
}

func TestManager_Close_NoopWithoutInit(t *testing.T) {
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "sqlmock")

	manager, err := NewManager(db, Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, manager.Close())
}
