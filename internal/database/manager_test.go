package database

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleconsult/internal/storetest"
	dbconfig "teleconsult/pkg/database"
	"teleconsult/pkg/interfaces"
	"teleconsult/pkg/logger"
	"teleconsult/pkg/types"
)

// Test database setup helpers
func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func setupMockDB(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	manager := NewManagerWithDB(db, logger.NewNop())
	manager.retryDelay = time.Millisecond
	t.Cleanup(func() {
		mock.ExpectClose()
		_ = manager.Close()
	})
	return manager, mock
}

// FUNCTIONAL VALIDATION TEST: the sqlite store honours the shared store contract
func TestManager_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.Store {
		return setupTestDB(t)
	})
}

func TestManager_GetSessionNoRowsIsNotFound(t *testing.T) {
	manager, mock := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := manager.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_ZeroRowUpdateDistinguishesConflictFromMissing(t *testing.T) {
	manager, mock := setupMockDB(t)
	session := storetest.NewSession("s-1", types.StatusWaiting, nil)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM sessions WHERE id = ?")).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := manager.UpdateSessionIfVersion(context.Background(), session, 3)
	assert.ErrorIs(t, err, interfaces.ErrVersionConflict)
	assert.Equal(t, int64(0), session.Version, "version untouched on conflict")

	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM sessions WHERE id = ?")).
		WithArgs("s-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err = manager.UpdateSessionIfVersion(context.Background(), session, 3)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_BusyWriteIsRetriedOnce(t *testing.T) {
	manager, mock := setupMockDB(t)
	rating := &types.Rating{SessionID: "s-1", UserID: "alice", Score: 4, CreatedAt: time.Now()}

	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ratings")).WillReturnError(busy)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ratings")).WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, manager.CreateRating(context.Background(), rating))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_OtherWriteErrorsAreNotRetried(t *testing.T) {
	manager, mock := setupMockDB(t)
	rating := &types.Rating{SessionID: "s-1", UserID: "alice", Score: 4, CreatedAt: time.Now()}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ratings")).WillReturnError(errors.New("disk I/O error"))

	err := manager.CreateRating(context.Background(), rating)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert rating")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_ClosedRejectsWrites(t *testing.T) {
	manager := setupTestDB(t)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close(), "close is idempotent")

	err := manager.CreateSession(context.Background(), storetest.NewSession("late", types.StatusDraft, nil))
	assert.Error(t, err)
}

func TestManager_CancelledContextAbortsQueuedWrite(t *testing.T) {
	manager := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := manager.CreateSession(ctx, storetest.NewSession("cancelled", types.StatusDraft, nil))
	assert.Error(t, err)
}
