package storage

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/correction-pipeline/internal/domain"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(id string, offset time.Duration, status string) *domain.BatchRecord {
	return &domain.BatchRecord{
		ID:         id,
		Status:     status,
		TotalFiles: 2,
		CreatedAt:  base.Add(offset),
		UpdatedAt:  base.Add(offset),
	}
}

func TestMemoryStore_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)

	rec := record("b1", 0, domain.BatchStatusPending)
	require.NoError(t, s.Create(ctx, rec))

	// Mutating the caller's copy must not change the stored record.
	rec.Status = domain.BatchStatusRunning
	got, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPending, got.Status)

	rec.Result = &domain.BatchResult{BatchID: "b1", Healthy: true}
	rec.Status = domain.BatchStatusCompleted
	require.NoError(t, s.Update(ctx, rec))

	got, err = s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Healthy)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
	assert.ErrorIs(t, s.Update(ctx, record("missing", 0, domain.BatchStatusRunning)), domain.ErrBatchNotFound)
}

func TestMemoryStore_Expires(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10 * time.Millisecond)

	require.NoError(t, s.Create(ctx, record("b1", 0, domain.BatchStatusCompleted)))
	time.Sleep(20 * time.Millisecond)

	_, err := s.Get(ctx, "b1")
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
}

func TestMemoryStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour)
	for i := range 5 {
		status := domain.BatchStatusCompleted
		if i%2 == 1 {
			status = domain.BatchStatusRunning
		}
		rec := record(fmt.Sprintf("b%d", i), time.Duration(i)*time.Minute, status)
		rec.Result = &domain.BatchResult{BatchID: rec.ID}
		require.NoError(t, s.Create(ctx, rec))
	}

	tests := []struct {
		name    string
		filter  BatchFilter
		wantIDs []string
	}{
		{name: "newest first with one extra", filter: BatchFilter{PageSize: 2}, wantIDs: []string{"b4", "b3", "b2"}},
		{name: "status filter", filter: BatchFilter{PageSize: 10, Status: domain.BatchStatusRunning}, wantIDs: []string{"b3", "b1"}},
		{
			name:    "after cursor",
			filter:  BatchFilter{PageSize: 10, Cursor: &BatchCursor{CreatedAt: base.Add(2 * time.Minute), BatchID: "b2"}},
			wantIDs: []string{"b1", "b0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			require.NoError(t, err)

			ids := make([]string, len(got))
			for i, rec := range got {
				ids[i] = rec.ID
				assert.Nil(t, rec.Result)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresStore_Create(t *testing.T) {
	s, mock := newMockStore(t)
	rec := record("b1", 0, domain.BatchStatusPending)

	mock.ExpectExec("INSERT INTO batches").
		WithArgs("b1", domain.BatchStatusPending, 2, 0, sqlmock.AnyArg(), "", rec.CreatedAt, rec.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Create(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE batches SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Update(context.Background(), record("b1", 0, domain.BatchStatusRunning))
	assert.ErrorIs(t, err, domain.ErrBatchNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	columns := []string{"batch_id", "status", "total_files", "completed_files", "result", "error", "created_at", "updated_at"}

	tests := []struct {
		name        string
		rows        *sqlmock.Rows
		err         error
		wantErr     error
		wantHealthy bool
	}{
		{
			name: "completed batch with result",
			rows: sqlmock.NewRows(columns).AddRow("b1", domain.BatchStatusCompleted, 2, 2,
				[]byte(`{"batch_id":"b1","healthy":true,"results":[],"summary":{},"metadata":{}}`), "", base, base),
			wantHealthy: true,
		},
		{
			name: "running batch without result",
			rows: sqlmock.NewRows(columns).AddRow("b1", domain.BatchStatusRunning, 2, 0, nil, "", base, base),
		},
		{
			name:    "unknown batch",
			err:     sql.ErrNoRows,
			wantErr: domain.ErrBatchNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			exp := mock.ExpectQuery("SELECT (.+) FROM batches WHERE batch_id").WithArgs("b1")
			if tt.err != nil {
				exp.WillReturnError(tt.err)
			} else {
				exp.WillReturnRows(tt.rows)
			}

			got, err := s.Get(context.Background(), "b1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "b1", got.ID)
			if tt.wantHealthy {
				require.NotNil(t, got.Result)
				assert.True(t, got.Result.Healthy)
			} else {
				assert.Nil(t, got.Result)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgresStore_ListBuildsCursorQuery(t *testing.T) {
	s, mock := newMockStore(t)
	cursor := &BatchCursor{CreatedAt: base, BatchID: "b9"}

	mock.ExpectQuery(`AND status = \$1 AND \(created_at, batch_id\) < \(\$2, \$3\) ORDER BY created_at DESC, batch_id DESC LIMIT \$4`).
		WithArgs(domain.BatchStatusCompleted, base, "b9", 3).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id", "status", "total_files", "completed_files", "result", "error", "created_at", "updated_at"}).
			AddRow("b8", domain.BatchStatusCompleted, 1, 1, nil, "", base, base))

	got, err := s.List(context.Background(), BatchFilter{Status: domain.BatchStatusCompleted, PageSize: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b8", got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
