package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/correction-pipeline/internal/api/model"
	"github.com/cuongbtq/correction-pipeline/internal/domain"
	"github.com/cuongbtq/correction-pipeline/shared/postgresql"
)

// Schema creates the batches table
const Schema = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id        TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	total_files     INTEGER NOT NULL DEFAULT 0,
	completed_files INTEGER NOT NULL DEFAULT 0,
	result          JSONB,
	error           TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS batches_created_at_idx ON batches (created_at DESC, batch_id DESC);
`

// PostgresStore keeps batch records in PostgreSQL
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgresStore on an open client
func NewPostgresStore(pg *postgresql.Client) *PostgresStore {
	return &PostgresStore{db: pg.GetDB()}
}

// NewPostgresStoreFromDB wraps an existing handle
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate batches schema: %w", err)
	}
	return nil
}

func toRow(rec *domain.BatchRecord) (*model.Batch, error) {
	row := &model.Batch{
		ID:             rec.ID,
		Status:         rec.Status,
		TotalFiles:     rec.TotalFiles,
		CompletedFiles: rec.CompletedFiles,
		Error:          rec.Error,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.Result != nil {
		raw, err := json.Marshal(rec.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode batch result: %w", err)
		}
		row.Result = raw
	}
	return row, nil
}

func fromRow(row *model.Batch) (*domain.BatchRecord, error) {
	rec := &domain.BatchRecord{
		ID:             row.ID,
		Status:         row.Status,
		TotalFiles:     row.TotalFiles,
		CompletedFiles: row.CompletedFiles,
		Error:          row.Error,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if len(row.Result) > 0 {
		rec.Result = &domain.BatchResult{}
		if err := json.Unmarshal(row.Result, rec.Result); err != nil {
			return nil, fmt.Errorf("failed to decode batch result: %w", err)
		}
	}
	return rec, nil
}

// Create inserts a new batch record
func (s *PostgresStore) Create(ctx context.Context, rec *domain.BatchRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO batches (
			batch_id, status, total_files, completed_files,
			result, error, created_at, updated_at
		) VALUES (
			:batch_id, :status, :total_files, :completed_files,
			:result, :error, :created_at, :updated_at
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// Update overwrites the mutable fields of a batch record
func (s *PostgresStore) Update(ctx context.Context, rec *domain.BatchRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE batches SET
			status = :status,
			completed_files = :completed_files,
			result = :result,
			error = :error,
			updated_at = :updated_at
		WHERE batch_id = :batch_id
	`
	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrBatchNotFound
	}
	return nil
}

// Get returns one batch record
func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.BatchRecord, error) {
	var row model.Batch
	query := `
		SELECT
			batch_id, status, total_files, completed_files,
			result, error, created_at, updated_at
		FROM batches
		WHERE batch_id = $1
	`

	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return fromRow(&row)
}

// List returns up to PageSize+1 records so callers can tell whether more exist
func (s *PostgresStore) List(ctx context.Context, filter BatchFilter) ([]*domain.BatchRecord, error) {
	query := `
		SELECT
			batch_id, status, total_files, completed_files,
			NULL AS result, error, created_at, updated_at
		FROM batches
		WHERE 1=1
	`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, batch_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.BatchID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, batch_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []model.Batch
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	out := make([]*domain.BatchRecord, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Purge deletes finished batches last updated before cutoff
func (s *PostgresStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM batches
		WHERE updated_at < $1 AND status IN ($2, $3, $4)
	`
	res, err := s.db.ExecContext(ctx, query, cutoff,
		domain.BatchStatusCompleted, domain.BatchStatusFailed, domain.BatchStatusCanceled)
	if err != nil {
		return 0, fmt.Errorf("failed to purge batches: %w", err)
	}
	return res.RowsAffected()
}
