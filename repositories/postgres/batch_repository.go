package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/repositories"
	"go.uber.org/zap"
)

// BatchRepository implements the repositories.BatchRepository interface
type BatchRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewBatchRepository creates a new batch repository
func NewBatchRepository(db *DB, logger *zap.Logger) repositories.BatchRepository {
	return &BatchRepository{
		db:     db,
		logger: logger,
	}
}

// CreateIfAbsent inserts the batch; a concurrent insert of the same ID loses quietly
func (r *BatchRepository) CreateIfAbsent(ctx context.Context, batch *models.Batch) (bool, error) {
	query := `
		INSERT INTO processing_batches (batch_id, client_id, processing_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_id) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		batch.BatchID,
		batch.TenantID,
		batch.ProcessingType,
		batch.Status,
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create batch: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows > 0 {
		r.logger.Debug("batch created",
			zap.String("batch_id", batch.BatchID.String()),
			zap.String("client_id", batch.TenantID))
	}
	return rows > 0, nil
}

// GetByID retrieves a batch by ID
func (r *BatchRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	query := `
		SELECT batch_id, client_id, processing_type, status, created_at, updated_at
		FROM processing_batches
		WHERE batch_id = $1
	`

	executor := GetExecutor(ctx, r.db)
	batch := &models.Batch{}

	err := executor.QueryRowContext(ctx, query, id).Scan(
		&batch.BatchID,
		&batch.TenantID,
		&batch.ProcessingType,
		&batch.Status,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	return batch, nil
}

// MarkReceived resets the status to RECEIVED and records the latest processing type
func (r *BatchRepository) MarkReceived(ctx context.Context, batch *models.Batch) error {
	query := `
		UPDATE processing_batches
		SET status = $2, processing_type = $3, updated_at = $4
		WHERE batch_id = $1
	`

	return r.update(ctx, query, batch.BatchID, models.BatchStatusReceived, batch.ProcessingType, batch.UpdatedAt)
}

// UpdateStatus sets the batch status
func (r *BatchRepository) UpdateStatus(ctx context.Context, batch *models.Batch) error {
	query := `
		UPDATE processing_batches
		SET status = $2, updated_at = $3
		WHERE batch_id = $1
	`

	return r.update(ctx, query, batch.BatchID, batch.Status, batch.UpdatedAt)
}

func (r *BatchRepository) update(ctx context.Context, query string, id uuid.UUID, args ...interface{}) error {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query, append([]interface{}{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("batch %s: %w", id, repositories.ErrNotFound)
	}

	r.logger.Debug("batch updated", zap.String("batch_id", id.String()))
	return nil
}
