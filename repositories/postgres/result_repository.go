package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/repositories"
	"go.uber.org/zap"
)

// ResultRepository implements the repositories.ResultRepository interface
type ResultRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewResultRepository creates a new processed result repository
func NewResultRepository(db *DB, logger *zap.Logger) repositories.ResultRepository {
	return &ResultRepository{
		db:     db,
		logger: logger,
	}
}

// InsertIfAbsent inserts the result; an existing (batch_id, record_key) row is left untouched
func (r *ResultRepository) InsertIfAbsent(ctx context.Context, res *models.Result) (bool, error) {
	query := `
		INSERT INTO processed_results (id, batch_id, record_key, risk_score, model_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_id, record_key) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		res.ID,
		res.BatchID,
		res.RecordKey,
		res.RiskScore,
		res.ModelVersion,
		res.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert result: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListByBatch returns the batch's results
func (r *ResultRepository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.Result, error) {
	query := `
		SELECT id, batch_id, record_key, risk_score, model_version, created_at
		FROM processed_results
		WHERE batch_id = $1
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var results []*models.Result
	for rows.Next() {
		res := &models.Result{}
		if err := rows.Scan(&res.ID, &res.BatchID, &res.RecordKey, &res.RiskScore, &res.ModelVersion, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating result rows: %w", err)
	}

	return results, nil
}

// DeleteByBatch removes all results of a batch
func (r *ResultRepository) DeleteByBatch(ctx context.Context, batchID uuid.UUID) (int64, error) {
	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, "DELETE FROM processed_results WHERE batch_id = $1", batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete results: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Info("batch results deleted",
		zap.String("batch_id", batchID.String()),
		zap.Int64("rows_deleted", rows))
	return rows, nil
}
