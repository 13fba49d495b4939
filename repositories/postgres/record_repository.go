package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/repositories"
	"go.uber.org/zap"
)

// RecordRepository implements the repositories.RecordRepository interface
type RecordRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewRecordRepository creates a new tokenized record repository
func NewRecordRepository(db *DB, logger *zap.Logger) repositories.RecordRepository {
	return &RecordRepository{
		db:     db,
		logger: logger,
	}
}

// InsertIfAbsent inserts the record and skips on (batch_id, record_key) conflict
func (r *RecordRepository) InsertIfAbsent(ctx context.Context, record *models.Record) (bool, error) {
	query := `
		INSERT INTO tokenized_records (id, batch_id, record_key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (batch_id, record_key) DO NOTHING
	`

	executor := GetExecutor(ctx, r.db)
	result, err := executor.ExecContext(ctx, query,
		record.ID,
		record.BatchID,
		record.RecordKey,
		[]byte(record.Payload),
		record.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListByBatch returns the records stored for the batch at the time of the call
func (r *RecordRepository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.Record, error) {
	query := `
		SELECT id, batch_id, record_key, payload, created_at
		FROM tokenized_records
		WHERE batch_id = $1
		ORDER BY created_at, record_key
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec := &models.Record{}
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.BatchID, &rec.RecordKey, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Payload = payload
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record rows: %w", err)
	}

	return records, nil
}

// CountByBatch returns the number of records stored for the batch
func (r *RecordRepository) CountByBatch(ctx context.Context, batchID uuid.UUID) (int, error) {
	var count int
	executor := GetExecutor(ctx, r.db)
	err := executor.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tokenized_records WHERE batch_id = $1", batchID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}
