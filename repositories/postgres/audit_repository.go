package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/repositories"
	"go.uber.org/zap"
)

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit event
func (r *AuditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO batch_audit_events (id, batch_id, client_id, event_type, details, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	var details interface{}
	if len(event.Details) > 0 {
		details = []byte(event.Details)
	}
	var requestID interface{}
	if event.RequestID != "" {
		requestID = event.RequestID
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		event.ID,
		event.BatchID,
		event.TenantID,
		event.EventType,
		details,
		requestID,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	r.logger.Debug("audit event inserted",
		zap.String("id", event.ID.String()),
		zap.String("event_type", string(event.EventType)))
	return nil
}

// ListByBatch retrieves a batch's audit events, newest first
func (r *AuditRepository) ListByBatch(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error) {
	query := `
		SELECT id, batch_id, client_id, event_type, details, COALESCE(request_id, ''), created_at
		FROM batch_audit_events
		WHERE batch_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, batchID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		event := &models.AuditEvent{}
		var details []byte
		if err := rows.Scan(
			&event.ID,
			&event.BatchID,
			&event.TenantID,
			&event.EventType,
			&details,
			&event.RequestID,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if len(details) > 0 {
			event.Details = details
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}

	return events, nil
}
