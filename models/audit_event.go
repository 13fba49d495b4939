package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEventType tags what happened to a batch
type AuditEventType string

const (
	AuditEventBatchIngested    AuditEventType = "batch_ingested"
	AuditEventBatchProcessed   AuditEventType = "batch_processed"
	AuditEventBatchReprocessed AuditEventType = "batch_reprocessed"
	AuditEventResultsSubmitted AuditEventType = "results_submitted"
	AuditEventResultsFetched   AuditEventType = "results_fetched"
	AuditEventAuditViewed      AuditEventType = "audit_viewed"
)

// AuditEvent is an append-only trail entry for a batch
type AuditEvent struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	BatchID   uuid.UUID       `json:"batch_id" db:"batch_id"`
	TenantID  string          `json:"client_id" db:"client_id"`
	EventType AuditEventType  `json:"event_type" db:"event_type"`
	Details   json.RawMessage `json:"details,omitempty" db:"details"` // JSONB
	RequestID string          `json:"request_id,omitempty" db:"request_id"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the AuditEvent model
func (AuditEvent) TableName() string {
	return "batch_audit_events"
}

// NewAuditEvent creates a new AuditEvent instance
func NewAuditEvent(batchID uuid.UUID, tenantID string, eventType AuditEventType, now time.Time) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New(),
		BatchID:   batchID,
		TenantID:  tenantID,
		EventType: eventType,
		CreatedAt: now,
	}
}

// WithDetails sets the details
func (e *AuditEvent) WithDetails(details interface{}) *AuditEvent {
	if data, err := json.Marshal(details); err == nil {
		e.Details = data
	}
	return e
}

// WithRequest sets the originating request ID
func (e *AuditEvent) WithRequest(requestID string) *AuditEvent {
	e.RequestID = requestID
	return e
}
