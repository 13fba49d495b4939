package models

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus represents where a batch is in its lifecycle
type BatchStatus string

const (
	BatchStatusReceived  BatchStatus = "RECEIVED"
	BatchStatusProcessed BatchStatus = "PROCESSED"
)

// Column widths of processing_batches
const (
	MaxTenantIDLength       = 100
	MaxProcessingTypeLength = 100
)

// Batch is a tenant-owned unit of submitted records.
// TenantID is fixed at creation; ingestion and processing only move
// Status and ProcessingType.
type Batch struct {
	BatchID        uuid.UUID   `json:"batch_id" db:"batch_id"`
	TenantID       string      `json:"client_id" db:"client_id"`
	ProcessingType string      `json:"processing_type" db:"processing_type"`
	Status         BatchStatus `json:"status" db:"status"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Batch model
func (Batch) TableName() string {
	return "processing_batches"
}

// NewBatch creates a batch in RECEIVED status
func NewBatch(batchID uuid.UUID, tenantID, processingType string, now time.Time) *Batch {
	if batchID == uuid.Nil {
		batchID = uuid.New()
	}
	return &Batch{
		BatchID:        batchID,
		TenantID:       tenantID,
		ProcessingType: processingType,
		Status:         BatchStatusReceived,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsProcessed reports whether the batch reached PROCESSED
func (b *Batch) IsProcessed() bool {
	return b.Status == BatchStatusProcessed
}
