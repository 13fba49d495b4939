package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MaxRecordKeyLength matches the record_key column width
const MaxRecordKeyLength = 255

// Record is a tokenized payload submitted under a batch.
// (BatchID, RecordKey) is unique.
type Record struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	BatchID   uuid.UUID       `json:"batch_id" db:"batch_id"`
	RecordKey string          `json:"record_key" db:"record_key"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Record model
func (Record) TableName() string {
	return "tokenized_records"
}

// NewRecord creates a new Record instance
func NewRecord(batchID uuid.UUID, recordKey string, payload json.RawMessage, now time.Time) *Record {
	return &Record{
		ID:        uuid.New(),
		BatchID:   batchID,
		RecordKey: recordKey,
		Payload:   payload,
		CreatedAt: now,
	}
}

// Column widths of processed_results
const (
	MaxRiskScoreLength    = 50
	MaxModelVersionLength = 50
)

// Result is the score produced for one record of a batch.
// (BatchID, RecordKey) is unique; results are never rewritten in place.
type Result struct {
	ID           uuid.UUID `json:"id" db:"id"`
	BatchID      uuid.UUID `json:"batch_id" db:"batch_id"`
	RecordKey    string    `json:"record_key" db:"record_key"`
	RiskScore    string    `json:"risk_score" db:"risk_score"`
	ModelVersion string    `json:"model_version" db:"model_version"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Result model
func (Result) TableName() string {
	return "processed_results"
}

// NewResult creates a new Result instance
func NewResult(batchID uuid.UUID, recordKey, riskScore, modelVersion string, now time.Time) *Result {
	return &Result{
		ID:           uuid.New(),
		BatchID:      batchID,
		RecordKey:    recordKey,
		RiskScore:    riskScore,
		ModelVersion: modelVersion,
		CreatedAt:    now,
	}
}
