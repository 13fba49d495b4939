package repositories

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/upb/sdp-ingestion/models"
)

// ErrNotFound is returned by repository lookups that match no row
var ErrNotFound = errors.New("not found")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction.
	// Repositories called with the ctx handed to fn join the transaction.
	// Commits if fn succeeds, rolls back on error.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// BatchRepository handles processing batch data operations
type BatchRepository interface {
	// CreateIfAbsent inserts the batch unless one with the same ID exists.
	// created is false when another caller got there first.
	CreateIfAbsent(ctx context.Context, batch *models.Batch) (created bool, err error)

	// GetByID retrieves a batch by ID. Returns ErrNotFound when absent.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Batch, error)

	// MarkReceived moves the batch back to RECEIVED and sets its processing type
	MarkReceived(ctx context.Context, batch *models.Batch) error

	// UpdateStatus sets the batch status
	UpdateStatus(ctx context.Context, batch *models.Batch) error
}

// RecordRepository handles tokenized record data operations
type RecordRepository interface {
	// InsertIfAbsent inserts the record unless (batch_id, record_key) exists.
	// inserted is false on a uniqueness conflict; a conflict is not an error.
	InsertIfAbsent(ctx context.Context, record *models.Record) (inserted bool, err error)

	// ListByBatch returns every record currently stored for the batch
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.Record, error)

	// CountByBatch returns the number of records stored for the batch
	CountByBatch(ctx context.Context, batchID uuid.UUID) (int, error)
}

// ResultRepository handles processed result data operations
type ResultRepository interface {
	// InsertIfAbsent inserts the result unless (batch_id, record_key) exists.
	// Existing results are never overwritten.
	InsertIfAbsent(ctx context.Context, result *models.Result) (inserted bool, err error)

	// ListByBatch returns the batch's results in no particular order
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.Result, error)

	// DeleteByBatch removes every result of the batch and reports how many
	DeleteByBatch(ctx context.Context, batchID uuid.UUID) (int64, error)
}

// AuditRepository handles batch audit event data operations.
// Events are append-only: there is no update or delete.
type AuditRepository interface {
	// Insert inserts a new audit event
	Insert(ctx context.Context, event *models.AuditEvent) error

	// ListByBatch retrieves a batch's audit events newest first
	ListByBatch(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Batches     BatchRepository
	Records     RecordRepository
	Results     ResultRepository
	AuditEvents AuditRepository
	TxManager   TransactionManager
}
