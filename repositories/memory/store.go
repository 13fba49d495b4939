// Package memory provides an in-process implementation of the repository
// interfaces. It backs STORAGE_DRIVER=memory and the service-level tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/repositories"
	"go.uber.org/zap"
)

// Store holds all tables in maps guarded by one RWMutex.
// (batch_id, record_key) uniqueness is enforced by the nested map keys.
//
// Store is a development and test driver. Transactions are serialized
// store-wide, so one tenant's ingest waits for another's; a rollback costs
// only the writes the transaction made.
type Store struct {
	mu      sync.RWMutex
	batches map[uuid.UUID]*models.Batch
	records map[uuid.UUID]map[string]*models.Record
	order   map[uuid.UUID][]string // record insertion order per batch
	results map[uuid.UUID]map[string]*models.Result
	events  []*models.AuditEvent

	// txMu serializes transactions so undo logs never interleave
	txMu   sync.Mutex
	logger *zap.Logger
}

// NewStore creates an empty store
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		batches: make(map[uuid.UUID]*models.Batch),
		records: make(map[uuid.UUID]map[string]*models.Record),
		order:   make(map[uuid.UUID][]string),
		results: make(map[uuid.UUID]map[string]*models.Result),
		logger:  logger,
	}
}

// Repositories returns the repository set backed by this store
func (s *Store) Repositories() *repositories.Repositories {
	return &repositories.Repositories{
		Batches:     &batchRepository{s},
		Records:     &recordRepository{s},
		Results:     &resultRepository{s},
		AuditEvents: &auditRepository{s},
		TxManager:   &txManager{s},
	}
}

// HealthCheck always succeeds
func (s *Store) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// batchRepository implements repositories.BatchRepository
type batchRepository struct{ s *Store }

func (r *batchRepository) CreateIfAbsent(ctx context.Context, batch *models.Batch) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.batches[batch.BatchID]; ok {
		return false, nil
	}
	b := *batch
	r.s.batches[batch.BatchID] = &b
	r.s.journal(ctx, func() { delete(r.s.batches, batch.BatchID) })
	return true, nil
}

func (r *batchRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	b, ok := r.s.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, repositories.ErrNotFound)
	}
	out := *b
	return &out, nil
}

func (r *batchRepository) MarkReceived(ctx context.Context, batch *models.Batch) error {
	return r.update(ctx, batch.BatchID, func(b *models.Batch) {
		b.Status = models.BatchStatusReceived
		b.ProcessingType = batch.ProcessingType
		b.UpdatedAt = batch.UpdatedAt
	})
}

func (r *batchRepository) UpdateStatus(ctx context.Context, batch *models.Batch) error {
	return r.update(ctx, batch.BatchID, func(b *models.Batch) {
		b.Status = batch.Status
		b.UpdatedAt = batch.UpdatedAt
	})
}

// update replaces the stored batch with a modified copy
func (r *batchRepository) update(ctx context.Context, id uuid.UUID, fn func(b *models.Batch)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cur, ok := r.s.batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, repositories.ErrNotFound)
	}
	next := *cur
	fn(&next)
	r.s.batches[id] = &next
	r.s.journal(ctx, func() { r.s.batches[id] = cur })
	return nil
}

// recordRepository implements repositories.RecordRepository
type recordRepository struct{ s *Store }

func (r *recordRepository) InsertIfAbsent(ctx context.Context, record *models.Record) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	byKey, ok := r.s.records[record.BatchID]
	if !ok {
		byKey = make(map[string]*models.Record)
		r.s.records[record.BatchID] = byKey
	}
	if _, exists := byKey[record.RecordKey]; exists {
		return false, nil
	}
	rec := *record
	rec.Payload = append([]byte(nil), record.Payload...)
	byKey[record.RecordKey] = &rec
	r.s.order[record.BatchID] = append(r.s.order[record.BatchID], record.RecordKey)
	r.s.journal(ctx, func() { r.s.removeRecord(record.BatchID, record.RecordKey) })
	return true, nil
}

// removeRecord drops one record and its place in the insertion order.
// Callers hold s.mu.
func (s *Store) removeRecord(batchID uuid.UUID, key string) {
	delete(s.records[batchID], key)
	if len(s.records[batchID]) == 0 {
		delete(s.records, batchID)
	}
	keys := s.order[batchID]
	for i := len(keys) - 1; i >= 0; i-- {
		if keys[i] == key {
			s.order[batchID] = append(keys[:i:i], keys[i+1:]...)
			break
		}
	}
	if len(s.order[batchID]) == 0 {
		delete(s.order, batchID)
	}
}

func (r *recordRepository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.Record, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	keys := r.s.order[batchID]
	out := make([]*models.Record, 0, len(keys))
	for _, k := range keys {
		rec := *r.s.records[batchID][k]
		out = append(out, &rec)
	}
	return out, nil
}

func (r *recordRepository) CountByBatch(ctx context.Context, batchID uuid.UUID) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.records[batchID]), nil
}

// resultRepository implements repositories.ResultRepository
type resultRepository struct{ s *Store }

func (r *resultRepository) InsertIfAbsent(ctx context.Context, result *models.Result) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	byKey, ok := r.s.results[result.BatchID]
	if !ok {
		byKey = make(map[string]*models.Result)
		r.s.results[result.BatchID] = byKey
	}
	if _, exists := byKey[result.RecordKey]; exists {
		return false, nil
	}
	res := *result
	byKey[result.RecordKey] = &res
	r.s.journal(ctx, func() { delete(r.s.results[result.BatchID], result.RecordKey) })
	return true, nil
}

func (r *resultRepository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.Result, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*models.Result, 0, len(r.s.results[batchID]))
	for _, res := range r.s.results[batchID] {
		cp := *res
		out = append(out, &cp)
	}
	return out, nil
}

func (r *resultRepository) DeleteByBatch(ctx context.Context, batchID uuid.UUID) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	removed := r.s.results[batchID]
	delete(r.s.results, batchID)
	r.s.journal(ctx, func() {
		byKey, ok := r.s.results[batchID]
		if !ok {
			byKey = make(map[string]*models.Result, len(removed))
			r.s.results[batchID] = byKey
		}
		for k, v := range removed {
			if _, exists := byKey[k]; !exists {
				byKey[k] = v
			}
		}
	})
	return int64(len(removed)), nil
}

// auditRepository implements repositories.AuditRepository
type auditRepository struct{ s *Store }

func (r *auditRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e := *event
	r.s.events = append(r.s.events, &e)
	return nil
}

func (r *auditRepository) ListByBatch(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error) {
	r.s.mu.RLock()
	var matched []*models.AuditEvent
	for _, e := range r.s.events {
		if e.BatchID == batchID {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	r.s.mu.RUnlock()

	// newest first; ties keep reverse insertion order
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return []*models.AuditEvent{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}
