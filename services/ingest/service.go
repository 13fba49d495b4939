// Package ingest accepts tokenized records into batches. Every record is
// keyed by (batch, record_key) so a retried call never duplicates data.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/sdp-ingestion/internal/clock"
	"github.com/upb/sdp-ingestion/internal/sensitive"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/repositories"
	"github.com/upb/sdp-ingestion/services"
	"github.com/upb/sdp-ingestion/services/audit"
	"github.com/upb/sdp-ingestion/services/ratelimit"
	"github.com/upb/sdp-ingestion/services/tenant"
	"go.uber.org/zap"
)

// DefaultMaxRecords caps the records accepted by one call
const DefaultMaxRecords = 10000

var jsonNull = []byte("null")

// RecordInput is one record as submitted by the caller
type RecordInput struct {
	RecordKey string
	Payload   json.RawMessage
}

// IngestRequest is one ingestion call. A nil BatchID asks for a new batch.
type IngestRequest struct {
	Resolution     tenant.Resolution
	BatchID        *uuid.UUID
	TenantClaim    string
	ProcessingType string
	Records        []RecordInput
}

// Rejection explains why one record was not ingested
type Rejection struct {
	Index     int    `json:"index"`
	RecordKey string `json:"record_key,omitempty"`
	Reason    string `json:"reason"`
}

// IngestOutcome reports what one call did
type IngestOutcome struct {
	BatchID    uuid.UUID
	TenantID   string
	Created    bool
	Inserted   int
	Skipped    int
	Rejected   int
	Rejections []Rejection
	Status     models.BatchStatus
	Decision   ratelimit.Decision
}

// Service implements idempotent ingestion
type Service struct {
	repos      *repositories.Repositories
	limiter    *ratelimit.Limiter
	audit      *audit.AuditService
	clock      clock.Clock
	maxRecords int
	rejectRaw  bool
	logger     *zap.Logger
}

// NewService creates an ingestion service. maxRecords <= 0 uses DefaultMaxRecords.
func NewService(repos *repositories.Repositories, limiter *ratelimit.Limiter, auditSvc *audit.AuditService, clk clock.Clock, maxRecords int, logger *zap.Logger) *Service {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		repos:      repos,
		limiter:    limiter,
		audit:      auditSvc,
		clock:      clk,
		maxRecords: maxRecords,
		logger:     logger,
	}
}

// WithRawValueCheck makes Ingest reject records whose payload still holds
// untokenized values such as emails or card numbers
func (s *Service) WithRawValueCheck(enabled bool) *Service {
	s.rejectRaw = enabled
	return s
}

// Ingest stores the request's records in a new or existing batch.
// Tenant and rate-limit checks run before anything is written. A bad
// record is rejected on its own; a key already present is skipped.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestOutcome, error) {
	processingType := strings.TrimSpace(req.ProcessingType)
	if processingType == "" {
		return nil, services.NewValidationError("processing_type is required")
	}
	if len(processingType) > models.MaxProcessingTypeLength {
		return nil, services.NewValidationError(fmt.Sprintf("processing_type longer than %d characters", models.MaxProcessingTypeLength))
	}
	if len(req.Records) > s.maxRecords {
		return nil, services.NewValidationError(fmt.Sprintf("too many records: %d exceeds limit of %d", len(req.Records), s.maxRecords)).
			WithDetail("max_records", s.maxRecords)
	}

	var (
		batchID uuid.UUID
		stored  string
		exists  bool
	)
	if req.BatchID != nil && *req.BatchID != uuid.Nil {
		batchID = *req.BatchID
		batch, err := s.repos.Batches.GetByID(ctx, batchID)
		switch {
		case err == nil:
			stored, exists = batch.TenantID, true
		case errors.Is(err, repositories.ErrNotFound):
			// unknown ids are created with the caller's id
		default:
			return nil, services.WrapInternal("failed to load batch", err)
		}
	} else {
		batchID = uuid.New()
	}

	effective, err := tenant.EnforceTenant(req.Resolution, req.TenantClaim, stored)
	if err != nil {
		return nil, err
	}
	if len(effective) > models.MaxTenantIDLength {
		return nil, services.NewValidationError(fmt.Sprintf("tenant id longer than %d characters", models.MaxTenantIDLength))
	}

	decision, err := s.limiter.Admit(effective, ratelimit.ActionIngest)
	if err != nil {
		return nil, err
	}

	valid, rejections := validateRecords(req.Records, s.rejectRaw)
	now := s.clock.Now()

	outcome, err := services.WithTransactionResult(ctx, s.repos.TxManager, func(ctx context.Context, tx repositories.Transaction) (*IngestOutcome, error) {
		out := &IngestOutcome{BatchID: batchID, TenantID: effective, Status: models.BatchStatusReceived}

		if exists {
			batch := &models.Batch{BatchID: batchID, ProcessingType: processingType, UpdatedAt: now}
			if err := s.repos.Batches.MarkReceived(ctx, batch); err != nil {
				return nil, services.WrapInternal("failed to update batch", err)
			}
		} else {
			created, err := s.repos.Batches.CreateIfAbsent(ctx, models.NewBatch(batchID, effective, processingType, now))
			if err != nil {
				return nil, services.WrapInternal("failed to create batch", err)
			}
			out.Created = created
			if !created {
				if err := s.rejoinRacedBatch(ctx, req, batchID, processingType, now); err != nil {
					return nil, err
				}
			}
		}

		for _, in := range valid {
			inserted, err := s.repos.Records.InsertIfAbsent(ctx, models.NewRecord(batchID, in.RecordKey, in.Payload, now))
			if err != nil {
				return nil, services.WrapInternal("failed to insert record", err)
			}
			if inserted {
				out.Inserted++
			} else {
				out.Skipped++
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	outcome.Rejected = len(rejections)
	outcome.Rejections = rejections
	outcome.Decision = decision

	s.logger.Info("batch ingested",
		zap.String("batch_id", batchID.String()),
		zap.String("client_id", effective),
		zap.Bool("created", outcome.Created),
		zap.Int("inserted", outcome.Inserted),
		zap.Int("skipped", outcome.Skipped),
		zap.Int("rejected", outcome.Rejected))

	s.audit.Record(ctx, batchID, effective, models.AuditEventBatchIngested, map[string]interface{}{
		"processing_type": processingType,
		"created":         outcome.Created,
		"inserted":        outcome.Inserted,
		"skipped":         outcome.Skipped,
		"rejected":        outcome.Rejected,
	})

	return outcome, nil
}

// rejoinRacedBatch handles a batch created by a concurrent call between our
// read and our insert: the stored tenant decides, then the batch is reused.
func (s *Service) rejoinRacedBatch(ctx context.Context, req IngestRequest, batchID uuid.UUID, processingType string, now time.Time) error {
	batch, err := s.repos.Batches.GetByID(ctx, batchID)
	if err != nil {
		return services.WrapInternal("failed to load batch", err)
	}
	if _, err := tenant.EnforceTenant(req.Resolution, req.TenantClaim, batch.TenantID); err != nil {
		return err
	}
	batch.ProcessingType = processingType
	batch.UpdatedAt = now
	if err := s.repos.Batches.MarkReceived(ctx, batch); err != nil {
		return services.WrapInternal("failed to update batch", err)
	}
	return nil
}

// validateRecords splits input into records to insert and per-record rejections
func validateRecords(records []RecordInput, rejectRaw bool) ([]RecordInput, []Rejection) {
	valid := make([]RecordInput, 0, len(records))
	var rejections []Rejection

	for i, r := range records {
		key := strings.TrimSpace(r.RecordKey)
		switch {
		case key == "":
			rejections = append(rejections, Rejection{Index: i, Reason: services.ErrMissingRecordKey.Message})
			continue
		case len(key) > models.MaxRecordKeyLength:
			rejections = append(rejections, Rejection{Index: i, Reason: fmt.Sprintf("record_key longer than %d characters", models.MaxRecordKeyLength)})
			continue
		}

		payload := json.RawMessage(bytes.TrimSpace(r.Payload))
		if len(payload) == 0 || bytes.Equal(payload, jsonNull) {
			payload = json.RawMessage(`{}`)
		}
		if !json.Valid(payload) {
			rejections = append(rejections, Rejection{Index: i, RecordKey: key, Reason: "payload is not valid JSON"})
			continue
		}
		if payload[0] != '{' {
			rejections = append(rejections, Rejection{Index: i, RecordKey: key, Reason: "payload is not a JSON object"})
			continue
		}
		if rejectRaw {
			if findings := sensitive.ScanPayload(payload); len(findings) > 0 {
				f := findings[0]
				rejections = append(rejections, Rejection{Index: i, RecordKey: key,
					Reason: fmt.Sprintf("payload field %s holds an untokenized %s", f.Path, f.Kind)})
				continue
			}
		}

		valid = append(valid, RecordInput{RecordKey: key, Payload: payload})
	}

	if rejections == nil {
		rejections = []Rejection{}
	}
	return valid, rejections
}
