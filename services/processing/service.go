// Package processing turns a batch's records into results. Results are
// keyed by (batch, record_key) and never overwritten, so processing the
// same batch twice produces the same result set.
package processing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/sdp-ingestion/internal/clock"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/repositories"
	"github.com/upb/sdp-ingestion/services"
	"github.com/upb/sdp-ingestion/services/audit"
	"github.com/upb/sdp-ingestion/services/ratelimit"
	"github.com/upb/sdp-ingestion/services/tenant"
	"go.uber.org/zap"
)

// DefaultMaxResults caps the results accepted by one SubmitResults call
const DefaultMaxResults = 10000

// ProcessRequest identifies the batch to process and who is asking
type ProcessRequest struct {
	Resolution  tenant.Resolution
	BatchID     uuid.UUID
	TenantClaim string
}

// ProcessOutcome reports what one process or reprocess call did
type ProcessOutcome struct {
	BatchID      uuid.UUID
	TenantID     string
	Inserted     int
	Skipped      int
	Deleted      int64
	ModelVersion string
	Status       models.BatchStatus
	Decision     ratelimit.Decision
}

// ResultInput is one externally computed result
type ResultInput struct {
	RecordKey    string
	RiskScore    string
	ModelVersion string
}

// SubmitRequest carries externally computed results for a batch
type SubmitRequest struct {
	Resolution    tenant.Resolution
	BatchID       uuid.UUID
	TenantClaim   string
	Results       []ResultInput
	MarkProcessed bool
}

// SubmitOutcome reports what one SubmitResults call did
type SubmitOutcome struct {
	BatchID  uuid.UUID
	TenantID string
	Inserted int
	Skipped  int
	Status   models.BatchStatus
	Decision ratelimit.Decision
}

// Service coordinates batch processing
type Service struct {
	repos      *repositories.Repositories
	limiter    *ratelimit.Limiter
	audit      *audit.AuditService
	scorer     Scorer
	clock      clock.Clock
	maxResults int
	logger     *zap.Logger
}

// NewService creates a processing service. A nil scorer uses the token length model.
func NewService(repos *repositories.Repositories, limiter *ratelimit.Limiter, auditSvc *audit.AuditService, scorer Scorer, clk clock.Clock, maxResults int, logger *zap.Logger) *Service {
	if scorer == nil {
		scorer = NewTokenLengthScorer("", "")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &Service{
		repos:      repos,
		limiter:    limiter,
		audit:      auditSvc,
		scorer:     scorer,
		clock:      clk,
		maxResults: maxResults,
		logger:     logger,
	}
}

// ModelVersion returns the version stamped on computed results
func (s *Service) ModelVersion() string {
	return s.scorer.ModelVersion()
}

// Process scores every record of the batch that has no result yet and
// marks the batch PROCESSED. Existing results are kept as they are.
func (s *Service) Process(ctx context.Context, req ProcessRequest) (*ProcessOutcome, error) {
	out, err := s.run(ctx, req, ratelimit.ActionProcess, false)
	if err != nil {
		return nil, err
	}

	s.logger.Info("batch processed",
		zap.String("batch_id", out.BatchID.String()),
		zap.String("client_id", out.TenantID),
		zap.Int("inserted", out.Inserted),
		zap.Int("skipped", out.Skipped),
		zap.String("model_version", out.ModelVersion))

	s.audit.Record(ctx, out.BatchID, out.TenantID, models.AuditEventBatchProcessed, map[string]interface{}{
		"inserted":      out.Inserted,
		"skipped":       out.Skipped,
		"model_version": out.ModelVersion,
	})
	return out, nil
}

// Reprocess discards the batch's results and scores every record again.
// Delete and recompute happen in one transaction.
func (s *Service) Reprocess(ctx context.Context, req ProcessRequest) (*ProcessOutcome, error) {
	out, err := s.run(ctx, req, ratelimit.ActionReprocess, true)
	if err != nil {
		return nil, err
	}

	s.logger.Info("batch reprocessed",
		zap.String("batch_id", out.BatchID.String()),
		zap.String("client_id", out.TenantID),
		zap.Int64("deleted", out.Deleted),
		zap.Int("inserted", out.Inserted),
		zap.String("model_version", out.ModelVersion))

	s.audit.Record(ctx, out.BatchID, out.TenantID, models.AuditEventBatchReprocessed, map[string]interface{}{
		"deleted":       out.Deleted,
		"inserted":      out.Inserted,
		"model_version": out.ModelVersion,
	})
	return out, nil
}

func (s *Service) run(ctx context.Context, req ProcessRequest, action string, replace bool) (*ProcessOutcome, error) {
	_, effective, err := tenant.AuthorizeBatch(ctx, s.repos.Batches, req.Resolution, req.TenantClaim, req.BatchID)
	if err != nil {
		return nil, err
	}

	decision, err := s.limiter.Admit(effective, action)
	if err != nil {
		return nil, err
	}

	// records ingested after this snapshot wait for the next process call
	records, err := s.repos.Records.ListByBatch(ctx, req.BatchID)
	if err != nil {
		return nil, services.WrapInternal("failed to list records", err)
	}

	modelVersion := s.scorer.ModelVersion()
	now := s.clock.Now()
	results := make([]*models.Result, 0, len(records))
	for _, r := range records {
		score, err := s.scorer.Score(r.Payload)
		if err != nil {
			return nil, services.WrapInternal(fmt.Sprintf("failed to score record %q", r.RecordKey), err)
		}
		results = append(results, models.NewResult(req.BatchID, r.RecordKey, score, modelVersion, now))
	}

	out, err := services.WithTransactionResult(ctx, s.repos.TxManager, func(ctx context.Context, tx repositories.Transaction) (*ProcessOutcome, error) {
		out := &ProcessOutcome{BatchID: req.BatchID, TenantID: effective, ModelVersion: modelVersion}

		if replace {
			deleted, err := s.repos.Results.DeleteByBatch(ctx, req.BatchID)
			if err != nil {
				return nil, services.WrapInternal("failed to delete results", err)
			}
			out.Deleted = deleted
		}

		inserted, skipped, err := s.insertResults(ctx, results)
		if err != nil {
			return nil, err
		}
		out.Inserted, out.Skipped = inserted, skipped

		if err := s.markProcessed(ctx, req.BatchID, now); err != nil {
			return nil, err
		}
		out.Status = models.BatchStatusProcessed
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	out.Decision = decision
	return out, nil
}

// SubmitResults stores results computed outside the service. Each result
// follows the same insert-if-absent rule as Process. Every record key must
// belong to the batch.
func (s *Service) SubmitResults(ctx context.Context, req SubmitRequest) (*SubmitOutcome, error) {
	if len(req.Results) > s.maxResults {
		return nil, services.NewValidationError(fmt.Sprintf("too many results: %d exceeds limit of %d", len(req.Results), s.maxResults)).
			WithDetail("max_results", s.maxResults)
	}

	batch, effective, err := tenant.AuthorizeBatch(ctx, s.repos.Batches, req.Resolution, req.TenantClaim, req.BatchID)
	if err != nil {
		return nil, err
	}

	decision, err := s.limiter.Admit(effective, ratelimit.ActionSubmitResults)
	if err != nil {
		return nil, err
	}

	records, err := s.repos.Records.ListByBatch(ctx, req.BatchID)
	if err != nil {
		return nil, services.WrapInternal("failed to list records", err)
	}
	known := make(map[string]struct{}, len(records))
	for _, r := range records {
		known[r.RecordKey] = struct{}{}
	}

	now := s.clock.Now()
	results := make([]*models.Result, 0, len(req.Results))
	for i, in := range req.Results {
		key := strings.TrimSpace(in.RecordKey)
		score := strings.TrimSpace(in.RiskScore)
		version := strings.TrimSpace(in.ModelVersion)
		switch {
		case key == "":
			return nil, services.NewValidationError("record_key is required").WithDetail("index", i)
		case score == "":
			return nil, services.NewValidationError("risk_score is required").WithDetail("index", i)
		case version == "":
			return nil, services.NewValidationError("model_version is required").WithDetail("index", i)
		case len(score) > models.MaxRiskScoreLength:
			return nil, services.NewValidationError(fmt.Sprintf("risk_score longer than %d characters", models.MaxRiskScoreLength)).WithDetail("index", i)
		case len(version) > models.MaxModelVersionLength:
			return nil, services.NewValidationError(fmt.Sprintf("model_version longer than %d characters", models.MaxModelVersionLength)).WithDetail("index", i)
		}
		if _, ok := known[key]; !ok {
			return nil, services.NewValidationError("record_key not in batch").
				WithDetail("index", i).
				WithDetail("record_key", key)
		}
		results = append(results, models.NewResult(req.BatchID, key, score, version, now))
	}

	out, err := services.WithTransactionResult(ctx, s.repos.TxManager, func(ctx context.Context, tx repositories.Transaction) (*SubmitOutcome, error) {
		out := &SubmitOutcome{BatchID: req.BatchID, TenantID: effective, Status: batch.Status}

		inserted, skipped, err := s.insertResults(ctx, results)
		if err != nil {
			return nil, err
		}
		out.Inserted, out.Skipped = inserted, skipped

		if req.MarkProcessed {
			if err := s.markProcessed(ctx, req.BatchID, now); err != nil {
				return nil, err
			}
			out.Status = models.BatchStatusProcessed
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	out.Decision = decision

	s.logger.Info("results submitted",
		zap.String("batch_id", out.BatchID.String()),
		zap.String("client_id", out.TenantID),
		zap.Int("inserted", out.Inserted),
		zap.Int("skipped", out.Skipped),
		zap.Bool("mark_processed", req.MarkProcessed))

	s.audit.Record(ctx, out.BatchID, out.TenantID, models.AuditEventResultsSubmitted, map[string]interface{}{
		"inserted":       out.Inserted,
		"skipped":        out.Skipped,
		"mark_processed": req.MarkProcessed,
	})
	return out, nil
}

func (s *Service) insertResults(ctx context.Context, results []*models.Result) (inserted, skipped int, err error) {
	for _, r := range results {
		ok, err := s.repos.Results.InsertIfAbsent(ctx, r)
		if err != nil {
			return 0, 0, services.WrapInternal("failed to insert result", err)
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
	}
	return inserted, skipped, nil
}

func (s *Service) markProcessed(ctx context.Context, batchID uuid.UUID, now time.Time) error {
	batch := &models.Batch{BatchID: batchID, Status: models.BatchStatusProcessed, UpdatedAt: now}
	if err := s.repos.Batches.UpdateStatus(ctx, batch); err != nil {
		return services.WrapInternal("failed to update batch status", err)
	}
	return nil
}
