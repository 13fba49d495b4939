// Package results serves a batch's results and audit trail to the tenant that owns it.
package results

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/repositories"
	"github.com/upb/sdp-ingestion/services"
	"github.com/upb/sdp-ingestion/services/audit"
	"github.com/upb/sdp-ingestion/services/ratelimit"
	"github.com/upb/sdp-ingestion/services/tenant"
	"go.uber.org/zap"
)

const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 1000
)

// Query identifies the batch being read and who is asking
type Query struct {
	Resolution  tenant.Resolution
	BatchID     uuid.UUID
	TenantClaim string
}

// AuditQuery pages through a batch's audit trail
type AuditQuery struct {
	Query
	Limit  int
	Offset int
}

// BatchResults is a batch's status and its results
type BatchResults struct {
	BatchID  uuid.UUID
	TenantID string
	Status   models.BatchStatus
	Results  []*models.Result
	Decision ratelimit.Decision
}

// AuditTrail is one page of a batch's audit events, newest first
type AuditTrail struct {
	BatchID  uuid.UUID
	TenantID string
	Events   []*models.AuditEvent
	Decision ratelimit.Decision
}

// Service reads batch results
type Service struct {
	repos   *repositories.Repositories
	limiter *ratelimit.Limiter
	audit   *audit.AuditService
	logger  *zap.Logger
}

// NewService creates a results service
func NewService(repos *repositories.Repositories, limiter *ratelimit.Limiter, auditSvc *audit.AuditService, logger *zap.Logger) *Service {
	return &Service{
		repos:   repos,
		limiter: limiter,
		audit:   auditSvc,
		logger:  logger,
	}
}

// GetResults returns the batch's status and results. Results carry no
// meaningful order; they are sorted by record key for stable output.
func (s *Service) GetResults(ctx context.Context, q Query) (*BatchResults, error) {
	batch, effective, err := tenant.AuthorizeBatch(ctx, s.repos.Batches, q.Resolution, q.TenantClaim, q.BatchID)
	if err != nil {
		return nil, err
	}

	decision, err := s.limiter.Admit(effective, ratelimit.ActionResults)
	if err != nil {
		return nil, err
	}

	results, err := s.repos.Results.ListByBatch(ctx, q.BatchID)
	if err != nil {
		return nil, services.WrapInternal("failed to list results", err)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].RecordKey < results[j].RecordKey
	})

	s.logger.Debug("results fetched",
		zap.String("batch_id", q.BatchID.String()),
		zap.String("client_id", effective),
		zap.Int("count", len(results)))

	s.audit.Record(ctx, q.BatchID, effective, models.AuditEventResultsFetched, map[string]interface{}{
		"count": len(results),
	})

	return &BatchResults{
		BatchID:  q.BatchID,
		TenantID: effective,
		Status:   batch.Status,
		Results:  results,
		Decision: decision,
	}, nil
}

// GetAuditTrail returns one page of the batch's audit events. The view
// itself is recorded after the page is read.
func (s *Service) GetAuditTrail(ctx context.Context, q AuditQuery) (*AuditTrail, error) {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultAuditLimit
	case q.Limit > MaxAuditLimit:
		q.Limit = MaxAuditLimit
	}
	if q.Offset < 0 {
		return nil, services.NewValidationError("offset must not be negative")
	}

	_, effective, err := tenant.AuthorizeBatch(ctx, s.repos.Batches, q.Resolution, q.TenantClaim, q.BatchID)
	if err != nil {
		return nil, err
	}

	decision, err := s.limiter.Admit(effective, ratelimit.ActionAudit)
	if err != nil {
		return nil, err
	}

	events, err := s.audit.ListByBatch(ctx, q.BatchID, q.Limit, q.Offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list audit events", err)
	}

	s.audit.Record(ctx, q.BatchID, effective, models.AuditEventAuditViewed, map[string]interface{}{
		"limit":  q.Limit,
		"offset": q.Offset,
	})

	return &AuditTrail{
		BatchID:  q.BatchID,
		TenantID: effective,
		Events:   events,
		Decision: decision,
	}, nil
}
