package results

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/sdp-ingestion/internal/clock"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/repositories"
	"github.com/upb/sdp-ingestion/repositories/memory"
	"github.com/upb/sdp-ingestion/services"
	"github.com/upb/sdp-ingestion/services/audit"
	"github.com/upb/sdp-ingestion/services/ratelimit"
	"github.com/upb/sdp-ingestion/services/tenant"
	"go.uber.org/zap"
)

var single = tenant.Resolution{Mode: tenant.ModeSingle}

type harness struct {
	svc   *Service
	repos *repositories.Repositories
	audit *audit.AuditService
	clock *clock.Fake
}

func newHarness(t *testing.T, limit int) *harness {
	t.Helper()
	logger := zap.NewNop()
	clk := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	repos := memory.NewStore(logger).Repositories()

	limiter, err := ratelimit.NewLimiter(ratelimit.Options{Limit: limit, Window: time.Minute}, clk, logger)
	require.NoError(t, err)

	auditSvc := audit.NewAuditService(repos.AuditEvents, clk, logger, audit.Config{BufferSize: 100, WorkerCount: 1})
	require.NoError(t, auditSvc.Start())
	t.Cleanup(func() { _ = auditSvc.Stop(time.Second) })

	return &harness{svc: NewService(repos, limiter, auditSvc, logger), repos: repos, audit: auditSvc, clock: clk}
}

func (h *harness) seed(t *testing.T, tenantID string, scores map[string]string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	batch := models.NewBatch(uuid.Nil, tenantID, "risk", h.clock.Now())
	_, err := h.repos.Batches.CreateIfAbsent(ctx, batch)
	require.NoError(t, err)
	for key, score := range scores {
		_, err := h.repos.Results.InsertIfAbsent(ctx, models.NewResult(batch.BatchID, key, score, "demo_v1", h.clock.Now()))
		require.NoError(t, err)
	}
	return batch.BatchID
}

func TestGetResults(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	batchID := h.seed(t, "A", map[string]string{"customer_2": "6", "customer_1": "5"})

	out, err := h.svc.GetResults(ctx, Query{Resolution: single, BatchID: batchID, TenantClaim: "A"})
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusReceived, out.Status)
	assert.Equal(t, "A", out.TenantID)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "customer_1", out.Results[0].RecordKey)
	assert.Equal(t, "5", out.Results[0].RiskScore)
	assert.Equal(t, "demo_v1", out.Results[0].ModelVersion)
	assert.Equal(t, 99, out.Decision.Remaining)
}

func TestGetResults_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	batchID := h.seed(t, "A", map[string]string{"k": "1"})

	_, err := h.svc.GetResults(ctx, Query{Resolution: single, BatchID: uuid.New(), TenantClaim: "A"})
	assert.True(t, services.IsNotFoundError(err))

	_, err = h.svc.GetResults(ctx, Query{Resolution: single, BatchID: batchID, TenantClaim: "C"})
	assert.Equal(t, services.ErrCrossTenantAccess, err)

	_, err = h.svc.GetResults(ctx, Query{Resolution: tenant.Resolution{TenantID: "X", Mode: tenant.ModeMapped}, BatchID: batchID})
	assert.Equal(t, services.ErrTenantNotAuthorized, err)

	// the stored tenant is enough in single mode
	_, err = h.svc.GetResults(ctx, Query{Resolution: single, BatchID: batchID})
	assert.NoError(t, err)
}

func TestGetResults_RateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	batchID := h.seed(t, "A", nil)
	q := Query{Resolution: single, BatchID: batchID, TenantClaim: "A"}

	_, err := h.svc.GetResults(ctx, q)
	require.NoError(t, err)
	_, err = h.svc.GetResults(ctx, q)
	assert.True(t, services.IsRateLimitError(err))

	// audit trail reads are budgeted separately
	_, err = h.svc.GetAuditTrail(ctx, AuditQuery{Query: q})
	assert.NoError(t, err)
}

func TestGetAuditTrail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	batchID := h.seed(t, "A", map[string]string{"k": "1"})

	_, err := h.svc.GetResults(ctx, Query{Resolution: single, BatchID: batchID, TenantClaim: "A"})
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.svc.GetResults(ctx, Query{Resolution: single, BatchID: batchID, TenantClaim: "A"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.audit.GetStats().Written == 2 }, time.Second, 5*time.Millisecond)

	trail, err := h.svc.GetAuditTrail(ctx, AuditQuery{Query: Query{Resolution: single, BatchID: batchID, TenantClaim: "A"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, trail.Events, 1)
	assert.Equal(t, models.AuditEventResultsFetched, trail.Events[0].EventType)
	assert.Equal(t, h.clock.Now(), trail.Events[0].CreatedAt)

	_, err = h.svc.GetAuditTrail(ctx, AuditQuery{Query: Query{Resolution: single, BatchID: batchID}, Offset: -1})
	assert.True(t, services.IsValidationError(err))

	_, err = h.svc.GetAuditTrail(ctx, AuditQuery{Query: Query{Resolution: single, BatchID: batchID, TenantClaim: "C"}})
	assert.Equal(t, services.ErrCrossTenantAccess, err)

	require.NoError(t, h.audit.Stop(time.Second))
	events, err := h.repos.AuditEvents.ListByBatch(ctx, batchID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, models.AuditEventAuditViewed, events[0].EventType)
}
