package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
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

type harness struct {
	svc   *Service
	repos *repositories.Repositories
	audit *audit.AuditService
	clock *clock.Fake
}

func newHarness(t *testing.T, limit, maxRecords int) *harness {
	t.Helper()
	logger := zap.NewNop()
	clk := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	repos := memory.NewStore(logger).Repositories()

	limiter, err := ratelimit.NewLimiter(ratelimit.Options{Limit: limit, Window: time.Minute}, clk, logger)
	require.NoError(t, err)

	auditSvc := audit.NewAuditService(repos.AuditEvents, clk, logger, audit.Config{BufferSize: 100, WorkerCount: 1})
	require.NoError(t, auditSvc.Start())
	t.Cleanup(func() { _ = auditSvc.Stop(time.Second) })

	return &harness{
		svc:   NewService(repos, limiter, auditSvc, clk, maxRecords, logger),
		repos: repos,
		audit: auditSvc,
		clock: clk,
	}
}

var single = tenant.Resolution{Mode: tenant.ModeSingle}

func rec(key, payload string) RecordInput {
	return RecordInput{RecordKey: key, Payload: json.RawMessage(payload)}
}

func TestIngest_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, 0)

	out, err := h.svc.Ingest(ctx, IngestRequest{
		Resolution:     single,
		TenantClaim:    "tenant-a",
		ProcessingType: "risk",
		Records: []RecordInput{
			rec("k1", `{"email":"tok_1"}`),
			rec("k2", `{"email":"tok_2"}`),
			rec("k1", `{"email":"tok_1"}`),
		},
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, out.BatchID)
	assert.True(t, out.Created)
	assert.Equal(t, 2, out.Inserted)
	assert.Equal(t, 1, out.Skipped)
	assert.Equal(t, 0, out.Rejected)
	assert.Equal(t, models.BatchStatusReceived, out.Status)
	assert.Equal(t, "tenant-a", out.TenantID)

	batchID := out.BatchID
	out, err = h.svc.Ingest(ctx, IngestRequest{
		Resolution:     single,
		BatchID:        &batchID,
		TenantClaim:    "tenant-a",
		ProcessingType: "risk",
		Records:        []RecordInput{rec("k1", `{"email":"tok_1"}`)},
	})
	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.Equal(t, 0, out.Inserted)
	assert.Equal(t, 1, out.Skipped)

	count, err := h.repos.Records.CountByBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIngest_ReusesBatchAndResetsStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, 0)

	out, err := h.svc.Ingest(ctx, IngestRequest{Resolution: single, TenantClaim: "A", ProcessingType: "risk", Records: []RecordInput{rec("k1", `{}`)}})
	require.NoError(t, err)
	batchID := out.BatchID

	processed := &models.Batch{BatchID: batchID, Status: models.BatchStatusProcessed, UpdatedAt: h.clock.Now()}
	require.NoError(t, h.repos.Batches.UpdateStatus(ctx, processed))

	// stored tenant is used when the claim is omitted
	out, err = h.svc.Ingest(ctx, IngestRequest{Resolution: single, BatchID: &batchID, ProcessingType: "risk_v2", Records: []RecordInput{rec("k2", `{}`)}})
	require.NoError(t, err)
	assert.Equal(t, "A", out.TenantID)
	assert.Equal(t, 1, out.Inserted)

	batch, err := h.repos.Batches.GetByID(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusReceived, batch.Status)
	assert.Equal(t, "risk_v2", batch.ProcessingType)
}

func TestIngest_UnknownBatchIDIsCreated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, 0)
	batchID := uuid.New()

	out, err := h.svc.Ingest(ctx, IngestRequest{Resolution: single, BatchID: &batchID, TenantClaim: "A", ProcessingType: "risk"})
	require.NoError(t, err)
	assert.Equal(t, batchID, out.BatchID)
	assert.True(t, out.Created)

	batch, err := h.repos.Batches.GetByID(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, "A", batch.TenantID)
}

func TestIngest_PerRecordRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, 0)

	out, err := h.svc.Ingest(ctx, IngestRequest{
		Resolution:     single,
		TenantClaim:    "A",
		ProcessingType: "risk",
		Records: []RecordInput{
			rec("ok", `{"email":"x"}`),
			rec("  ", `{}`),
			rec(strings.Repeat("k", models.MaxRecordKeyLength+1), `{}`),
			rec("bad-json", `{"email":`),
			{RecordKey: "no-payload"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Inserted)
	assert.Equal(t, 3, out.Rejected)
	require.Len(t, out.Rejections, 3)
	assert.Equal(t, 1, out.Rejections[0].Index)
	assert.Equal(t, "record_key is required", out.Rejections[0].Reason)
	assert.Equal(t, 2, out.Rejections[1].Index)
	assert.Equal(t, 3, out.Rejections[2].Index)
	assert.Equal(t, "bad-json", out.Rejections[2].RecordKey)

	records, err := h.repos.Records.ListByBatch(ctx, out.BatchID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.JSONEq(t, `{}`, string(records[1].Payload))
}

func TestIngest_PayloadMustBeObject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, 0)

	out, err := h.svc.Ingest(ctx, IngestRequest{
		Resolution:     single,
		TenantClaim:    "A",
		ProcessingType: "risk",
		Records: []RecordInput{
			rec("object", `{"email":"tok_abc"}`),
			rec("array", `["tok"]`),
			rec("string", `"tok"`),
			rec("number", ` 42 `),
			rec("null", `null`),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Inserted)
	assert.Equal(t, 3, out.Rejected)
	for i, key := range []string{"array", "string", "number"} {
		assert.Equal(t, Rejection{Index: i + 1, RecordKey: key, Reason: "payload is not a JSON object"}, out.Rejections[i])
	}

	records, err := h.repos.Records.ListByBatch(ctx, out.BatchID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		var fields map[string]interface{}
		assert.NoError(t, json.Unmarshal(r.Payload, &fields), r.RecordKey)
		assert.NotNil(t, fields, r.RecordKey)
	}
}

func TestIngest_RawValueCheck(t *testing.T) {
	ctx := context.Background()
	records := []RecordInput{
		rec("tokenized", `{"email":"tok_1"}`),
		rec("raw", `{"contact":{"email":"jane@example.com"}}`),
	}

	t.Run("enabled", func(t *testing.T) {
		h := newHarness(t, 100, 0)
		h.svc.WithRawValueCheck(true)

		out, err := h.svc.Ingest(ctx, IngestRequest{Resolution: single, TenantClaim: "A", ProcessingType: "risk", Records: records})
		require.NoError(t, err)
		assert.Equal(t, 1, out.Inserted)
		require.Len(t, out.Rejections, 1)
		assert.Equal(t, Rejection{Index: 1, RecordKey: "raw", Reason: "payload field contact.email holds an untokenized email"}, out.Rejections[0])
		assert.NotContains(t, out.Rejections[0].Reason, "jane")
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, 100, 0)

		out, err := h.svc.Ingest(ctx, IngestRequest{Resolution: single, TenantClaim: "A", ProcessingType: "risk", Records: records})
		require.NoError(t, err)
		assert.Equal(t, 2, out.Inserted)
	})
}

func TestIngest_RequestValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, 2)

	_, err := h.svc.Ingest(ctx, IngestRequest{Resolution: single, TenantClaim: "A"})
	assert.True(t, services.IsValidationError(err), "processing type required")

	_, err = h.svc.Ingest(ctx, IngestRequest{Resolution: single, TenantClaim: "A", ProcessingType: "risk",
		Records: []RecordInput{rec("a", `{}`), rec("b", `{}`), rec("c", `{}`)}})
	assert.True(t, services.IsValidationError(err), "too many records")

	_, err = h.svc.Ingest(ctx, IngestRequest{Resolution: single, ProcessingType: "risk"})
	assert.Equal(t, services.ErrTenantRequired, err)

	_, err = h.svc.Ingest(ctx, IngestRequest{Resolution: single, TenantClaim: "A",
		ProcessingType: strings.Repeat("p", models.MaxProcessingTypeLength+1)})
	assert.True(t, services.IsValidationError(err), "processing type too long")

	longTenant := tenant.Resolution{TenantID: strings.Repeat("t", models.MaxTenantIDLength+1), Mode: tenant.ModeMapped}
	_, err = h.svc.Ingest(ctx, IngestRequest{Resolution: longTenant, TenantClaim: longTenant.TenantID, ProcessingType: "risk"})
	assert.True(t, services.IsValidationError(err), "tenant id too long")
	assert.Contains(t, err.Error(), "tenant id longer than")
}

func TestIngest_TenantRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, 0)
	mappedA := tenant.Resolution{TenantID: "A", Mode: tenant.ModeMapped}

	out, err := h.svc.Ingest(ctx, IngestRequest{Resolution: mappedA, TenantClaim: "A", ProcessingType: "risk", Records: []RecordInput{rec("k", `{}`)}})
	require.NoError(t, err)
	batchID := out.BatchID

	_, err = h.svc.Ingest(ctx, IngestRequest{Resolution: mappedA, TenantClaim: "Y", ProcessingType: "risk"})
	assert.Equal(t, services.ErrTenantNotAuthorized, err)

	_, err = h.svc.Ingest(ctx, IngestRequest{Resolution: single, BatchID: &batchID, TenantClaim: "C", ProcessingType: "risk", Records: []RecordInput{rec("x", `{}`)}})
	assert.Equal(t, services.ErrCrossTenantAccess, err)

	count, err := h.repos.Records.CountByBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "rejected calls write nothing")
}

func TestIngest_RateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2, 0)
	req := IngestRequest{Resolution: single, TenantClaim: "A", ProcessingType: "risk", Records: []RecordInput{rec("k", `{}`)}}

	out, err := h.svc.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Decision.Remaining)

	_, err = h.svc.Ingest(ctx, req)
	require.NoError(t, err)

	_, err = h.svc.Ingest(ctx, req)
	require.Error(t, err)
	assert.True(t, services.IsRateLimitError(err))

	// another tenant has its own bucket
	_, err = h.svc.Ingest(ctx, IngestRequest{Resolution: single, TenantClaim: "B", ProcessingType: "risk"})
	assert.NoError(t, err)

	h.clock.Advance(time.Minute)
	_, err = h.svc.Ingest(ctx, req)
	assert.NoError(t, err)
}

func TestIngest_ConcurrentRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1000, 0)
	batchID := uuid.New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.svc.Ingest(ctx, IngestRequest{
				Resolution: single, BatchID: &batchID, TenantClaim: "A", ProcessingType: "risk",
				Records: []RecordInput{rec("k1", `{}`), rec("k2", `{}`)},
			})
			if assert.NoError(t, err) {
				mu.Lock()
				total += out.Inserted
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, total, "each key is accepted exactly once across retries")
}

func TestIngest_Audited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100, 0)

	out, err := h.svc.Ingest(ctx, IngestRequest{Resolution: single, TenantClaim: "A", ProcessingType: "risk", Records: []RecordInput{rec("k", `{}`)}})
	require.NoError(t, err)
	require.NoError(t, h.audit.Stop(time.Second))

	events, err := h.repos.AuditEvents.ListByBatch(ctx, out.BatchID, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.AuditEventBatchIngested, events[0].EventType)
	assert.Equal(t, "A", events[0].TenantID)
	assert.JSONEq(t, `{"processing_type":"risk","created":true,"inserted":1,"skipped":0,"rejected":0}`, string(events[0].Details))
}
