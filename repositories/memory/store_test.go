package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/repositories"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBatchRepository(t *testing.T) {
	ctx := context.Background()
	repos := NewStore(zap.NewNop()).Repositories()
	batch := models.NewBatch(uuid.New(), "tenant-a", "risk", testNow)

	created, err := repos.Batches.CreateIfAbsent(ctx, batch)
	require.NoError(t, err)
	assert.True(t, created)

	again := models.NewBatch(batch.BatchID, "tenant-b", "other", testNow)
	created, err = repos.Batches.CreateIfAbsent(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := repos.Batches.GetByID(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", got.TenantID, "tenant is fixed by the first creator")

	got.Status = models.BatchStatusProcessed
	require.NoError(t, repos.Batches.UpdateStatus(ctx, got))

	stored, err := repos.Batches.GetByID(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.True(t, stored.IsProcessed())

	stored.ProcessingType = "risk_v2"
	require.NoError(t, repos.Batches.MarkReceived(ctx, stored))
	stored, err = repos.Batches.GetByID(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusReceived, stored.Status)
	assert.Equal(t, "risk_v2", stored.ProcessingType)

	_, err = repos.Batches.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.ErrorIs(t, repos.Batches.UpdateStatus(ctx, models.NewBatch(uuid.New(), "t", "p", testNow)), repositories.ErrNotFound)
}

func TestRecordRepository_Uniqueness(t *testing.T) {
	ctx := context.Background()
	repos := NewStore(zap.NewNop()).Repositories()
	batchID := uuid.New()

	inserted, err := repos.Records.InsertIfAbsent(ctx, models.NewRecord(batchID, "k1", []byte(`{"a":1}`), testNow))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repos.Records.InsertIfAbsent(ctx, models.NewRecord(batchID, "k1", []byte(`{"a":2}`), testNow))
	require.NoError(t, err)
	assert.False(t, inserted)

	inserted, err = repos.Records.InsertIfAbsent(ctx, models.NewRecord(uuid.New(), "k1", []byte(`{}`), testNow))
	require.NoError(t, err)
	assert.True(t, inserted, "keys are unique per batch only")

	records, err := repos.Records.ListByBatch(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"a":1}`, string(records[0].Payload))

	count, err := repos.Records.CountByBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecordRepository_ConcurrentInsert(t *testing.T) {
	ctx := context.Background()
	repos := NewStore(zap.NewNop()).Repositories()
	batchID := uuid.New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repos.Records.InsertIfAbsent(ctx, models.NewRecord(batchID, "same", []byte(`{}`), testNow))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
}

func TestResultRepository(t *testing.T) {
	ctx := context.Background()
	repos := NewStore(zap.NewNop()).Repositories()
	batchID := uuid.New()

	inserted, err := repos.Results.InsertIfAbsent(ctx, models.NewResult(batchID, "k1", "5", "demo_v1", testNow))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repos.Results.InsertIfAbsent(ctx, models.NewResult(batchID, "k1", "9", "demo_v2", testNow))
	require.NoError(t, err)
	assert.False(t, inserted)

	results, err := repos.Results.ListByBatch(ctx, batchID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "5", results[0].RiskScore, "existing results are never overwritten")

	n, err := repos.Results.DeleteByBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	results, err = repos.Results.ListByBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAuditRepository_ListByBatch(t *testing.T) {
	ctx := context.Background()
	repos := NewStore(zap.NewNop()).Repositories()
	batchID := uuid.New()

	for i := 0; i < 5; i++ {
		ev := models.NewAuditEvent(batchID, "tenant-a", models.AuditEventBatchIngested, testNow.Add(time.Duration(i)*time.Second))
		require.NoError(t, repos.AuditEvents.Insert(ctx, ev))
	}
	require.NoError(t, repos.AuditEvents.Insert(ctx, models.NewAuditEvent(uuid.New(), "tenant-b", models.AuditEventBatchIngested, testNow)))

	events, err := repos.AuditEvents.ListByBatch(ctx, batchID, 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, testNow.Add(4*time.Second), events[0].CreatedAt)
	assert.Equal(t, testNow.Add(3*time.Second), events[1].CreatedAt)

	events, err = repos.AuditEvents.ListByBatch(ctx, batchID, 10, 4)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, testNow, events[0].CreatedAt)

	events, err = repos.AuditEvents.ListByBatch(ctx, batchID, 10, 50)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTxManager(t *testing.T) {
	ctx := context.Background()

	t.Run("rollback restores tables", func(t *testing.T) {
		repos := NewStore(zap.NewNop()).Repositories()
		batch := models.NewBatch(uuid.New(), "tenant-a", "risk", testNow)
		_, err := repos.Batches.CreateIfAbsent(ctx, batch)
		require.NoError(t, err)

		boom := errors.New("boom")
		err = repos.TxManager.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
			_, err := repos.Records.InsertIfAbsent(ctx, models.NewRecord(batch.BatchID, "k1", []byte(`{}`), testNow))
			require.NoError(t, err)
			b := *batch
			b.Status = models.BatchStatusProcessed
			require.NoError(t, repos.Batches.UpdateStatus(ctx, &b))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		count, err := repos.Records.CountByBatch(ctx, batch.BatchID)
		require.NoError(t, err)
		assert.Zero(t, count)

		stored, err := repos.Batches.GetByID(ctx, batch.BatchID)
		require.NoError(t, err)
		assert.Equal(t, models.BatchStatusReceived, stored.Status)
	})

	t.Run("rollback undoes only its own writes", func(t *testing.T) {
		repos := NewStore(zap.NewNop()).Repositories()
		batch := models.NewBatch(uuid.New(), "tenant-a", "risk", testNow)
		_, err := repos.Batches.CreateIfAbsent(ctx, batch)
		require.NoError(t, err)
		_, err = repos.Results.InsertIfAbsent(ctx, models.NewResult(batch.BatchID, "k0", "1", "demo_v1", testNow))
		require.NoError(t, err)

		tx, err := repos.TxManager.Begin(ctx)
		require.NoError(t, err)
		_, err = repos.Records.InsertIfAbsent(tx.Context(), models.NewRecord(batch.BatchID, "k1", []byte(`{}`), testNow))
		require.NoError(t, err)
		deleted, err := repos.Results.DeleteByBatch(tx.Context(), batch.BatchID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		// written outside the transaction while it is open
		_, err = repos.Records.InsertIfAbsent(ctx, models.NewRecord(batch.BatchID, "k2", []byte(`{}`), testNow))
		require.NoError(t, err)

		require.NoError(t, tx.Rollback())
		require.NoError(t, tx.Rollback(), "second rollback is a no-op")

		records, err := repos.Records.ListByBatch(ctx, batch.BatchID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "k2", records[0].RecordKey)

		results, err := repos.Results.ListByBatch(ctx, batch.BatchID)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "k0", results[0].RecordKey)
	})

	t.Run("rollback removes a batch created inside", func(t *testing.T) {
		repos := NewStore(zap.NewNop()).Repositories()
		batch := models.NewBatch(uuid.New(), "tenant-a", "risk", testNow)

		err := repos.TxManager.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
			_, err := repos.Batches.CreateIfAbsent(ctx, batch)
			require.NoError(t, err)
			_, err = repos.Records.InsertIfAbsent(ctx, models.NewRecord(batch.BatchID, "k1", []byte(`{}`), testNow))
			require.NoError(t, err)
			return errors.New("boom")
		})
		require.Error(t, err)

		_, err = repos.Batches.GetByID(ctx, batch.BatchID)
		assert.ErrorIs(t, err, repositories.ErrNotFound)
		count, err := repos.Records.CountByBatch(ctx, batch.BatchID)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("commit keeps writes and nested calls join", func(t *testing.T) {
		repos := NewStore(zap.NewNop()).Repositories()
		batchID := uuid.New()

		err := repos.TxManager.InTransaction(ctx, func(ctx context.Context, outer repositories.Transaction) error {
			return repos.TxManager.InTransaction(ctx, func(ctx context.Context, inner repositories.Transaction) error {
				assert.Same(t, outer, inner)
				_, err := repos.Results.InsertIfAbsent(ctx, models.NewResult(batchID, "k1", "1", "demo_v1", testNow))
				return err
			})
		})
		require.NoError(t, err)

		results, err := repos.Results.ListByBatch(ctx, batchID)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})
}
