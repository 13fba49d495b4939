package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/upb/sdp-ingestion/config"
	"github.com/upb/sdp-ingestion/internal/clock"
	"github.com/upb/sdp-ingestion/internal/observability"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/repositories"
	"go.uber.org/zap"
)

// ErrBufferFull is returned when an event is dropped because the queue is full
var ErrBufferFull = errors.New("audit event buffer full")

// ErrNotRunning is returned when an event is dropped because the service is not running
var ErrNotRunning = errors.New("audit service not running")

// AuditService writes batch audit events asynchronously.
// Enqueueing never blocks; a full buffer or a stopped service drops the
// event with a warning and the caller's operation is unaffected.
type AuditService struct {
	auditRepo   repositories.AuditRepository
	clock       clock.Clock
	logger      *zap.Logger
	eventChan   chan *models.AuditEvent
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  1000,
		WorkerCount: 2,
	}
}

// ConfigFrom maps the audit settings to Config
func ConfigFrom(cfg config.AuditConfig) Config {
	return Config{BufferSize: cfg.BufferSize, WorkerCount: cfg.Workers}
}

// NewAuditService creates a new AuditService instance
func NewAuditService(auditRepo repositories.AuditRepository, clk clock.Clock, logger *zap.Logger, cfg Config) *AuditService {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if clk == nil {
		clk = clock.Real{}
	}

	return &AuditService{
		auditRepo:   auditRepo,
		clock:       clk,
		logger:      logger,
		eventChan:   make(chan *models.AuditEvent, cfg.BufferSize),
		workerCount: cfg.WorkerCount,
		bufferSize:  cfg.BufferSize,
	}
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop stops accepting events and waits up to timeout for queued events to be written
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("audit service not running")
	}
	s.stopped = true
	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.eventChan)))
	close(s.eventChan)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully",
			zap.Uint64("written", s.written.Load()),
			zap.Uint64("dropped", s.dropped.Load()))
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// LogEvent queues an event (non-blocking)
func (s *AuditService) LogEvent(event *models.AuditEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.stopped {
		s.dropped.Add(1)
		s.logger.Warn("audit service not running, dropping event",
			zap.String("event_type", string(event.EventType)),
			zap.String("batch_id", event.BatchID.String()))
		return ErrNotRunning
	}

	select {
	case s.eventChan <- event:
		return nil
	default:
		s.dropped.Add(1)
		s.logger.Warn("audit event channel full, dropping event",
			zap.String("event_type", string(event.EventType)),
			zap.String("batch_id", event.BatchID.String()),
			zap.String("client_id", event.TenantID))
		return ErrBufferFull
	}
}

// Record builds an event stamped with the service clock and the request ID
// carried by ctx, and queues it. Failures are logged, never returned.
func (s *AuditService) Record(ctx context.Context, batchID uuid.UUID, tenantID string, eventType models.AuditEventType, details interface{}) {
	event := models.NewAuditEvent(batchID, tenantID, eventType, s.clock.Now()).
		WithRequest(observability.RequestID(ctx))
	if details != nil {
		event.WithDetails(details)
	}
	_ = s.LogEvent(event)
}

// ListByBatch reads a batch's trail newest first
func (s *AuditService) ListByBatch(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error) {
	events, err := s.auditRepo.ListByBatch(ctx, batchID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return events, nil
}

// worker processes events from the channel
func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for event := range s.eventChan {
		if err := s.processEvent(event); err != nil {
			s.failed.Add(1)
			s.logger.Error("failed to process audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
				zap.String("batch_id", event.BatchID.String()))
			continue
		}
		s.written.Add(1)
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

// processEvent processes a single audit event
func (s *AuditService) processEvent(event *models.AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.auditRepo.Insert(ctx, event); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return nil
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
		Written:       s.written.Load(),
		Dropped:       s.dropped.Load(),
		Failed:        s.failed.Load(),
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
	Written       uint64
	Dropped       uint64
	Failed        uint64
}

// HealthCheck reports ErrNotRunning unless the workers are accepting events
func (s *AuditService) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.stopped {
		return ErrNotRunning
	}
	return ctx.Err()
}
