package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/upb/sdp-ingestion/config"
	"go.uber.org/zap"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation
const uniqueViolation = "23505"

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// WrapDB wraps an already opened pool (tests, sqlmock)
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// batchSchema holds the batch tables. The two UNIQUE (batch_id, record_key)
// constraints are what make ingestion and processing safe to retry.
const batchSchema = `
	CREATE TABLE IF NOT EXISTS processing_batches (
		batch_id UUID PRIMARY KEY,
		client_id VARCHAR(100) NOT NULL,
		processing_type VARCHAR(100) NOT NULL,
		status VARCHAR(50) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tokenized_records (
		id UUID PRIMARY KEY,
		batch_id UUID NOT NULL REFERENCES processing_batches(batch_id) ON DELETE CASCADE,
		record_key VARCHAR(255) NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT uq_tokenized_batch_recordkey UNIQUE (batch_id, record_key)
	);

	CREATE TABLE IF NOT EXISTS processed_results (
		id UUID PRIMARY KEY,
		batch_id UUID NOT NULL REFERENCES processing_batches(batch_id) ON DELETE CASCADE,
		record_key VARCHAR(255) NOT NULL,
		risk_score VARCHAR(50) NOT NULL,
		model_version VARCHAR(50) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT uq_results_batch_recordkey UNIQUE (batch_id, record_key)
	);

	CREATE INDEX IF NOT EXISTS idx_processing_batches_client_id ON processing_batches(client_id);
	CREATE INDEX IF NOT EXISTS idx_tokenized_records_batch_id ON tokenized_records(batch_id);
	CREATE INDEX IF NOT EXISTS idx_processed_results_batch_id ON processed_results(batch_id);
`

// auditSchema is shared by the main and the standalone audit database.
// The batch foreign key is added separately when both live together.
const auditSchema = `
	CREATE TABLE IF NOT EXISTS batch_audit_events (
		id UUID PRIMARY KEY,
		batch_id UUID NOT NULL,
		client_id VARCHAR(100) NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		details JSONB,
		request_id VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_batch_audit_events_batch_id ON batch_audit_events(batch_id);
	CREATE INDEX IF NOT EXISTS idx_batch_audit_events_client_id ON batch_audit_events(client_id);
	CREATE INDEX IF NOT EXISTS idx_batch_audit_events_created_at ON batch_audit_events(created_at);
`

// InitSchema initializes the batch tables and, unless the audit trail lives
// in its own database, the audit table.
func (db *DB) InitSchema(ctx context.Context, withAudit bool) error {
	if _, err := db.ExecContext(ctx, batchSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if withAudit {
		if err := db.InitAuditSchema(ctx); err != nil {
			return err
		}
	}

	db.logger.Info("database schema initialized successfully", zap.Bool("with_audit", withAudit))
	return nil
}

// InitAuditSchema initializes the audit table only (no FK to batches).
// Use for the separate audit database when DATABASE_URL_AUDIT is set.
func (db *DB) InitAuditSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	db.logger.Info("audit schema initialized successfully")
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}
