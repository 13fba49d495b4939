package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/upb/sdp-ingestion/models"
)

// Storage drivers
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for the audit trail. When nil, audit uses main DB.
	Storage       StorageConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	Processing    ProcessingConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	RequestTimeout     time.Duration
	ShutdownTimeout    time.Duration
	MaxUploadBytes     int64
	CORSAllowedOrigins []string
	TLS                struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// StorageConfig selects the batch store backend
type StorageConfig struct {
	Driver string // postgres or memory
}

// AuthConfig holds credential settings.
// APIKeys maps a raw API key to the tenant it is bound to (mapped mode);
// SharedKey, when set, is valid for any tenant (single mode).
type AuthConfig struct {
	SharedKey   string
	APIKeys     map[string]string
	APIKeysFile string
	JWTSecret   string
	JWTIssuer   string
}

// RateLimitConfig holds the fixed-window limiter settings
type RateLimitConfig struct {
	Limit          int
	Window         time.Duration
	SweepEvery     int
	SweepThreshold int
}

// ProcessingConfig holds ingestion and scoring settings
type ProcessingConfig struct {
	ModelVersion string
	ScoreField   string
	MaxRecords   int
	// RejectRawValues rejects records whose payload holds untokenized values
	RejectRawValues bool
}

// AuditConfig holds the asynchronous audit writer settings
type AuditConfig struct {
	BufferSize int
	Workers    int
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or console
}

// New creates a new Config instance by loading environment variables.
// envFiles are loaded first; without any, .env is tried.
func New(ctx context.Context, envFiles ...string) (*Config, error) {
	if err := LoadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:               getEnv("SERVER_HOST", "0.0.0.0"),
			Port:               getPort(),
			ReadTimeout:        getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:       getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			RequestTimeout:     getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
			ShutdownTimeout:    getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			MaxUploadBytes:     int64(getEnvAsInt("SERVER_MAX_UPLOAD_BYTES", 32<<20)),
			CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Storage: StorageConfig{
			Driver: strings.ToLower(getEnv("STORAGE_DRIVER", StorageDriverPostgres)),
		},
		RateLimit: RateLimitConfig{
			Limit:          getEnvAsInt("RATE_LIMIT_LIMIT", 60),
			Window:         getEnvAsSeconds("RATE_LIMIT_WINDOW", 60*time.Second),
			SweepEvery:     getEnvAsInt("RATE_LIMIT_SWEEP_EVERY", 1000),
			SweepThreshold: getEnvAsInt("RATE_LIMIT_SWEEP_THRESHOLD", 0),
		},
		Processing: ProcessingConfig{
			ModelVersion:    getEnv("MODEL_VERSION", "demo_v1"),
			ScoreField:      getEnv("SCORE_FIELD", "email"),
			MaxRecords:      getEnvAsInt("INGEST_MAX_RECORDS", 10000),
			RejectRawValues: getEnvAsBool("INGEST_REJECT_RAW_VALUES", true),
		},
		Audit: AuditConfig{
			BufferSize: getEnvAsInt("AUDIT_BUFFER_SIZE", 1000),
			Workers:    getEnvAsInt("AUDIT_WORKERS", 2),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}
	cfg.Auth = auth

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadEnvFiles loads envFiles into the process environment without
// overriding variables already set. Without any, .env is tried.
func LoadEnvFiles(envFiles ...string) error {
	if len(envFiles) == 0 {
		_ = godotenv.Load(".env")
		return nil
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverPostgres:
		// Database validation (DATABASE_URL or DB_* vars)
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	case StorageDriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("memory storage is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if !c.Auth.Configured() {
		return fmt.Errorf("no credentials configured: set API_KEY, API_KEYS, API_KEYS_FILE or AUTH_JWT_SECRET")
	}
	for _, tenant := range c.Auth.APIKeys {
		if len(tenant) > models.MaxTenantIDLength {
			return fmt.Errorf("api key tenant %q longer than %d characters", tenant, models.MaxTenantIDLength)
		}
	}

	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	if c.RateLimit.Window < time.Second {
		return fmt.Errorf("rate limit window must be at least 1s")
	}
	if c.RateLimit.SweepEvery <= 0 {
		return fmt.Errorf("rate limit sweep interval must be positive")
	}
	if c.RateLimit.SweepThreshold < 0 {
		return fmt.Errorf("rate limit sweep threshold must not be negative")
	}

	if c.Processing.MaxRecords <= 0 {
		return fmt.Errorf("ingest max records must be positive")
	}
	if c.Processing.ModelVersion == "" {
		return fmt.Errorf("model version is required")
	}
	if len(c.Processing.ModelVersion) > models.MaxModelVersionLength {
		return fmt.Errorf("model version longer than %d characters", models.MaxModelVersionLength)
	}

	if c.Audit.BufferSize <= 0 || c.Audit.Workers <= 0 {
		return fmt.Errorf("audit buffer size and workers must be positive")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// Configured reports whether at least one credential source is set
func (a *AuthConfig) Configured() bool {
	return a.SharedKey != "" || len(a.APIKeys) > 0 || a.JWTSecret != ""
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "sdp"),
		Password:        getEnv("DB_PASSWORD", "sdp_password"),
		Database:        getEnv("DB_NAME", "sdp"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (audit uses main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadAuthConfig merges API_KEYS and API_KEYS_FILE into one key→tenant map
func loadAuthConfig() (AuthConfig, error) {
	auth := AuthConfig{
		SharedKey:   getEnv("API_KEY", ""),
		APIKeysFile: getEnv("API_KEYS_FILE", ""),
		JWTSecret:   getEnv("AUTH_JWT_SECRET", ""),
		JWTIssuer:   getEnv("AUTH_JWT_ISSUER", ""),
	}

	keys, err := ParseAPIKeys(getEnv("API_KEYS", ""))
	if err != nil {
		return auth, err
	}

	if auth.APIKeysFile != "" {
		fileKeys, err := LoadAPIKeysFile(auth.APIKeysFile)
		if err != nil {
			return auth, err
		}
		for k, tenant := range fileKeys {
			if err := addKey(keys, k, tenant); err != nil {
				return auth, err
			}
		}
	}

	auth.APIKeys = keys
	return auth, nil
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8000)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8000
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsSeconds accepts a Go duration ("90s") or a bare number of seconds ("90")
func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(n) * time.Second
	}
	return getEnvAsDuration(key, defaultValue)
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
