package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/sdp-ingestion/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ObservabilityConfig
		wantErr bool
		level   zapcore.Level
	}{
		{name: "json info", cfg: config.ObservabilityConfig{LogLevel: "info", LogFormat: "json"}, level: zapcore.InfoLevel},
		{name: "console debug", cfg: config.ObservabilityConfig{LogLevel: "DEBUG", LogFormat: "console"}, level: zapcore.DebugLevel},
		{name: "text alias", cfg: config.ObservabilityConfig{LogLevel: "warn", LogFormat: "text"}, level: zapcore.WarnLevel},
		{name: "bad level", cfg: config.ObservabilityConfig{LogLevel: "loud", LogFormat: "json"}, wantErr: true},
		{name: "bad format", cfg: config.ObservabilityConfig{LogLevel: "info", LogFormat: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.level))
			assert.False(t, logger.Core().Enabled(tt.level-1))
		})
	}
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	FromContext(context.Background(), base).Info("plain")
	FromContext(WithRequestID(context.Background(), "req-42"), base).Info("tagged")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].ContextMap())
	assert.Equal(t, "req-42", entries[1].ContextMap()["request_id"])
	assert.Equal(t, "req-42", RequestID(WithRequestID(context.Background(), "req-42")))
}
