package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/sdp-ingestion/services"
	"github.com/upb/sdp-ingestion/utils"
	"go.uber.org/zap"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name    string
		err     error
		status  int
		kind    string
		message string
	}{
		{name: "not found", err: services.NewNotFoundError("batch not found"), status: http.StatusNotFound, kind: "not_found", message: "batch not found"},
		{name: "validation", err: services.ErrTenantRequired, status: http.StatusBadRequest, kind: "validation_error", message: "tenant required"},
		{name: "unauthorized", err: services.ErrInvalidCredential, status: http.StatusUnauthorized, kind: "unauthorized", message: "invalid credential"},
		{name: "forbidden", err: services.ErrCrossTenantAccess, status: http.StatusForbidden, kind: "forbidden", message: "cross-tenant access"},
		{name: "not authorized for tenant", err: services.ErrTenantNotAuthorized, status: http.StatusForbidden, kind: "forbidden", message: "credential not authorized for this tenant"},
		{name: "internal hides cause", err: services.WrapInternal("failed to insert record", errors.New("pq: connection reset")), status: http.StatusInternalServerError, kind: "internal_error", message: "An internal error occurred"},
		{name: "unknown error", err: errors.New("boom"), status: http.StatusInternalServerError, kind: "internal_error", message: "An unexpected error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleServiceError(w, tt.err, logger)

			assert.Equal(t, tt.status, w.Code)
			var body utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.kind, body.Error)
			assert.Equal(t, tt.message, body.Message)
		})
	}

	t.Run("nil error writes nothing", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleServiceError(w, nil, logger)
		assert.Empty(t, w.Body.String())
	})
}

func TestHandleServiceError_RateLimitHeaders(t *testing.T) {
	now := time.Unix(1_780_000_030, 0)
	err := services.NewRateLimitError(5, 0, 1_780_000_060, now)

	w := httptest.NewRecorder()
	HandleServiceError(w, err, zap.NewNop())

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get(utils.HeaderRateLimitLimit))
	assert.Equal(t, "0", w.Header().Get(utils.HeaderRateLimitRemaining))
	assert.Equal(t, "1780000060", w.Header().Get(utils.HeaderRateLimitReset))
	assert.Equal(t, "30", w.Header().Get(utils.HeaderRetryAfter))

	var body utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "rate_limit_exceeded", body.Error)
	assert.Equal(t, float64(30), body.Details["retry_after"])
}

func TestHandleValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	HandleValidationError(w, &utils.ValidationError{Message: "Validation failed", Fields: map[string]string{"processing_type": "processing_type is required"}}, zap.NewNop())

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var body utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "processing_type is required", body.Details["processing_type"])

	w = httptest.NewRecorder()
	HandleValidationError(w, errors.New("invalid JSON body"), zap.NewNop())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
