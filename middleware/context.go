package middleware

import (
	"context"

	"github.com/upb/sdp-ingestion/internal/observability"
	"github.com/upb/sdp-ingestion/services/tenant"
)

// Context key type to avoid collisions
type contextKey string

const (
	// ResolutionKey is the context key for the caller's resolved credential
	ResolutionKey contextKey = "resolution"
)

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	return observability.RequestID(ctx)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return observability.WithRequestID(ctx, requestID)
}

// GetResolutionFromContext retrieves the credential resolution from context.
// ok is false when the request was not authenticated.
func GetResolutionFromContext(ctx context.Context) (tenant.Resolution, bool) {
	res, ok := ctx.Value(ResolutionKey).(tenant.Resolution)
	return res, ok
}

// WithResolution adds the credential resolution to the context
func WithResolution(ctx context.Context, res tenant.Resolution) context.Context {
	return context.WithValue(ctx, ResolutionKey, res)
}
