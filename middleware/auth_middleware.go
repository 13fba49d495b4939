package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/upb/sdp-ingestion/services"
	"github.com/upb/sdp-ingestion/services/tenant"
	"github.com/upb/sdp-ingestion/utils"
	"go.uber.org/zap"
)

// APIKeyHeader carries the caller's API key
const APIKeyHeader = "X-API-Key"

// CredentialResolver maps a presented credential to a tenant resolution
type CredentialResolver interface {
	Resolve(ctx context.Context, credential string) (tenant.Resolution, error)
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	resolver CredentialResolver
	logger   *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(resolver CredentialResolver, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		resolver: resolver,
		logger:   logger,
	}
}

// RequireAuth rejects requests without a recognized credential and stores
// the resolution in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		credential := extractCredential(r)
		if credential == "" {
			m.logger.Warn("missing credential",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, services.ErrMissingCredential.Message)
			return
		}

		res, err := m.resolver.Resolve(ctx, credential)
		if err != nil {
			if !services.IsUnauthorizedError(err) {
				m.logger.Error("credential resolution failed",
					zap.String("request_id", requestID),
					zap.Error(err))
				_ = utils.WriteInternalServerError(w, "An internal error occurred")
				return
			}
			m.logger.Warn("credential rejected",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, services.GetErrorMessage(err))
			return
		}

		m.logger.Debug("authentication successful",
			zap.String("request_id", requestID),
			zap.String("mode", string(res.Mode)),
			zap.String("client_id", res.TenantID))

		next.ServeHTTP(w, r.WithContext(WithResolution(ctx, res)))
	})
}

// extractCredential reads the X-API-Key header, falling back to a bearer token.
// The API key takes precedence when both are present.
func extractCredential(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	return extractBearerToken(r)
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
