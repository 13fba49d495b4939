package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/sdp-ingestion/services"
	"github.com/upb/sdp-ingestion/services/tenant"
	"go.uber.org/zap"
)

// MockCredentialResolver is a mock implementation of CredentialResolver
type MockCredentialResolver struct {
	mock.Mock
}

func (m *MockCredentialResolver) Resolve(ctx context.Context, credential string) (tenant.Resolution, error) {
	args := m.Called(ctx, credential)
	return args.Get(0).(tenant.Resolution), args.Error(1)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()
	mapped := tenant.Resolution{TenantID: "tenant-a", Mode: tenant.ModeMapped}

	t.Run("API key header resolves and stores the resolution", func(t *testing.T) {
		resolver := new(MockCredentialResolver)
		resolver.On("Resolve", mock.Anything, "key-a").Return(mapped, nil)
		m := NewAuthMiddleware(resolver, logger)

		handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := GetResolutionFromContext(r.Context())
			assert.True(t, ok)
			assert.Equal(t, mapped, res)
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(APIKeyHeader, "key-a")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		resolver.AssertExpectations(t)
	})

	t.Run("bearer token is used without an API key", func(t *testing.T) {
		resolver := new(MockCredentialResolver)
		resolver.On("Resolve", mock.Anything, "jwt-token").Return(mapped, nil)
		m := NewAuthMiddleware(resolver, logger)

		handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer jwt-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		resolver.AssertExpectations(t)
	})

	t.Run("API key wins over bearer token", func(t *testing.T) {
		resolver := new(MockCredentialResolver)
		resolver.On("Resolve", mock.Anything, "key-a").Return(mapped, nil)
		m := NewAuthMiddleware(resolver, logger)

		handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(APIKeyHeader, "key-a")
		req.Header.Set("Authorization", "Bearer jwt-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		resolver.AssertNotCalled(t, "Resolve", mock.Anything, "jwt-token")
	})

	t.Run("missing credential is 401", func(t *testing.T) {
		resolver := new(MockCredentialResolver)
		m := NewAuthMiddleware(resolver, logger)

		handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, "unauthorized", body["error"])
		assert.Equal(t, "missing credential", body["message"])
		resolver.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything)
	})

	t.Run("unknown credential is 401", func(t *testing.T) {
		resolver := new(MockCredentialResolver)
		resolver.On("Resolve", mock.Anything, "bogus").Return(tenant.Resolution{}, services.ErrInvalidCredential)
		m := NewAuthMiddleware(resolver, logger)

		handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(APIKeyHeader, "bogus")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "invalid credential", decodeError(t, w)["message"])
	})

	t.Run("resolver failure is 500", func(t *testing.T) {
		resolver := new(MockCredentialResolver)
		resolver.On("Resolve", mock.Anything, "key").Return(tenant.Resolution{}, services.WrapInternal("lookup failed", errors.New("boom")))
		m := NewAuthMiddleware(resolver, logger)

		handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called")
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set(APIKeyHeader, "key")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestRequireAuth_WithAuthorizer(t *testing.T) {
	authorizer := tenant.NewAuthorizer(zap.NewNop(),
		tenant.NewKeyMapResolver(map[string]string{"key-a": "A"}),
		tenant.NewSharedKeyResolver("shared"),
	)
	m := NewAuthMiddleware(authorizer, zap.NewNop())

	var got tenant.Resolution
	handler := m.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = GetResolutionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		key    string
		status int
		want   tenant.Resolution
	}{
		{key: "key-a", status: http.StatusNoContent, want: tenant.Resolution{TenantID: "A", Mode: tenant.ModeMapped}},
		{key: "shared", status: http.StatusNoContent, want: tenant.Resolution{Mode: tenant.ModeSingle}},
		{key: "other", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got = tenant.Resolution{}
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set(APIKeyHeader, tt.key)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{header: "Bearer abc", want: "abc"},
		{header: "bearer  abc ", want: "abc"},
		{header: "Basic abc", want: ""},
		{header: "Bearer", want: ""},
		{header: "", want: ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, extractBearerToken(req), tt.header)
	}
}
