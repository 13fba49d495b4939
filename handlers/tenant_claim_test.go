package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/sdp-ingestion/services"
)

func TestTenantClaim(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		headers map[string]string
		body    []string
		want    string
		wantErr bool
	}{
		{name: "no claim", target: "/"},
		{name: "body claim", target: "/", body: []string{"A", ""}, want: "A"},
		{name: "query client_id", target: "/?client_id=A", want: "A"},
		{name: "query tenant_id", target: "/?tenant_id=A", want: "A"},
		{name: "header", target: "/", headers: map[string]string{TenantIDHeader: "A"}, want: "A"},
		{name: "agreeing claims", target: "/?client_id=A", headers: map[string]string{ClientIDHeader: " A "}, body: []string{"A"}, want: "A"},
		{name: "body and query disagree", target: "/?client_id=B", body: []string{"A"}, wantErr: true},
		{name: "headers disagree", target: "/", headers: map[string]string{ClientIDHeader: "A", TenantIDHeader: "B"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			got, err := tenantClaim(req, tt.body...)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, services.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
