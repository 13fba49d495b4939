package handlers

import (
	"net/http"

	"github.com/upb/sdp-ingestion/services/tenant"
)

// Tenant claim headers
const (
	ClientIDHeader = "X-Client-ID"
	TenantIDHeader = "X-Tenant-ID"
)

// tenantClaim merges the tenant claims a request carries. bodyClaims come
// first, then the client_id/tenant_id query parameters, then the headers.
// The first non-empty claim wins; two different claims are rejected.
func tenantClaim(r *http.Request, bodyClaims ...string) (string, error) {
	q := r.URL.Query()
	claims := append(bodyClaims,
		q.Get("client_id"),
		q.Get("tenant_id"),
		r.Header.Get(ClientIDHeader),
		r.Header.Get(TenantIDHeader),
	)
	return tenant.MergeClaims(claims...)
}
