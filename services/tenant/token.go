package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/sdp-ingestion/internal/clock"
	"github.com/upb/sdp-ingestion/services"
)

// TokenClaims are the claims of a tenant bearer token
type TokenClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
}

// TokenResolver resolves HS256-signed bearer tokens carrying a tenant_id claim.
// Tokens resolve in mapped mode.
type TokenResolver struct {
	secret []byte
	issuer string
	clock  clock.Clock
}

// NewTokenResolver creates a token resolver. An empty issuer disables the iss check.
func NewTokenResolver(secret, issuer string, clk clock.Clock) *TokenResolver {
	if clk == nil {
		clk = clock.Real{}
	}
	return &TokenResolver{secret: []byte(secret), issuer: issuer, clock: clk}
}

// Resolve implements Resolver
func (r *TokenResolver) Resolve(ctx context.Context, credential string) (Resolution, error) {
	if strings.Count(credential, ".") != 2 {
		return Resolution{}, services.ErrInvalidCredential
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.clock.Now),
	}
	if r.issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.issuer))
	}

	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Resolution{}, services.NewUnauthorizedError("token expired")
		}
		return Resolution{}, services.ErrInvalidCredential
	}
	if !token.Valid || strings.TrimSpace(claims.TenantID) == "" {
		return Resolution{}, services.ErrInvalidCredential
	}

	return Resolution{TenantID: claims.TenantID, Mode: ModeMapped}, nil
}

// Issue signs a token for tenantID valid for ttl
func (r *TokenResolver) Issue(tenantID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", services.ErrTenantRequired
	}
	now := r.clock.Now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
