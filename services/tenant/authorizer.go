package tenant

import (
	"context"
	"fmt"
	"strings"

	"github.com/upb/sdp-ingestion/config"
	"github.com/upb/sdp-ingestion/internal/clock"
	"github.com/upb/sdp-ingestion/models"
	"github.com/upb/sdp-ingestion/services"
	"go.uber.org/zap"
)

// Authorizer tries its resolvers in order: mapped keys, tokens, shared key.
// With no resolvers every credential is invalid.
type Authorizer struct {
	resolvers []Resolver
	logger    *zap.Logger
}

// NewAuthorizer creates an authorizer over resolvers, tried in the given order
func NewAuthorizer(logger *zap.Logger, resolvers ...Resolver) *Authorizer {
	return &Authorizer{resolvers: resolvers, logger: logger}
}

// NewAuthorizerFromConfig builds the resolver chain from the auth settings
func NewAuthorizerFromConfig(cfg config.AuthConfig, clk clock.Clock, logger *zap.Logger) *Authorizer {
	var resolvers []Resolver
	if len(cfg.APIKeys) > 0 {
		resolvers = append(resolvers, NewKeyMapResolver(cfg.APIKeys))
	}
	if cfg.JWTSecret != "" {
		resolvers = append(resolvers, NewTokenResolver(cfg.JWTSecret, cfg.JWTIssuer, clk))
	}
	if cfg.SharedKey != "" {
		resolvers = append(resolvers, NewSharedKeyResolver(cfg.SharedKey))
	}

	logger.Info("tenant authorizer configured",
		zap.Int("mapped_keys", len(cfg.APIKeys)),
		zap.Bool("tokens", cfg.JWTSecret != ""),
		zap.Bool("shared_key", cfg.SharedKey != ""))

	return NewAuthorizer(logger, resolvers...)
}

// Resolve implements Resolver. The first resolver that recognizes the credential wins.
func (a *Authorizer) Resolve(ctx context.Context, credential string) (Resolution, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Resolution{}, services.ErrMissingCredential
	}

	var lastErr error = services.ErrInvalidCredential
	for _, r := range a.resolvers {
		res, err := r.Resolve(ctx, credential)
		if err == nil {
			return res, nil
		}
		if !services.IsUnauthorizedError(err) {
			a.logger.Error("credential resolver failed", zap.Error(err))
			return Resolution{}, services.WrapInternal("credential resolution failed", err)
		}
		// keep the most specific rejection (e.g. expired token)
		if err != services.ErrInvalidCredential {
			lastErr = err
		}
	}
	return Resolution{}, lastErr
}

// EnforceTenant decides the tenant a request acts for.
// The requested claim wins over the stored tenant; with neither the
// request is invalid. A mapped credential may only act for its own
// tenant, and no credential may act on a batch owned by another tenant.
func EnforceTenant(res Resolution, requested, stored string) (string, error) {
	requested = strings.TrimSpace(requested)
	effective := requested
	if effective == "" {
		effective = stored
	}
	if effective == "" {
		return "", services.ErrTenantRequired
	}

	if res.Mapped() && res.TenantID != effective {
		return "", services.ErrTenantNotAuthorized
	}

	if stored != "" && effective != stored {
		return "", services.ErrCrossTenantAccess
	}

	return effective, nil
}

// MergeClaims returns the first non-empty tenant claim. Two different
// non-empty claims make the request ambiguous, and a claim longer than a
// tenant id can be is rejected.
func MergeClaims(claims ...string) (string, error) {
	var chosen string
	for _, c := range claims {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if len(c) > models.MaxTenantIDLength {
			return "", services.NewValidationError(fmt.Sprintf("tenant claim longer than %d characters", models.MaxTenantIDLength))
		}
		if chosen == "" {
			chosen = c
			continue
		}
		if c != chosen {
			return "", services.NewValidationError("conflicting tenant claims").
				WithDetail("claims", []string{chosen, c})
		}
	}
	return chosen, nil
}
