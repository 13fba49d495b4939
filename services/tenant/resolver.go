// Package tenant resolves credentials to tenants and enforces that a
// request only ever touches batches owned by its tenant.
package tenant

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/upb/sdp-ingestion/services"
	"github.com/zeebo/blake3"
)

// Mode says how a credential relates to tenants
type Mode string

const (
	// ModeMapped credentials are bound to exactly one tenant
	ModeMapped Mode = "mapped"
	// ModeSingle credentials are valid for any tenant
	ModeSingle Mode = "single"
)

// Resolution is the outcome of resolving a credential.
// TenantID is empty in single mode.
type Resolution struct {
	TenantID string
	Mode     Mode
}

// Mapped reports whether the credential is bound to a tenant
func (r Resolution) Mapped() bool {
	return r.Mode == ModeMapped
}

// Resolver maps a credential to a Resolution.
// Unrecognized credentials yield services.ErrInvalidCredential.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (Resolution, error)
}

// digest is a keyed BLAKE3 hash of a credential
type digest [32]byte

// credentialDomain keys the credential hash so digests are not plain BLAKE3 of the key
var credentialDomain = blake3.Sum256([]byte("sdp-ingestion credential digest v1"))

func digestOf(credential string) digest {
	hasher, err := blake3.NewKeyed(credentialDomain[:])
	if err != nil {
		panic("tenant: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write([]byte(credential))
	var d digest
	copy(d[:], hasher.Sum(nil))
	return d
}

// KeyMapResolver resolves API keys bound 1:1 to tenants. Only digests of
// the keys are kept.
type KeyMapResolver struct {
	keys map[digest]string
}

// NewKeyMapResolver builds a resolver from a raw key → tenant map
func NewKeyMapResolver(keys map[string]string) *KeyMapResolver {
	r := &KeyMapResolver{keys: make(map[digest]string, len(keys))}
	for k, tenant := range keys {
		k, tenant = strings.TrimSpace(k), strings.TrimSpace(tenant)
		if k == "" || tenant == "" {
			continue
		}
		r.keys[digestOf(k)] = tenant
	}
	return r
}

// Len returns the number of configured keys
func (r *KeyMapResolver) Len() int {
	return len(r.keys)
}

// Resolve implements Resolver
func (r *KeyMapResolver) Resolve(ctx context.Context, credential string) (Resolution, error) {
	tenant, ok := r.keys[digestOf(credential)]
	if !ok {
		return Resolution{}, services.ErrInvalidCredential
	}
	return Resolution{TenantID: tenant, Mode: ModeMapped}, nil
}

// SharedKeyResolver accepts one shared key for any tenant
type SharedKeyResolver struct {
	key digest
}

// NewSharedKeyResolver creates a single-mode resolver
func NewSharedKeyResolver(key string) *SharedKeyResolver {
	return &SharedKeyResolver{key: digestOf(key)}
}

// Resolve implements Resolver
func (r *SharedKeyResolver) Resolve(ctx context.Context, credential string) (Resolution, error) {
	d := digestOf(credential)
	if subtle.ConstantTimeCompare(d[:], r.key[:]) != 1 {
		return Resolution{}, services.ErrInvalidCredential
	}
	return Resolution{Mode: ModeSingle}, nil
}
