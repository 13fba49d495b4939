// Package ratelimit implements the per-tenant, per-action fixed-window limiter.
// State is in process memory only.
package ratelimit

import (
	"fmt"
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/sdp-ingestion/config"
	"github.com/upb/sdp-ingestion/internal/clock"
	"github.com/upb/sdp-ingestion/services"
	"go.uber.org/zap"
)

// Actions limited independently per tenant
const (
	ActionIngest        = "ingest"
	ActionProcess       = "process"
	ActionReprocess     = "reprocess"
	ActionSubmitResults = "submit_results"
	ActionResults       = "results"
	ActionAudit         = "audit"
)

// DefaultSweepEvery is how many admissions pass between sweeps of expired
// buckets when Options.SweepEvery is unset
const DefaultSweepEvery = 1000

const shardCount = 32

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetEpoch int64 // unix seconds at which the current window ends
}

// RetryAfter returns the whole seconds until the window resets, never negative
func (d Decision) RetryAfter(now time.Time) int64 {
	if wait := d.ResetEpoch - now.Unix(); wait > 0 {
		return wait
	}
	return 0
}

// Err converts a rejected decision into a rate limit error; nil when allowed
func (d Decision) Err(now time.Time) error {
	if d.Allowed {
		return nil
	}
	return services.NewRateLimitError(d.Limit, d.Remaining, d.ResetEpoch, now)
}

// bucket counts admissions within one window
type bucket struct {
	windowStart int64
	count       int
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Options configures a Limiter
type Options struct {
	Limit          int
	Window         time.Duration // whole seconds, at least 1s
	SweepEvery     int           // operations between sweeps
	SweepThreshold int           // sweep only when more buckets than this exist
}

// OptionsFromConfig maps the rate limit settings to Options
func OptionsFromConfig(cfg config.RateLimitConfig) Options {
	return Options{
		Limit:          cfg.Limit,
		Window:         cfg.Window,
		SweepEvery:     cfg.SweepEvery,
		SweepThreshold: cfg.SweepThreshold,
	}
}

// Limiter is a fixed-window limiter keyed by tenant and action.
// Buckets are sharded by key hash; a single bucket is always updated
// under its shard lock, so concurrent callers never over-admit.
type Limiter struct {
	limit          int
	window         int64
	sweepEvery     uint64
	sweepThreshold int

	shards [shardCount]shard
	seed   maphash.Seed
	ops    atomic.Uint64

	clock  clock.Clock
	logger *zap.Logger
}

// NewLimiter creates a Limiter
func NewLimiter(opts Options, clk clock.Clock, logger *zap.Logger) (*Limiter, error) {
	if opts.Limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", opts.Limit)
	}
	window := int64(opts.Window / time.Second)
	if window < 1 {
		return nil, fmt.Errorf("rate limit window must be at least 1s, got %s", opts.Window)
	}
	if opts.SweepEvery <= 0 {
		opts.SweepEvery = DefaultSweepEvery
	}
	if opts.SweepThreshold < 0 {
		opts.SweepThreshold = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}

	l := &Limiter{
		limit:          opts.Limit,
		window:         window,
		sweepEvery:     uint64(opts.SweepEvery),
		sweepThreshold: opts.SweepThreshold,
		seed:           maphash.MakeSeed(),
		clock:          clk,
		logger:         logger,
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	return l, nil
}

// Limit returns the configured per-window limit
func (l *Limiter) Limit() int {
	return l.limit
}

// Now returns the limiter's clock reading
func (l *Limiter) Now() time.Time {
	return l.clock.Now()
}

// Allow admits one unit of action for tenant
func (l *Limiter) Allow(tenant, action string) Decision {
	return l.AllowN(tenant, action, 1)
}

// AllowN admits cost units of action for tenant, or none of them.
// A cost below 1 counts as 1.
func (l *Limiter) AllowN(tenant, action string, cost int) Decision {
	if cost < 1 {
		cost = 1
	}

	now := l.clock.Now().Unix()
	windowStart := now - mod(now, l.window)
	reset := windowStart + l.window
	key := bucketKey(tenant, action)

	s := l.shardFor(key)
	s.mu.Lock()
	decision := l.admit(s, key, windowStart, reset, cost)
	s.mu.Unlock()

	if l.ops.Add(1)%l.sweepEvery == 0 {
		l.maybeSweep(now)
	}

	if !decision.Allowed {
		l.logger.Debug("rate limit exceeded",
			zap.String("tenant", tenant),
			zap.String("action", action),
			zap.Int64("reset_epoch", decision.ResetEpoch))
	}
	return decision
}

// admit runs under the shard lock
func (l *Limiter) admit(s *shard, key string, windowStart, reset int64, cost int) Decision {
	b, ok := s.buckets[key]
	if !ok || b.windowStart != windowStart {
		if cost > l.limit {
			return Decision{Allowed: false, Limit: l.limit, Remaining: 0, ResetEpoch: reset}
		}
		s.buckets[key] = &bucket{windowStart: windowStart, count: cost}
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - cost, ResetEpoch: reset}
	}

	if b.count+cost > l.limit {
		return Decision{Allowed: false, Limit: l.limit, Remaining: 0, ResetEpoch: reset}
	}
	b.count += cost
	return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - b.count, ResetEpoch: reset}
}

// Admit is Allow returning a rate limit error when rejected
func (l *Limiter) Admit(tenant, action string) (Decision, error) {
	d := l.Allow(tenant, action)
	return d, d.Err(l.clock.Now())
}

// Len returns the number of live buckets
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

// Sweep drops buckets whose window started before now - 2*window and
// returns how many were removed
func (l *Limiter) Sweep() int {
	return l.sweep(l.clock.Now().Unix())
}

func (l *Limiter) maybeSweep(now int64) {
	if l.Len() <= l.sweepThreshold {
		return
	}
	if removed := l.sweep(now); removed > 0 {
		l.logger.Debug("swept stale rate limit buckets", zap.Int("removed", removed))
	}
}

func (l *Limiter) sweep(now int64) int {
	cutoff := now - 2*l.window
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, b := range s.buckets {
			if b.windowStart < cutoff {
				delete(s.buckets, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (l *Limiter) shardFor(key string) *shard {
	return &l.shards[maphash.String(l.seed, key)%shardCount]
}

// bucketKey builds the bucket key for a tenant and action
func bucketKey(tenant, action string) string {
	return tenant + ":" + action
}

// mod is a floored modulo so pre-epoch clocks still align windows
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
