// Package ratelimit implements fixed-window request counting with an
// independent hard-block list, backed by the shared cache. Unlike replay
// protection, the limiter is defense in depth: on cache failure it fails
// open and allows the request.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/payward/x402gate/cache"
)

// Scope selects what a window counter is keyed by.
type Scope string

const (
	ScopeIP       Scope = "ip"
	ScopeWallet   Scope = "wallet"
	ScopeResource Scope = "resource"
)

// DefaultKeyPrefix namespaces limiter state in the shared cache.
const DefaultKeyPrefix = "x402:ratelimit:"

// Config bounds one window check.
type Config struct {
	MaxRequests int
	Window      time.Duration

	// BlockDuration, when positive, additionally marks the identifier
	// blocked once the limit is hit, independent of window rollover.
	BlockDuration time.Duration
}

// Result is the outcome of a window check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
	TotalHits int64
}

// Limiter counts requests in fixed windows keyed by (scope, identifier,
// windowStart).
type Limiter struct {
	cache     cache.Store
	keyPrefix string
	log       *zap.Logger
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithKeyPrefix overrides the cache key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.keyPrefix = prefix }
}

// WithLogger sets the limiter's logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// New creates a limiter on the given cache.
func New(c cache.Store, opts ...Option) *Limiter {
	l := &Limiter{
		cache:     c,
		keyPrefix: DefaultKeyPrefix,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts a request against the identifier's current window. The
// count is read first; once it has reached the limit the identifier is
// denied (and optionally blocked) without further increments, so the
// counter stays monotonic within the window. Otherwise the counter is
// atomically incremented with its TTL refreshed to the window size.
func (l *Limiter) Check(ctx context.Context, scope Scope, identifier string, cfg Config) Result {
	now := time.Now()
	windowStart := now.Truncate(cfg.Window)
	resetTime := windowStart.Add(cfg.Window)
	key := l.counterKey(scope, identifier, windowStart)

	current, err := l.currentCount(ctx, key)
	if err != nil {
		l.log.Warn("rate limit read failed, allowing request",
			zap.String("scope", string(scope)),
			zap.String("identifier", identifier),
			zap.Error(err))
		return Result{Allowed: true, Remaining: cfg.MaxRequests, ResetTime: resetTime}
	}

	if current >= int64(cfg.MaxRequests) {
		if cfg.BlockDuration > 0 {
			if err := l.Block(ctx, scope, identifier, cfg.BlockDuration); err != nil {
				l.log.Warn("rate limit block failed",
					zap.String("identifier", identifier),
					zap.Error(err))
			}
		}
		return Result{Allowed: false, Remaining: 0, ResetTime: resetTime, TotalHits: current}
	}

	hits, err := l.cache.Increment(ctx, key, cfg.Window)
	if err != nil {
		l.log.Warn("rate limit increment failed, allowing request",
			zap.String("identifier", identifier),
			zap.Error(err))
		return Result{Allowed: true, Remaining: cfg.MaxRequests, ResetTime: resetTime}
	}

	remaining := cfg.MaxRequests - int(hits)
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: hits <= int64(cfg.MaxRequests), Remaining: remaining, ResetTime: resetTime, TotalHits: hits}
}

// IsBlocked consults the hard-block list. It is checked ahead of window
// counting and fails open on cache errors.
func (l *Limiter) IsBlocked(ctx context.Context, scope Scope, identifier string) bool {
	_, err := l.cache.Get(ctx, l.blockKey(scope, identifier))
	if err == cache.ErrNotFound {
		return false
	}
	if err != nil {
		l.log.Warn("block list read failed, allowing request",
			zap.String("identifier", identifier),
			zap.Error(err))
		return false
	}
	return true
}

// Block marks an identifier blocked for the given duration.
func (l *Limiter) Block(ctx context.Context, scope Scope, identifier string, d time.Duration) error {
	return l.cache.Set(ctx, l.blockKey(scope, identifier), "1", d)
}

// Unblock clears an identifier's block marker.
func (l *Limiter) Unblock(ctx context.Context, scope Scope, identifier string) error {
	_, err := l.cache.Delete(ctx, l.blockKey(scope, identifier))
	return err
}

func (l *Limiter) currentCount(ctx context.Context, key string) (int64, error) {
	raw, err := l.cache.Get(ctx, key)
	if err == cache.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count int64
	if _, err := fmt.Sscanf(raw, "%d", &count); err != nil {
		return 0, nil // corrupt counter, treat as empty window
	}
	return count, nil
}

func (l *Limiter) counterKey(scope Scope, identifier string, windowStart time.Time) string {
	return fmt.Sprintf("%s%s:%s:%d", l.keyPrefix, scope, normalize(identifier), windowStart.UnixMilli())
}

func (l *Limiter) blockKey(scope Scope, identifier string) string {
	return fmt.Sprintf("%s%s:%s:block", l.keyPrefix, scope, normalize(identifier))
}

func normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
