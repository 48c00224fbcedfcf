// Package nonce implements replay protection for payment challenges:
// collision-resistant token generation, atomic single-use consumption
// against a shared cache, and hygiene sweeping of defective records.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/payward/x402gate/cache"
)

// Token length bounds. Generate clamps requests into this range.
const (
	MinLength = 20
	MaxLength = 64
)

// DefaultKeyPrefix namespaces replay records in the shared cache.
const DefaultKeyPrefix = "x402:nonce:"

const tokenPrefix = "TS"

// Validation reasons. The engine records these for observability but the
// wire response is uniform for all of them.
const (
	ReasonFormatInvalid    = "format_invalid"
	ReasonTimestampInvalid = "timestamp_invalid"
	ReasonExpired          = "expired"
	ReasonAlreadyUsed      = "already_used"
	ReasonStoreUnavailable = "redis_error"
)

var (
	tokenRegex    = regexp.MustCompile(`^TS\d{10,16}_[A-Za-z0-9]+$`)
	alphanumerics = []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789")
)

// Validation is the outcome of a consume attempt.
type Validation struct {
	Valid  bool
	Reason string
}

// record is the persisted replay state for a consumed nonce.
type record struct {
	Timestamp int64 `json:"timestamp"` // embedded creation time, unix ms
	UsedAt    int64 `json:"usedAt"`    // consumption time, unix ms
}

// Store generates and consumes single-use challenge tokens. Generation is
// purely local; only consumption touches the shared cache.
type Store struct {
	cache     cache.Store
	keyPrefix string
	log       *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithKeyPrefix overrides the cache key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithLogger sets the store's logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// NewStore creates a replay-protection store on the given cache.
func NewStore(c cache.Store, opts ...Option) *Store {
	s := &Store{
		cache:     c,
		keyPrefix: DefaultKeyPrefix,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate produces a token of the requested length in the form
// TS<unixMillis>_<randomAlnum>. The creation timestamp is recoverable by
// parsing the literal prefix, so learning issue time never needs a cache
// round trip.
func (s *Store) Generate(length int) (string, error) {
	if length < MinLength {
		length = MinLength
	}
	if length > MaxLength {
		length = MaxLength
	}

	base := tokenPrefix + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_"
	suffixLen := length - len(base)
	if suffixLen < 1 {
		suffixLen = 1
	}

	var sb strings.Builder
	sb.Grow(len(base) + suffixLen)
	sb.WriteString(base)
	for i := 0; i < suffixLen; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphanumerics))))
		if err != nil {
			return "", fmt.Errorf("nonce: random source failed: %w", err)
		}
		sb.WriteByte(alphanumerics[n.Int64()])
	}
	return sb.String(), nil
}

// Timestamp recovers the embedded creation time from a token. The second
// return value is false when no timestamp is recoverable.
func Timestamp(token string) (time.Time, bool) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return time.Time{}, false
	}
	rest := token[len(tokenPrefix):]
	sep := strings.IndexByte(rest, '_')
	if sep <= 0 {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(rest[:sep], 10, 64)
	if err != nil || millis <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

// ValidateAndConsume accepts a (wallet, nonce) pair at most once, ever.
//
// The consumption step is a single atomic existence-check-and-set with TTL
// rather than a read-then-write, so two concurrent requests replaying the
// same nonce cannot both observe "not yet used". A cache failure rejects
// the nonce: replay protection fails closed.
func (s *Store) ValidateAndConsume(ctx context.Context, walletAddress, token string, maxAge time.Duration) Validation {
	if len(token) < MinLength || len(token) > MaxLength || !tokenRegex.MatchString(token) {
		return Validation{Reason: ReasonFormatInvalid}
	}

	issued, ok := Timestamp(token)
	if !ok {
		return Validation{Reason: ReasonTimestampInvalid}
	}
	if time.Since(issued) > maxAge {
		return Validation{Reason: ReasonExpired}
	}

	raw, err := json.Marshal(record{
		Timestamp: issued.UnixMilli(),
		UsedAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		return Validation{Reason: ReasonStoreUnavailable}
	}

	stored, err := s.cache.SetIfAbsent(ctx, s.key(walletAddress, token), string(raw), maxAge)
	if err != nil {
		s.log.Error("nonce consumption failed, rejecting",
			zap.String("wallet", walletAddress),
			zap.Error(err))
		return Validation{Reason: ReasonStoreUnavailable}
	}
	if !stored {
		return Validation{Reason: ReasonAlreadyUsed}
	}
	return Validation{Valid: true}
}

// Stats is a read-only per-wallet aggregation for observability. It is
// never consulted on the validation hot path.
type Stats struct {
	TotalUsed int
	Oldest    time.Time
	Newest    time.Time
	Expired   int
}

// WalletStats aggregates the live replay records for a wallet. Entries
// whose embedded timestamp is older than maxAge count as Expired.
func (s *Store) WalletStats(ctx context.Context, walletAddress string, maxAge time.Duration) (Stats, error) {
	keys, err := s.cache.Keys(ctx, s.key(walletAddress, "*"))
	if err != nil {
		return Stats{}, fmt.Errorf("nonce: stats scan failed: %w", err)
	}

	var stats Stats
	for _, key := range keys {
		raw, err := s.cache.Get(ctx, key)
		if err != nil {
			continue // expired between scan and read
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		stats.TotalUsed++
		issued := time.UnixMilli(rec.Timestamp)
		if stats.Oldest.IsZero() || issued.Before(stats.Oldest) {
			stats.Oldest = issued
		}
		if issued.After(stats.Newest) {
			stats.Newest = issued
		}
		if time.Since(issued) > maxAge {
			stats.Expired++
		}
	}
	return stats, nil
}

func (s *Store) key(walletAddress, token string) string {
	return s.keyPrefix + strings.ToLower(walletAddress) + ":" + token
}
