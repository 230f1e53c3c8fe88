package core

import (
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"CustodyLedger/internal/observability"
)

// ErrDedupUnavailable is returned when a request cannot be checked against
// the event log. The request is refused rather than risk a double apply.
var ErrDedupUnavailable = errors.New("duplicate check unavailable")

// Dedup tiers, as reported by Lookup and used as the metrics label.
const (
	TierCache = "cache"
	TierDB    = "db"
)

// IdempotencyChecker implements two-tier request deduplication.
// Tier 1 is an in-memory TTL cache of recent request IDs, tier 2 the event log
// (injected via interface). Request IDs are scoped to the caller that
// committed them.
type IdempotencyChecker struct {
	cache     *ttlcache.Cache
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(caller common.Address, requestID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, ttl time.Duration, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	cache := ttlcache.NewCache()
	cache.SkipTTLExtensionOnHit(true)
	if capacity > 0 {
		cache.SetCacheSizeLimit(capacity)
	}
	if ttl > 0 {
		_ = cache.SetTTL(ttl)
	}

	return &IdempotencyChecker{
		cache:     cache,
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

// DedupKey is the cache key for requestID sent by caller.
func DedupKey(caller common.Address, requestID string) string {
	return caller.Hex() + "/" + requestID
}

// Lookup returns the tier that already holds (caller, requestID), or "" when
// the request is new. Empty IDs are never duplicates.
func (ic *IdempotencyChecker) Lookup(caller common.Address, requestID string) (string, error) {
	if requestID == "" {
		return "", nil
	}
	key := DedupKey(caller, requestID)

	// Tier 1: cache check (hot path)
	if _, err := ic.cache.Get(key); err == nil {
		return TierCache, nil
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker == nil {
		return "", nil
	}
	isDup, err := ic.dbChecker.IsDuplicate(caller, requestID)
	if err != nil {
		if ic.metrics != nil {
			ic.metrics.IdempotencyTier2Errors.Inc()
		}
		ic.logger.Error().Err(err).
			Str("caller", caller.Hex()).
			Str("request_id", requestID).
			Msg("event log dedup lookup failed")
		return "", errors.Mark(errors.Wrapf(err, "request %s", requestID), ErrDedupUnavailable)
	}
	if isDup {
		_ = ic.cache.Set(key, struct{}{})
		return TierDB, nil
	}
	return "", nil
}

// MarkProcessed records (caller, requestID) after a successful commit.
func (ic *IdempotencyChecker) MarkProcessed(caller common.Address, requestID string) {
	if requestID == "" {
		return
	}
	_ = ic.cache.Set(DedupKey(caller, requestID), struct{}{})
}

// Warm loads dedup keys from a snapshot into the cache.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		_ = ic.cache.Set(key, struct{}{})
	}
}

// Keys returns the dedup keys currently cached.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.cache.GetKeys()
}

// Size returns the number of cached request IDs.
func (ic *IdempotencyChecker) Size() int {
	return ic.cache.Count()
}

// Close stops the cache's expiry goroutine.
func (ic *IdempotencyChecker) Close() error {
	return ic.cache.Close()
}
