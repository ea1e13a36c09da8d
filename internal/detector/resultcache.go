package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/merlin/internal/cache"
	"github.com/opensource-finance/merlin/internal/domain"
)

// resultCache memoizes verdicts by transaction fingerprint. Concurrent
// submissions of the same fingerprint collapse into one computation via
// singleflight; later identical submissions inside the TTL get the cached
// verdict back. The backing store is pluggable so a distributed deployment
// can share verdicts through Redis.
type resultCache struct {
	store domain.Cache
	group singleflight.Group
	ttl   time.Duration

	// generation is folded into every key. Bumping it orphans all
	// previously cached verdicts; they age out via TTL.
	generation atomic.Uint64
}

func newResultCache(store domain.Cache, maxSize int, ttl time.Duration) *resultCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if store == nil {
		store = cache.NewLRUCache(maxSize)
	}
	return &resultCache{
		store: store,
		ttl:   ttl,
	}
}

// getOrCompute returns the cached verdict for the fingerprint, or runs
// compute exactly once across concurrent callers and caches its output.
// The hit flag reports whether the verdict came from the cache.
func (c *resultCache) getOrCompute(ctx context.Context, key string, compute func() (*domain.FraudResult, error)) (*domain.FraudResult, bool, error) {
	type cached struct {
		result *domain.FraudResult
		hit    bool
	}

	key = fmt.Sprintf("g%d:%s", c.generation.Load(), key)

	v, err, _ := c.group.Do(key, func() (any, error) {
		if data, err := c.store.Get(ctx, key); err == nil && data != nil {
			var result domain.FraudResult
			if err := json.Unmarshal(data, &result); err == nil {
				return cached{result: &result, hit: true}, nil
			}
		}

		result, err := compute()
		if err != nil {
			return nil, err
		}

		if data, err := json.Marshal(result); err == nil {
			_ = c.store.Set(ctx, key, data, c.ttl)
		}
		return cached{result: result}, nil
	})
	if err != nil {
		return nil, false, err
	}

	out := v.(cached)
	return out.result, out.hit, nil
}

// reset orphans every cached verdict.
func (c *resultCache) reset() {
	c.generation.Add(1)
}

// fingerprint derives the cache key from the fields that determine a
// verdict. Two submissions agreeing on all of them are the same
// transaction as far as scoring is concerned.
func fingerprint(tx *domain.Transaction) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%s|%s|%s",
		tx.UserID,
		tx.Amount.String(),
		tx.Currency,
		tx.MerchantID,
		tx.Timestamp.UnixNano(),
		tx.DeviceID,
		tx.IPAddress,
		tx.ID,
	)
	return fmt.Sprintf("verdict:%x", h.Sum64())
}
