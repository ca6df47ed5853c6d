package ledger

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// =============================================================================
// CACHED BALANCES - LRU over past as-of balances
// =============================================================================

const (
	DefaultBalanceCacheSize = 1024
	DefaultBalanceCacheTTL  = 5 * time.Minute
)

type balanceKey struct {
	Subject Subject
	AsOf    int64 // UnixNano
}

type balanceEntry struct {
	result    BalanceResult
	expiresAt time.Time
}

// CachedBalances memoizes balances whose asOf is already in the past.
// Entries expire after a TTL and are dropped per family by Invalidate,
// which the ledger calls after every append.
//
// Invalidate bumps a per-tenant generation. A balance computed while the
// generation moved is returned but not stored.
type CachedBalances struct {
	next  BalanceSource
	cache *lru.Cache[balanceKey, balanceEntry]
	ttl   time.Duration
	now   func() time.Time

	mu          sync.Mutex
	generations map[TenantID]uint64
}

func NewCachedBalances(next BalanceSource, size int, ttl time.Duration) (*CachedBalances, error) {
	if size <= 0 {
		size = DefaultBalanceCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultBalanceCacheTTL
	}
	cache, err := lru.New[balanceKey, balanceEntry](size)
	if err != nil {
		return nil, err
	}
	return &CachedBalances{
		next:        next,
		cache:       cache,
		ttl:         ttl,
		now:         time.Now,
		generations: make(map[TenantID]uint64),
	}, nil
}

func (c *CachedBalances) Balance(ctx context.Context, subject Subject, asOf time.Time) (BalanceResult, error) {
	now := c.now()
	if !asOf.Before(now) {
		return c.next.Balance(ctx, subject, asOf)
	}

	key := balanceKey{Subject: subject, AsOf: asOf.UnixNano()}
	if entry, ok := c.cache.Get(key); ok && now.Before(entry.expiresAt) {
		return entry.result, nil
	}

	gen := c.generation(subject.TenantID)
	result, err := c.next.Balance(ctx, subject, asOf)
	if err != nil {
		return BalanceResult{}, err
	}

	c.mu.Lock()
	if c.generations[subject.TenantID] == gen {
		c.cache.Add(key, balanceEntry{result: result, expiresAt: now.Add(c.ttl)})
	}
	c.mu.Unlock()
	return result, nil
}

func (c *CachedBalances) generation(tenant TenantID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[tenant]
}

// Invalidate drops every cached balance of the family and its members.
func (c *CachedBalances) Invalidate(tenant TenantID, family FamilyID) {
	c.mu.Lock()
	c.generations[tenant]++
	c.mu.Unlock()

	for _, key := range c.cache.Keys() {
		entry, ok := c.cache.Peek(key)
		if !ok {
			continue
		}
		if key.Subject.TenantID == tenant && entry.result.FamilyID == family {
			c.cache.Remove(key)
		}
	}
}

// InvalidateEvent is an OnAppend observer.
func (c *CachedBalances) InvalidateEvent(e Event) {
	h := e.Header()
	c.Invalidate(h.TenantID, h.FamilyID)
}

// Len reports the number of cached entries.
func (c *CachedBalances) Len() int { return c.cache.Len() }
