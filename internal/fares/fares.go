// Package fares is the boundary to the external pricing collaborator. The
// engine consumes it as a pure function producing a fare snapshot at request
// time; the snapshot is never recomputed afterwards.
package fares

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Quoter computes a fare snapshot for a prospective ride.
type Quoter interface {
	ComputeFareSnapshot(pickup, dropoff models.Point, capability string) (models.FareSnapshot, error)
}

// Cache is a tiny in-memory TTL cache for quotes keyed by route+capability,
// to shield the pricing service from bursts of identical requests.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  models.FareSnapshot
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Point, capability string) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f:%s", a.Lat, a.Lng, b.Lat, b.Lng, capability)
}

// Get returns a cached snapshot if present and not expired.
func (c *Cache) Get(a, b models.Point, capability string) (models.FareSnapshot, bool) {
	k := keyFor(a, b, capability)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return models.FareSnapshot{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return models.FareSnapshot{}, false
	}
	return e.v, true
}

// Set stores a snapshot in the cache.
func (c *Cache) Set(a, b models.Point, capability string, v models.FareSnapshot) {
	k := keyFor(a, b, capability)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// CachedQuoter wraps a Quoter with the TTL cache.
type CachedQuoter struct {
	Inner Quoter
	Cache *Cache
}

func (q *CachedQuoter) ComputeFareSnapshot(pickup, dropoff models.Point, capability string) (models.FareSnapshot, error) {
	if v, ok := q.Cache.Get(pickup, dropoff, capability); ok {
		return v, nil
	}
	v, err := q.Inner.ComputeFareSnapshot(pickup, dropoff, capability)
	if err != nil {
		return models.FareSnapshot{}, err
	}
	q.Cache.Set(pickup, dropoff, capability, v)
	return v, nil
}

// FlatQuoter is the no-dependency fallback used when no pricing endpoint is
// configured. It performs no real pricing; the engine just needs a snapshot.
type FlatQuoter struct {
	Currency string
	Amount   float64
}

func (f *FlatQuoter) ComputeFareSnapshot(pickup, dropoff models.Point, capability string) (models.FareSnapshot, error) {
	cur := f.Currency
	if cur == "" {
		cur = "INR"
	}
	return models.FareSnapshot{Currency: cur, Amount: f.Amount, Breakdown: "flat", QuotedAt: time.Now()}, nil
}
