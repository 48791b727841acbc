package entitlement

import (
	"context"
	"sync"

	"github.com/contractai/chat-gateway/internal/models"
)

// Cache stores the last known EntitlementRecord per key.
// Put keeps the record with the latest CheckedAt, so a slow query finishing after a
// newer one never overwrites it.
type Cache interface {
	Get(ctx context.Context, key models.EntitlementKey) (models.EntitlementRecord, bool, error)
	Put(ctx context.Context, rec models.EntitlementRecord) error
	// Invalidate marks the record stale. The record stays readable for listings.
	Invalidate(ctx context.Context, key models.EntitlementKey) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	records map[models.EntitlementKey]models.EntitlementRecord
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{records: make(map[models.EntitlementKey]models.EntitlementRecord)}
}

func (c *MemoryCache) Get(_ context.Context, key models.EntitlementKey) (models.EntitlementRecord, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[key]
	return rec, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, rec models.EntitlementRecord) error {
	key := models.NewEntitlementKey(rec.Address, rec.TokenID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.records[key]; ok && cur.CheckedAt.After(rec.CheckedAt) {
		return nil
	}
	rec.Stale = false
	c.records[key] = rec
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, key models.EntitlementKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[key]; ok {
		rec.Stale = true
		c.records[key] = rec
	}
	return nil
}
