package cache

import (
	"context"
	"sync"
	"time"

	"keygate/internal/store"
)

type memoryEntry struct {
	license   store.License
	cachedAt  time.Time
	expiresAt time.Time
	hits      int
}

// Memory is the single-process cache backend: a bounded map with TTL
// expiry and oldest-first eviction. The default for deployments without a
// shared cache tier.
type Memory struct {
	entries   map[string]memoryEntry
	mu        sync.RWMutex
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewMemory creates a memory cache and starts its background sweep.
func NewMemory(ttl time.Duration, maxSize int) *Memory {
	c := &Memory{
		entries:  make(map[string]memoryEntry),
		ttl:      ttl,
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}

	go c.run()

	return c
}

// Get retrieves a cached license record. Expired entries count as misses.
func (c *Memory) Get(_ context.Context, keyHash string) (*store.License, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[keyHash]
	if !exists || time.Now().After(entry.expiresAt) {
		c.missCount++
		return nil, false
	}

	entry.hits++
	c.entries[keyHash] = entry
	c.hitCount++

	lic := entry.license
	return &lic, true
}

// Set stores a license record, evicting the oldest entry at capacity.
func (c *Memory) Set(_ context.Context, keyHash string, lic *store.License) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize <= 0 {
		return
	}

	if _, exists := c.entries[keyHash]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[keyHash] = memoryEntry{
		license:   *lic,
		cachedAt:  time.Now(),
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate removes an entry. Never fails for the memory backend.
func (c *Memory) Invalidate(_ context.Context, keyHash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, keyHash)
	return nil
}

// Sweep drops every expired entry and reports how many went.
func (c *Memory) Sweep(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats returns hit and occupancy counters.
func (c *Memory) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hitCount + c.missCount
	ratio := float64(0)
	if total > 0 {
		ratio = float64(c.hitCount) / float64(total)
	}

	return Stats{
		Backend:  BackendMemory,
		Entries:  len(c.entries),
		MaxSize:  c.maxSize,
		Hits:     c.hitCount,
		Misses:   c.missCount,
		HitRatio: ratio,
	}
}

// Close stops the background sweep. Safe to call more than once.
func (c *Memory) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	return nil
}

func (c *Memory) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.cachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.cachedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *Memory) run() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep(context.Background())
		case <-c.stopChan:
			return
		}
	}
}
