package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vizcache-gateway/pkg/logging"
)

type memoryEntry struct {
	value     string
	createdAt time.Time
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

type MemoryConfig struct {
	// MaxEntries caps each index. When full, the entry that expires first is
	// evicted. 0 means unbounded.
	MaxEntries int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// MemoryStore is the process-local Store. Expiry is lazy: entries are checked
// and evicted when read. There is no background sweeper, so an unbounded store
// only shrinks when stale keys are touched again.
type MemoryStore struct {
	mu         sync.RWMutex
	exact      map[string]memoryEntry
	near       map[string]memoryEntry // doubles as the fingerprint registry
	maxEntries int
	now        func() time.Time
}

func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		exact:      make(map[string]memoryEntry),
		near:       make(map[string]memoryEntry),
		maxEntries: cfg.MaxEntries,
		now:        now,
	}
}

func (c *MemoryStore) GetExact(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	entry, ok := c.exact[key]
	c.mu.RUnlock()

	if !ok {
		return "", false, nil
	}

	now := c.now()
	if entry.expired(now) {
		c.mu.Lock()
		if e, exists := c.exact[key]; exists && e.expired(now) {
			delete(c.exact, key)
		}
		c.mu.Unlock()
		return "", false, nil
	}

	return entry.value, true, nil
}

func (c *MemoryStore) SetExact(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		delete(c.exact, key)
		return nil
	}
	c.insertLocked(c.exact, key, value, ttl)
	return nil
}

func (c *MemoryStore) GetNearest(ctx context.Context, fp string, threshold int) (NearMatch, bool, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	members := make([]string, 0, len(c.near))
	for k, e := range c.near {
		if e.expired(now) {
			delete(c.near, k)
			continue
		}
		members = append(members, k)
	}

	ranked, invalid, err := rankCandidates(fp, members, threshold)
	if err != nil {
		return NearMatch{}, false, err
	}
	for _, m := range invalid {
		delete(c.near, m)
	}
	if len(invalid) > 0 {
		logging.L(ctx).Warn("cache_registry_invalid_members", zap.Strings("fingerprints", invalid))
	}
	if len(ranked) == 0 {
		return NearMatch{}, false, nil
	}

	best := ranked[0]
	return NearMatch{
		Value:       c.near[best.fp].value,
		Fingerprint: best.fp,
		Distance:    best.dist,
	}, true, nil
}

func (c *MemoryStore) SetNear(_ context.Context, fp, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		delete(c.near, fp)
		return nil
	}
	c.insertLocked(c.near, fp, value, ttl)
	return nil
}

// insertLocked writes an entry, evicting first if the index is at capacity.
func (c *MemoryStore) insertLocked(m map[string]memoryEntry, key, value string, ttl time.Duration) {
	now := c.now()

	if _, exists := m[key]; !exists && c.maxEntries > 0 && len(m) >= c.maxEntries {
		for k, e := range m {
			if e.expired(now) {
				delete(m, k)
			}
		}
		if len(m) >= c.maxEntries {
			evictEarliest(m)
		}
	}

	m[key] = memoryEntry{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
}

func evictEarliest(m map[string]memoryEntry) {
	var (
		victim string
		first  time.Time
		found  bool
	)
	for k, e := range m {
		if !found || e.expiresAt.Before(first) || (e.expiresAt.Equal(first) && k < victim) {
			victim, first, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(m, victim)
	}
}

// Close is a no-op; the store holds no goroutines or connections.
func (c *MemoryStore) Close() error {
	return nil
}

// Len returns the number of exact and near entries currently held, expired or not.
func (c *MemoryStore) Len() (exact, near int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.exact), len(c.near)
}
