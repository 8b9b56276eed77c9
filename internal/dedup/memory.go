package dedup

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"trustgate/internal/logging"
)

// Memory is an in-process seen set on go-cache. Entries expire after the TTL.
// When the set exceeds its capacity, expired entries are purged and then the
// entries closest to expiry are evicted in one batch down to the low-water
// mark, so a full set pays for one scan per batch rather than per id.
type Memory struct {
	items    *cache.Cache
	ttl      time.Duration
	capacity int
	lowWater int

	evictMu sync.Mutex
	batches int
}

// NewMemory creates a seen set. capacity <= 0 means unbounded.
func NewMemory(ttl time.Duration, capacity int) *Memory {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	// No janitor goroutine: expiry is checked on access and purged on overflow.
	return &Memory{
		items:    cache.New(ttl, 0),
		ttl:      ttl,
		capacity: capacity,
		lowWater: min(capacity*9/10, capacity-1),
	}
}

// MarkSeen implements Set. go-cache's Add is atomic, so concurrent callers
// with the same id see exactly one true.
func (m *Memory) MarkSeen(_ context.Context, id string) (bool, error) {
	if err := m.items.Add(id, struct{}{}, cache.DefaultExpiration); err != nil {
		logging.ListenerDebug("duplicate notification %s skipped", id)
		return false, nil
	}
	if m.capacity > 0 && m.items.ItemCount() > m.capacity {
		m.evict(id)
	}
	return true, nil
}

func (m *Memory) evict(keep string) {
	m.evictMu.Lock()
	defer m.evictMu.Unlock()

	if m.items.ItemCount() <= m.capacity {
		return
	}
	m.items.DeleteExpired()
	if m.items.ItemCount() <= m.capacity {
		return
	}
	m.batches++

	type entry struct {
		id  string
		exp int64
	}
	all := m.items.Items()
	victims := make([]entry, 0, len(all))
	for id, item := range all {
		if id != keep {
			victims = append(victims, entry{id, item.Expiration})
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].exp < victims[j].exp })

	excess := len(all) - max(m.lowWater, 1)
	for _, v := range victims[:min(excess, len(victims))] {
		m.items.Delete(v.id)
	}
	logging.ListenerDebug("dedup set over capacity %d, evicted %d ids", m.capacity, min(excess, len(victims)))
}

// Len returns the number of tracked ids, including expired ones not yet purged.
func (m *Memory) Len() int { return m.items.ItemCount() }

// Close implements Set.
func (m *Memory) Close() error {
	m.items.Flush()
	return nil
}
