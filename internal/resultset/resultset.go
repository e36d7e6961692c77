// Package resultset implements the per-user Result Set cache (spec.md §3,
// §5): a short-lived ordered id list produced by a search intent and
// addressable by 1-based ordinal in a follow-up intent. The cache is
// in-memory only, LRU-capped per user, and TTL-expired on inactivity; it
// is rebuilt from scratch on process restart, never persisted.
//
// No library in the retrieval pack imports an LRU package directly (see
// DESIGN.md), so this is a hand-rolled bounded map plus a doubly linked
// list, the standard textbook shape, guarded by one mutex per user.
package resultset

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ngoalkeeper/goaltender/internal/models"
)

// ErrUnknownSet is returned when a set_id has expired, been evicted, or
// never existed.
var ErrUnknownSet = errors.New("resultset: unknown or expired set")

// ErrOrdinalOutOfRange is returned for an ordinal of 0 or > len(ordered_ids)
// (spec.md §8 boundary behavior), mapped by the intent package to
// ReferencesUnknownEntity.
var ErrOrdinalOutOfRange = errors.New("resultset: ordinal out of range")

type entry struct {
	set       models.ResultSet
	touchedAt time.Time
}

type userCache struct {
	mu    sync.Mutex
	ll    *list.List               // most-recently-used at front
	elems map[string]*list.Element // set_id -> element holding *entry
}

// Cache is the Result Set store for every user, partitioned by user_id.
type Cache struct {
	mu       sync.Mutex
	users    map[string]*userCache
	ttl      time.Duration
	capacity int
}

// New builds a Cache with the given TTL and per-user LRU capacity,
// defaulting to spec.md §6's 1h/64 if either is zero.
func New(ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = models.ResultSetTTL
	}
	if capacity <= 0 {
		capacity = models.ResultSetCapacity
	}
	return &Cache{
		users:    make(map[string]*userCache),
		ttl:      ttl,
		capacity: capacity,
	}
}

func (c *Cache) userCacheFor(userID string) *userCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	uc, ok := c.users[userID]
	if !ok {
		uc = &userCache{ll: list.New(), elems: make(map[string]*list.Element)}
		c.users[userID] = uc
	}
	return uc
}

// Create persists a new Result Set for userID and returns it with a
// freshly generated set_id. Creating a set evicts the least-recently-used
// one beyond capacity.
func (c *Cache) Create(userID string, kind models.ResultSetKind, orderedIDs []int64) models.ResultSet {
	rs := models.ResultSet{
		SetID:      uuid.NewString(),
		UserID:     userID,
		Kind:       kind,
		OrderedIDs: orderedIDs,
		CreatedAt:  time.Now().UTC(),
	}

	uc := c.userCacheFor(userID)
	uc.mu.Lock()
	defer uc.mu.Unlock()

	el := uc.ll.PushFront(&entry{set: rs, touchedAt: time.Now()})
	uc.elems[rs.SetID] = el

	for uc.ll.Len() > c.capacity {
		oldest := uc.ll.Back()
		if oldest == nil {
			break
		}
		uc.ll.Remove(oldest)
		delete(uc.elems, oldest.Value.(*entry).set.SetID)
	}

	return rs
}

// Get returns the Result Set for setID if present and not expired,
// touching it (resetting the inactivity clock and promoting it to
// most-recently-used).
func (c *Cache) Get(userID, setID string) (models.ResultSet, bool) {
	uc := c.userCacheFor(userID)
	uc.mu.Lock()
	defer uc.mu.Unlock()

	el, ok := uc.elems[setID]
	if !ok {
		return models.ResultSet{}, false
	}
	e := el.Value.(*entry)
	if time.Since(e.touchedAt) > c.ttl {
		uc.ll.Remove(el)
		delete(uc.elems, setID)
		return models.ResultSet{}, false
	}
	e.touchedAt = time.Now()
	uc.ll.MoveToFront(el)
	return e.set, true
}

// Resolve turns an EntityRef into a concrete id: direct refs pass
// through unchanged, ordinal refs are looked up against a prior Result
// Set. Ordinals are 1-based.
func (c *Cache) Resolve(userID string, ref models.EntityRef) (int64, error) {
	if ref.IsDirect() {
		return ref.ID, nil
	}
	rs, ok := c.Get(userID, ref.SetID)
	if !ok {
		return 0, fmt.Errorf("%w: set %s", ErrUnknownSet, ref.SetID)
	}
	if ref.Ordinal < 1 || ref.Ordinal > len(rs.OrderedIDs) {
		return 0, fmt.Errorf("%w: ordinal %d of %d", ErrOrdinalOutOfRange, ref.Ordinal, len(rs.OrderedIDs))
	}
	return rs.OrderedIDs[ref.Ordinal-1], nil
}
