// Package cache implements C4: a memory-tier LRU store of validated
// events with secondary indices for pubkey/kind/(kind,pubkey) lookups
// and replaceable-kind supersession. It is the one component every
// writer shares, so all mutation happens under a single mutex — no
// suspension ever happens while that mutex is held (§5).
package cache

import (
	"container/list"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/relaynet/corepool/event"
)

// Verifier is the crypto collaborator the cache uses to reject events
// whose signature doesn't check out, per §4.4 "verify signature
// (external collaborator)".
type Verifier func(evt event.Event) (bool, error)

type entry struct {
	evt      event.Event
	elem     *list.Element
	sources  map[string]struct{} // relay URLs that have delivered this event id
	insertAt time.Time
}

// Statistics is the snapshot returned by Cache.Statistics.
type Statistics struct {
	Size      int
	MaxEvents int
	Evictions int
	Rejected  int // failed signature verification
}

// Cache is the LRU event store. The zero value is not usable; build one
// with New.
type Cache struct {
	mu sync.Mutex

	maxEvents   int
	retainRatio float64
	verify      Verifier

	order *list.List // front = most-recently-used
	byID  map[string]*entry

	byPubkey     map[string]map[string]struct{}
	byKind       map[event.Kind]map[string]struct{}
	byKindPubkey map[string]map[string]struct{} // "pubkey:kind" -> ids
	byReplaceKey map[string]string              // replaceable key -> current id

	evictions int
	rejected  int
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithRetainRatio overrides the default 0.2 memory-pressure retain ratio.
func WithRetainRatio(ratio float64) Option {
	return func(c *Cache) { c.retainRatio = ratio }
}

// New builds a Cache bounded to maxEvents entries, verifying every
// stored event with verify.
func New(maxEvents int, verify Verifier, opts ...Option) *Cache {
	c := &Cache{
		maxEvents:    maxEvents,
		retainRatio:  0.2,
		verify:       verify,
		order:        list.New(),
		byID:         make(map[string]*entry),
		byPubkey:     make(map[string]map[string]struct{}),
		byKind:       make(map[event.Kind]map[string]struct{}),
		byKindPubkey: make(map[string]map[string]struct{}),
		byReplaceKey: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store verifies and inserts evt. It returns (true, nil) if newly
// added, (false, nil) if already present or the signature was invalid
// (rejection is silent to the caller per §7 — callers that need to
// distinguish should inspect Statistics().Rejected).
func (c *Cache) Store(evt event.Event) (bool, error) {
	ok, err := c.verify(evt)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok {
		c.rejected++
		return false, nil
	}
	if e, exists := c.byID[evt.ID]; exists {
		c.order.MoveToFront(e.elem)
		return false, nil
	}

	if key, replaceable := evt.ReplaceableKey(); replaceable {
		if oldID, has := c.byReplaceKey[key]; has {
			if old, exists := c.byID[oldID]; exists && old.evt.CreatedAt >= evt.CreatedAt {
				// an equally-new-or-newer instance is already cached
				return false, nil
			}
			c.removeLocked(oldID)
		}
		c.byReplaceKey[key] = evt.ID
	}

	e := &entry{evt: evt, insertAt: time.Now(), sources: map[string]struct{}{}}
	e.elem = c.order.PushFront(evt.ID)
	c.byID[evt.ID] = e
	c.index(evt)

	if c.maxEvents > 0 && len(c.byID) > c.maxEvents {
		c.evictOldestLocked()
	}
	return true, nil
}

// RecordSource notes that relayURL also served the given event id, for
// source/health tracking (§4.5 step 3), without affecting LRU order.
func (c *Cache) RecordSource(id, relayURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byID[id]; ok {
		e.sources[relayURL] = struct{}{}
	}
}

// Sources returns the set of relay URLs known to have served id.
func (c *Cache) Sources(id string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.sources))
	for s := range e.sources {
		out = append(out, s)
	}
	return out
}

func (c *Cache) index(evt event.Event) {
	addIndex(c.byPubkey, evt.PubKey, evt.ID)
	addIndex(c.byKind, evt.Kind, evt.ID)
	addIndex(c.byKindPubkey, kindPubkeyKey(evt.Kind, evt.PubKey), evt.ID)
}

func deindex(c *Cache, evt event.Event) {
	removeIndex(c.byPubkey, evt.PubKey, evt.ID)
	removeIndex(c.byKind, evt.Kind, evt.ID)
	removeIndex(c.byKindPubkey, kindPubkeyKey(evt.Kind, evt.PubKey), evt.ID)
}

func kindPubkeyKey(k event.Kind, pubkey string) string {
	return pubkey + ":" + kindString(k)
}

func kindString(k event.Kind) string {
	return strconv.Itoa(int(k))
}

func addIndex[K comparable](m map[K]map[string]struct{}, key K, id string) {
	set, ok := m[key]
	if !ok {
		set = map[string]struct{}{}
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex[K comparable](m map[K]map[string]struct{}, key K, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

// Get returns the event for id and moves it to MRU. ok is false on miss.
func (c *Cache) Get(id string) (evt event.Event, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.byID[id]
	if !exists {
		return event.Event{}, false
	}
	c.order.MoveToFront(e.elem)
	return e.evt, true
}

// Query returns events matching filter, ordered by created_at
// descending then id ascending, honoring filter.Limit when set.
func (c *Cache) Query(filter event.Filter) []event.Event {
	c.mu.Lock()
	candidates := c.candidateIDsLocked(filter)
	out := make([]event.Event, 0, len(candidates))
	for id := range candidates {
		if e, ok := c.byID[id]; ok && filter.Matches(e.evt) {
			out = append(out, e.evt)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if filter.LimitSet && filter.Limit == 0 {
		return nil
	}
	if filter.LimitSet && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// candidateIDsLocked narrows the scan using whichever index is most
// selective; falling back to a full scan when no index field is set.
func (c *Cache) candidateIDsLocked(filter event.Filter) map[string]struct{} {
	if len(filter.Authors) == 1 && len(filter.Kinds) == 1 {
		return cloneSet(c.byKindPubkey[kindPubkeyKey(filter.Kinds[0], filter.Authors[0])])
	}
	if len(filter.Authors) > 0 {
		merged := map[string]struct{}{}
		for _, a := range filter.Authors {
			for id := range c.byPubkey[a] {
				merged[id] = struct{}{}
			}
		}
		return merged
	}
	if len(filter.Kinds) > 0 {
		merged := map[string]struct{}{}
		for _, k := range filter.Kinds {
			for id := range c.byKind[k] {
				merged[id] = struct{}{}
			}
		}
		return merged
	}
	all := make(map[string]struct{}, len(c.byID))
	for id := range c.byID {
		all[id] = struct{}{}
	}
	return all
}

func cloneSet(src map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(src))
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

// Remove deletes id from the cache, if present.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

func (c *Cache) removeLocked(id string) {
	e, ok := c.byID[id]
	if !ok {
		return
	}
	c.order.Remove(e.elem)
	delete(c.byID, id)
	deindex(c, e.evt)
	if key, replaceable := e.evt.ReplaceableKey(); replaceable && c.byReplaceKey[key] == id {
		delete(c.byReplaceKey, key)
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = list.New()
	c.byID = make(map[string]*entry)
	c.byPubkey = make(map[string]map[string]struct{})
	c.byKind = make(map[event.Kind]map[string]struct{})
	c.byKindPubkey = make(map[string]map[string]struct{})
	c.byReplaceKey = make(map[string]string)
}

// Statistics returns a snapshot of cache counters.
func (c *Cache) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Statistics{
		Size:      len(c.byID),
		MaxEvents: c.maxEvents,
		Evictions: c.evictions,
		Rejected:  c.rejected,
	}
}

// evictOldestLocked drops the single least-recently-used entry; called
// after Store pushes the cache one entry over maxEvents.
func (c *Cache) evictOldestLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	c.removeLocked(id)
	c.evictions++
}

// EvictUnderMemoryPressure drops the oldest (1-retainRatio) fraction of
// entries immediately, per §4.4's externally-signaled memory pressure.
func (c *Cache) EvictUnderMemoryPressure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := len(c.byID)
	if total == 0 {
		return 0
	}
	toEvict := int(float64(total) * (1 - c.retainRatio))
	evicted := 0
	for i := 0; i < toEvict; i++ {
		back := c.order.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(string))
		evicted++
	}
	c.evictions += evicted
	return evicted
}
