package mdns

import (
	"strings"
	"sync"
)

// CacheEvent is the kind of change a CacheListener is notified of.
type CacheEvent int

const (
	CacheAdded CacheEvent = iota
	CacheUpdated
	CacheRemoved
)

// CacheListener observes cache mutations (§4.2, §5 "listeners snapshotted
// before iteration").
type CacheListener func(event CacheEvent, rec *Record)

// Cache holds learned records, keyed case-insensitively by name, with
// distinct entries per (Type, Class, payload) at a given name allowing
// coexisting non-unique records (e.g. multiple PTR answers for one service
// type) alongside cache-flush replacement for unique records (§4.2).
type Cache struct {
	mu        sync.Mutex
	entries   map[string][]*Record
	listeners []CacheListener
}

func newCache() *Cache {
	return &Cache{entries: make(map[string][]*Record)}
}

func cacheKey(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// AddListener registers a listener for future mutations. Not retroactive:
// call GetAll first if the caller needs existing state.
func (c *Cache) AddListener(l CacheListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Cache) notify(event CacheEvent, rec *Record) {
	// Snapshot before iterating: a listener reacting to this event may itself
	// add/remove a listener, which must not affect this dispatch (§5).
	c.mu.Lock()
	snapshot := append([]CacheListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range snapshot {
		l(event, rec)
	}
}

// Put incorporates an incoming record into the cache, implementing the
// full §4.2 decision tree:
//  1. TTL==0 (goodbye) on a record we hold: remove immediately and notify.
//  2. An existing entry with identical payload: refresh its TTL and
//     CreatedAt from the incoming record, notify CacheUpdated.
//  3. rec.Unique and an existing entry with the same identity but different
//     payload: cache-flush — replace, notify CacheRemoved then CacheAdded.
//  4. Otherwise: append as a new coexisting entry, notify CacheAdded.
//
// A zero CreatedAt on the incoming record is treated as unset and replaced
// with the current time.
func (c *Cache) Put(rec *Record) {
	key := cacheKey(rec.Name)
	now := nowMillis()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}

	c.mu.Lock()
	list := c.entries[key]

	if rec.TTL == goodbyeTTL {
		var kept []*Record
		var removed []*Record
		for _, existing := range list {
			if existing.SameAs(rec) && existing.SameValue(rec) {
				removed = append(removed, existing)
				continue
			}
			kept = append(kept, existing)
		}
		c.entries[key] = kept
		c.mu.Unlock()
		for _, r := range removed {
			c.notify(CacheRemoved, r)
		}
		return
	}

	for i, existing := range list {
		if existing.SameAs(rec) {
			if existing.SameValue(rec) {
				existing.ResetTTL(rec.TTL, rec.CreatedAt)
				c.mu.Unlock()
				c.notify(CacheUpdated, existing)
				return
			}
			if rec.Unique {
				list[i] = rec
				c.entries[key] = list
				c.mu.Unlock()
				c.notify(CacheRemoved, existing)
				c.notify(CacheAdded, rec)
				return
			}
		}
	}
	c.entries[key] = append(list, rec)
	c.mu.Unlock()
	c.notify(CacheAdded, rec)
}

// Get returns the first record matching (name, type, class), if any.
func (c *Cache) Get(name string, typ RecordType, class Class) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.entries[cacheKey(name)] {
		if r.Type == typ && r.Class == class {
			return r
		}
	}
	return nil
}

// GetAll returns every cached record for a name, regardless of type.
func (c *Cache) GetAll(name string) []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Record(nil), c.entries[cacheKey(name)]...)
}

// ByType returns every cached record for a name with a given type.
func (c *Cache) ByType(name string, typ RecordType) []*Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Record
	for _, r := range c.entries[cacheKey(name)] {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

// Remove drops a specific record and notifies listeners.
func (c *Cache) Remove(rec *Record) {
	key := cacheKey(rec.Name)
	c.mu.Lock()
	list := c.entries[key]
	var kept []*Record
	removed := false
	for _, existing := range list {
		if !removed && existing == rec {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	c.entries[key] = kept
	c.mu.Unlock()
	if removed {
		c.notify(CacheRemoved, rec)
	}
}

// Clear drops every cached record without notifying listeners; used on
// transport recovery (§7) where the whole world is being rebuilt from
// scratch via fresh probes/queries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]*Record)
}

// Reap removes every record that has fully expired as of now, notifying
// listeners for each. Invoked periodically by the Reaper task (§4.5).
func (c *Cache) Reap(now int64) {
	c.mu.Lock()
	var expired []*Record
	for key, list := range c.entries {
		var kept []*Record
		for _, r := range list {
			if r.IsExpired(now) {
				expired = append(expired, r)
			} else {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(c.entries, key)
		} else {
			c.entries[key] = kept
		}
	}
	c.mu.Unlock()
	for _, r := range expired {
		c.notify(CacheRemoved, r)
	}
}
