package mdns

import "testing"

func TestCachePutRefreshesIdenticalPayload(t *testing.T) {
	c := newCache()
	c.Put(newA("foo.local.", "10.0.0.1", 120, true, 1000))

	var events []CacheEvent
	c.AddListener(func(e CacheEvent, r *Record) { events = append(events, e) })

	c.Put(newA("foo.local.", "10.0.0.1", 120, true, 2000))

	if len(events) != 1 || events[0] != CacheUpdated {
		t.Fatalf("expected a single CacheUpdated event, got %v", events)
	}
	got := c.Get("foo.local.", TypeA, ClassIN)
	if got.CreatedAt != 2000 {
		t.Fatalf("expected TTL refresh to update CreatedAt, got %d", got.CreatedAt)
	}
}

func TestCachePutCacheFlushReplacesUniqueRecord(t *testing.T) {
	c := newCache()
	c.Put(&Record{Name: "hp._printer._tcp.local.", Type: TypeSRV, Class: ClassIN, Unique: true, TTL: 120,
		Data: ServiceData{Port: 631, Target: "hp.local."}})

	var events []CacheEvent
	c.AddListener(func(e CacheEvent, r *Record) { events = append(events, e) })

	c.Put(&Record{Name: "hp._printer._tcp.local.", Type: TypeSRV, Class: ClassIN, Unique: true, TTL: 120,
		Data: ServiceData{Port: 9100, Target: "hp.local."}})

	if len(events) != 2 || events[0] != CacheRemoved || events[1] != CacheAdded {
		t.Fatalf("expected remove-then-add on cache-flush replace, got %v", events)
	}
	all := c.ByType("hp._printer._tcp.local.", TypeSRV)
	if len(all) != 1 {
		t.Fatalf("expected exactly one SRV record after cache-flush, got %d", len(all))
	}
}

func TestCachePutCoexistsForNonUniqueRecords(t *testing.T) {
	c := newCache()
	c.Put(&Record{Name: "_printer._tcp.local.", Type: TypePTR, Class: ClassIN, Unique: false, TTL: 4500,
		Data: PointerData{Alias: "hp._printer._tcp.local."}})
	c.Put(&Record{Name: "_printer._tcp.local.", Type: TypePTR, Class: ClassIN, Unique: false, TTL: 4500,
		Data: PointerData{Alias: "canon._printer._tcp.local."}})

	all := c.ByType("_printer._tcp.local.", TypePTR)
	if len(all) != 2 {
		t.Fatalf("expected two coexisting PTR records, got %d", len(all))
	}
}

func TestCacheGoodbyeRemovesImmediately(t *testing.T) {
	c := newCache()
	c.Put(newA("foo.local.", "10.0.0.1", 120, true, 0))

	var removed []*Record
	c.AddListener(func(e CacheEvent, r *Record) {
		if e == CacheRemoved {
			removed = append(removed, r)
		}
	})

	c.Put(newA("foo.local.", "10.0.0.1", goodbyeTTL, true, 0))

	if got := c.Get("foo.local.", TypeA, ClassIN); got != nil {
		t.Fatal("expected goodbye record to remove the cached entry immediately")
	}
	if len(removed) != 1 {
		t.Fatalf("expected one CacheRemoved notification, got %d", len(removed))
	}
}

func TestCacheReapRemovesExpiredOnly(t *testing.T) {
	c := newCache()
	c.Put(newA("stale.local.", "10.0.0.1", 100, true, 1_000))
	c.Put(newA("fresh.local.", "10.0.0.2", 100, true, 90_000))

	c.Reap(101_000)

	if c.Get("stale.local.", TypeA, ClassIN) != nil {
		t.Fatal("expected expired record to be reaped")
	}
	if c.Get("fresh.local.", TypeA, ClassIN) == nil {
		t.Fatal("expected unexpired record to survive reap")
	}
}
