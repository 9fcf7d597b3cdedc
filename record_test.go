package mdns

import (
	"net"
	"testing"
)

func newA(name string, ip string, ttl uint32, unique bool, createdAt int64) *Record {
	return &Record{
		Name: name, Type: TypeA, Class: ClassIN, Unique: unique, TTL: ttl,
		Data: AddressData{IP: net.ParseIP(ip).To4()}, CreatedAt: createdAt,
	}
}

func TestSameAsIgnoresPayloadAndCase(t *testing.T) {
	a := newA("Foo.local.", "10.0.0.1", 120, true, 0)
	b := newA("foo.local.", "10.0.0.2", 60, true, 0)
	if !a.SameAs(b) {
		t.Fatal("expected SameAs to ignore payload/TTL/case differences")
	}
	if a.SameValue(b) {
		t.Fatal("expected SameValue to differ on payload")
	}
}

func TestIsStaleAndExpired(t *testing.T) {
	r := newA("foo.local.", "10.0.0.1", 100, true, 0)
	if r.IsStale(49_000) {
		t.Fatal("record should not be stale before 50% of TTL elapses")
	}
	if !r.IsStale(50_000) {
		t.Fatal("record should be stale at exactly 50% of TTL")
	}
	if r.IsExpired(99_000) {
		t.Fatal("record should not be expired before full TTL elapses")
	}
	if !r.IsExpired(100_000) {
		t.Fatal("record should be expired at exactly full TTL")
	}
}

func TestSuppressedByRequiresMoreThanHalfTTL(t *testing.T) {
	ours := newA("foo.local.", "10.0.0.1", 120, true, 0)

	exactlyHalf := newA("foo.local.", "10.0.0.1", 60, true, 0)
	if ours.SuppressedBy([]*Record{exactlyHalf}) {
		t.Fatal("exactly half TTL must not suppress (strictly greater required)")
	}

	moreThanHalf := newA("foo.local.", "10.0.0.1", 61, true, 0)
	if !ours.SuppressedBy([]*Record{moreThanHalf}) {
		t.Fatal("more than half TTL should suppress")
	}

	differentPayload := newA("foo.local.", "10.0.0.9", 120, true, 0)
	if ours.SuppressedBy([]*Record{differentPayload}) {
		t.Fatal("a known answer with a different payload must not suppress")
	}
}

func TestCompareRecordsTieBreakAntisymmetry(t *testing.T) {
	a := newA("foo.local.", "192.168.1.5", 120, true, 0)
	b := newA("foo.local.", "192.168.1.9", 120, true, 0)

	ab := CompareRecords(a, b)
	ba := CompareRecords(b, a)
	if ab == 0 {
		t.Fatal("distinct records must not compare equal")
	}
	if ab != -ba {
		t.Fatalf("compare must be antisymmetric: compare(a,b)=%d compare(b,a)=%d", ab, ba)
	}
	// .9 sorts after .5 byte-wise, so it should win the tie-break (scenario 2).
	if ab >= 0 {
		t.Fatalf("expected 192.168.1.5 to lose the tie-break to 192.168.1.9, got compare=%d", ab)
	}
}

func TestResetTTL(t *testing.T) {
	r := newA("foo.local.", "10.0.0.1", 10, true, 0)
	r.ResetTTL(120, 5000)
	if r.TTL != 120 || r.CreatedAt != 5000 {
		t.Fatalf("ResetTTL did not update fields: %+v", r)
	}
}
