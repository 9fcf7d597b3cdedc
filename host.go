package mdns

import (
	"fmt"
	"net"
	"strings"
	"sync"
)

// HostDescriptor owns a single hostname within the ".local." domain and the
// address records published for it. A host may be dual-stack: addr4/addr6
// are independent, either may be nil, and each optional family gets its own
// A/AAAA record synthesized on demand (§3 HostDescriptor, supplemented per
// SPEC_FULL §4 for dual-stack).
type HostDescriptor struct {
	mu sync.Mutex

	Name  string // e.g. "myhost.local."
	addr4 net.IP
	addr6 net.IP
	state *StateMachine
}

func newHostDescriptor(name string, addr4, addr6 net.IP) *HostDescriptor {
	return &HostDescriptor{
		Name:  canonicalLocalName(name),
		addr4: addr4,
		addr6: addr6,
		state: newStateMachine(),
	}
}

func canonicalLocalName(name string) string {
	name = strings.TrimSuffix(name, ".")
	if !strings.HasSuffix(strings.ToLower(name), ".local") {
		name += ".local"
	}
	return name + "."
}

func (h *HostDescriptor) State() State { return h.state.State() }

func (h *HostDescriptor) stateMachine() *StateMachine { return h.state }

// name returns the current host name under lock; Records and anything
// outside the host's own goroutine that needs the owner name (e.g. a
// service's SRV target) must go through this rather than reading the Name
// field directly, since Rename mutates it concurrently with conflict
// handling (§4.3).
func (h *HostDescriptor) name() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Name
}

// Rename applies JmDNS's incrementHostName suffixing: "myhost.local." ->
// "myhost-2.local." -> "myhost-3.local." (§5.4 supplemented: suffix starts
// at 2, the bare name is implicitly "1").
func (h *HostDescriptor) Rename() {
	h.mu.Lock()
	defer h.mu.Unlock()
	base := strings.TrimSuffix(h.Name, ".local.")
	n := 2
	if idx := strings.LastIndexByte(base, '-'); idx >= 0 {
		if suffix, ok := parseTrailingInt(base[idx+1:]); ok {
			base = base[:idx]
			n = suffix + 1
		}
	}
	h.Name = fmt.Sprintf("%s-%d.local.", base, n)
}

func parseTrailingInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// Records returns the A/AAAA records this host currently owns, one per
// bound family.
func (h *HostDescriptor) Records(ttl uint32) []*Record {
	h.mu.Lock()
	name, addr4, addr6 := h.Name, h.addr4, h.addr6
	h.mu.Unlock()

	var out []*Record
	now := nowMillis()
	if addr4 != nil {
		out = append(out, &Record{
			Name: name, Type: TypeA, Class: ClassIN, Unique: true,
			TTL: ttl, Data: AddressData{IP: addr4}, CreatedAt: now,
		})
	}
	if addr6 != nil {
		out = append(out, &Record{
			Name: name, Type: TypeAAAA, Class: ClassIN, Unique: true,
			TTL: ttl, Data: AddressData{IP: addr6}, CreatedAt: now,
		})
	}
	return out
}

// mergeAddresses fills in any address family this host doesn't yet have
// bound. Used when a second Register call shares the process's single host
// but supplies an address family the first call omitted (e.g. IPv4 first,
// IPv6 added by a later registration); a family already set is left
// untouched rather than overwritten out from under a running probe/announce.
func (h *HostDescriptor) mergeAddresses(addr4, addr6 net.IP) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.addr4 == nil && addr4 != nil {
		h.addr4 = addr4
	}
	if h.addr6 == nil && addr6 != nil {
		h.addr6 = addr6
	}
}

func (h *HostDescriptor) HasAddress() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addr4 != nil || h.addr6 != nil
}
