package mdns

import (
	"fmt"
	"strings"
	"sync"
)

// ServiceDescriptor owns one advertised service instance (§3
// ServiceDescriptor). Instance/Type/Domain together form the three labels
// DNS-SD PTR/SRV records are built from (RFC 6763 §4).
type ServiceDescriptor struct {
	mu sync.Mutex

	Instance string // e.g. "My Printer"
	Type     string // e.g. "_http._tcp"
	Domain   string // "local."
	Host     *HostDescriptor
	Port     uint16
	Priority uint16
	Weight   uint16
	text     []byte // raw TXT payload, RFC 6763 §6 key[=value] pairs

	state *StateMachine
}

func newServiceDescriptor(instance, svcType, domain string, host *HostDescriptor, port uint16, text []byte) *ServiceDescriptor {
	if domain == "" {
		domain = "local."
	}
	return &ServiceDescriptor{
		Instance: instance,
		Type:     strings.TrimSuffix(svcType, "."),
		Domain:   domain,
		Host:     host,
		Port:     port,
		text:     text,
		state:    newStateMachine(),
	}
}

func (s *ServiceDescriptor) State() State { return s.state.State() }

func (s *ServiceDescriptor) stateMachine() *StateMachine { return s.state }

// QualifiedName is the full service instance name used as PTR target and
// SRV/TXT owner name: "<instance>.<type>.<domain>".
func (s *ServiceDescriptor) QualifiedName() string {
	s.mu.Lock()
	instance := s.Instance
	s.mu.Unlock()
	return fmt.Sprintf("%s.%s.%s", escapeInstance(instance), s.Type, s.Domain)
}

// TypeName is the bare service type name used as the PTR question/owner:
// "<type>.<domain>".
func (s *ServiceDescriptor) TypeName() string {
	return fmt.Sprintf("%s.%s", s.Type, s.Domain)
}

func escapeInstance(instance string) string {
	// RFC 6763 §4.1.3: '.' and '\' within an instance name are backslash-escaped.
	r := strings.NewReplacer(`\`, `\\`, `.`, `\.`)
	return r.Replace(instance)
}

// Rename applies JmDNS's incrementName suffixing to the instance portion:
// "My Printer" -> "My Printer (2)" -> "My Printer (3)" (§5.4 supplemented).
func (s *ServiceDescriptor) Rename() {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.Instance
	n := 2
	if idx := strings.LastIndexByte(base, '('); idx > 0 && strings.HasSuffix(base, ")") {
		if suffix, ok := parseTrailingInt(base[idx+1 : len(base)-1]); ok {
			base = strings.TrimRight(base[:idx], " ")
			n = suffix + 1
		}
	}
	s.Instance = fmt.Sprintf("%s (%d)", base, n)
}

// SetText replaces the TXT payload. Returns an error if the descriptor has
// already been withdrawn; otherwise it always requires re-announcement
// (§4.3: owned unique records changing value must be re-advertised with the
// cache-flush bit so peers correct their cache).
func (s *ServiceDescriptor) SetText(raw []byte) error {
	if st := s.state.State(); st.IsCanceled() {
		return &StateViolation{Name: s.QualifiedName(), State: st}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = raw
	return nil
}

// TextRaw returns the raw TXT payload bytes.
func (s *ServiceDescriptor) TextRaw() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.text...)
}

// TextRecords parses the TXT payload into a key -> value map, per RFC 6763
// §6.3. A bare key (no '=') maps to a nil value slice, distinguishable from
// an explicit empty value ("key=") which maps to an empty non-nil slice.
// Restores JmDNS ServiceInfoImpl's property-map convenience accessor that
// the distilled spec dropped (SPEC_FULL §4).
func (s *ServiceDescriptor) TextRecords() map[string][]byte {
	s.mu.Lock()
	raw := s.text
	s.mu.Unlock()

	out := make(map[string][]byte)
	i := 0
	for i < len(raw) {
		n := int(raw[i])
		i++
		if n == 0 || i+n > len(raw) {
			break
		}
		pair := raw[i : i+n]
		i += n
		if eq := indexByte(pair, '='); eq >= 0 {
			out[string(pair[:eq])] = append([]byte{}, pair[eq+1:]...)
		} else if len(pair) > 0 {
			out[string(pair)] = nil
		}
	}
	return out
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// TextHas reports whether key is present in the TXT record, whether bare or
// with a value.
func (s *ServiceDescriptor) TextHas(key string) bool {
	_, ok := s.TextRecords()[key]
	return ok
}

// SRVRecord synthesizes this service's SRV record, owned by the qualified
// instance name, pointing at the host's name.
func (s *ServiceDescriptor) SRVRecord(ttl uint32) *Record {
	return &Record{
		Name: s.QualifiedName(), Type: TypeSRV, Class: ClassIN, Unique: true,
		TTL: ttl, CreatedAt: nowMillis(),
		Data: ServiceData{Priority: s.Priority, Weight: s.Weight, Port: s.Port, Target: s.Host.name()},
	}
}

// TXTRecord synthesizes this service's TXT record.
func (s *ServiceDescriptor) TXTRecord(ttl uint32) *Record {
	return &Record{
		Name: s.QualifiedName(), Type: TypeTXT, Class: ClassIN, Unique: true,
		TTL: ttl, CreatedAt: nowMillis(), Data: TextData{Raw: s.TextRaw()},
	}
}

// PTRRecord synthesizes the service-type PTR record, non-unique since many
// instances share one PTR owner name (RFC 6763 §4.1: PTR records are shared,
// not unique).
func (s *ServiceDescriptor) PTRRecord(ttl uint32) *Record {
	return &Record{
		Name: s.TypeName(), Type: TypePTR, Class: ClassIN, Unique: false,
		TTL: ttl, CreatedAt: nowMillis(), Data: PointerData{Alias: s.QualifiedName()},
	}
}

// Records returns the full set of records this descriptor owns: PTR, SRV,
// TXT, plus the host's address records.
func (s *ServiceDescriptor) Records(ttl uint32) []*Record {
	out := []*Record{s.PTRRecord(ttl), s.SRVRecord(ttl), s.TXTRecord(ttl)}
	if s.Host != nil {
		out = append(out, s.Host.Records(ttl)...)
	}
	return out
}
