package mdns

import (
	"net"
	"strings"
	"sync"
)

// descriptor is the common surface the engine needs from both
// HostDescriptor and ServiceDescriptor for probing, conflict resolution,
// and withdrawal (§4.4).
type descriptor interface {
	Records(ttl uint32) []*Record
	Rename()
	stateMachine() *StateMachine
}

// ServiceEntry is a resolved view of a remote service instance, built from
// the cache's PTR/SRV/TXT/address chain, delivered to ServiceListeners.
type ServiceEntry struct {
	Instance string
	Type     string
	Domain   string
	Host     string
	Port     uint16
	Addrs    []net.IP
	Text     map[string][]byte
}

type ServiceListener func(event CacheEvent, entry ServiceEntry)
type ServiceTypeListener func(serviceType string)

// Engine owns every record this process advertises, the cache of records
// learned from the network, and the query/response/conflict logic of §4.4.
// It is used concurrently by the per-socket read loops, by every scheduler
// task's timer goroutine, and by public API callers; its mutex guards the
// descriptor maps, listeners and socket set shared between them.
type Engine struct {
	mu sync.Mutex

	ttl uint32

	services map[string]*ServiceDescriptor // key: lowercased qualified name
	hosts    map[string]*HostDescriptor    // key: lowercased host name
	types    map[string]struct{}           // every <type>.<domain> ever seen

	cache *Cache

	serviceListeners map[string][]ServiceListener // key: lowercased type name, "" = all
	typeListeners    []ServiceTypeListener

	sockets []Socket
}

func newEngine(ttl uint32, sockets []Socket) *Engine {
	return &Engine{
		ttl:              ttl,
		services:         make(map[string]*ServiceDescriptor),
		hosts:            make(map[string]*HostDescriptor),
		types:            make(map[string]struct{}),
		cache:            newCache(),
		serviceListeners: make(map[string][]ServiceListener),
		sockets:          sockets,
	}
}

func (e *Engine) addHost(h *HostDescriptor) {
	e.mu.Lock()
	e.hosts[cacheKey(h.Name)] = h
	e.mu.Unlock()
}

func (e *Engine) addService(s *ServiceDescriptor) {
	e.mu.Lock()
	e.services[cacheKey(s.QualifiedName())] = s
	e.mu.Unlock()
	e.noteType(s.TypeName())
}

func (e *Engine) removeService(s *ServiceDescriptor) {
	e.mu.Lock()
	delete(e.services, cacheKey(s.QualifiedName()))
	e.mu.Unlock()
}

// noteType records a newly observed service type and fires typeListeners
// for it exactly once. Locks independently so it can be called both from
// under addService (which has already released e.mu) and directly from the
// public RegisterType entry point.
func (e *Engine) noteType(typeName string) {
	key := cacheKey(typeName)
	e.mu.Lock()
	_, seen := e.types[key]
	if !seen {
		e.types[key] = struct{}{}
	}
	listeners := append([]ServiceTypeListener(nil), e.typeListeners...)
	e.mu.Unlock()

	if seen {
		return
	}
	go func() {
		for _, l := range listeners {
			l(typeName)
		}
	}()
}

// findOwnedRecord looks across every owned host and service descriptor for
// a record matching (name, type, class), returning both the record and the
// descriptor it belongs to.
func (e *Engine) findOwnedRecord(name string, typ RecordType, class Class) (*Record, descriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.hosts {
		for _, r := range h.Records(e.ttl) {
			if r.Type == typ && r.Class == class && r.nameEqualFold(name) {
				return r, h
			}
		}
	}
	for _, s := range e.services {
		for _, r := range s.Records(e.ttl) {
			if r.Type == typ && r.Class == class && r.nameEqualFold(name) {
				return r, s
			}
		}
	}
	return nil, nil
}

// allOwnedRecords returns every record every descriptor currently owns,
// plus one DNS-SD meta-query PTR per registered service.
func (e *Engine) allOwnedRecords() []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Record
	for _, h := range e.hosts {
		out = append(out, h.Records(e.ttl)...)
	}
	for _, s := range e.services {
		out = append(out, s.Records(e.ttl)...)
		ptr := &Record{Name: dnsSDMetaQuery, Type: TypePTR, Class: ClassIN, Unique: false,
			TTL: e.ttl, CreatedAt: nowMillis(), Data: PointerData{Alias: s.TypeName()}}
		out = append(out, ptr)
	}
	return out
}

// HandleIncoming dispatches a decoded message to query or response
// handling, called from the socket read loop for every datagram received on
// any joined interface (§4.4).
func (e *Engine) HandleIncoming(msg *Message, src *net.UDPAddr) {
	if msg.IsQuery() {
		e.handleQuery(msg, src)
	} else {
		e.handleResponse(msg)
	}
}

// handleResponse incorporates every record in a response into the cache,
// checking each against our own owned records for a conflict first (§4.3).
func (e *Engine) handleResponse(msg *Message) {
	all := append(append([]*Record{}, msg.Answers...), msg.Additionals...)
	for _, rec := range all {
		if owned, who := e.findOwnedRecord(rec.Name, rec.Type, rec.Class); owned != nil {
			e.resolveConflict(owned, rec, who)
			continue
		}
		if rec.Type == TypePTR {
			e.noteType(rec.Name)
		}
		e.cache.Put(rec)
	}
}

// resolveConflict implements §4.3: an incoming record claiming a name we
// also claim is only a conflict if it differs in value from ours and at
// least one of the two is Unique. The loser is decided by the lexicographic
// tie-break on canonical bytes; the winner reasserts, the loser renames and
// its state reverts to PROBING_1. No new Probe task is started here.
func (e *Engine) resolveConflict(owned, incoming *Record, who descriptor) {
	if owned.SameValue(incoming) {
		return
	}
	if !owned.Unique && !incoming.Unique {
		return // shared (non-unique) records never conflict, e.g. coexisting PTRs
	}
	if CompareRecords(owned, incoming) > 0 {
		e.reassert(owned)
		return
	}
	logger.Warn("name conflict lost, renaming", "name", owned.Name, "type", owned.Type)
	who.Rename()
	who.stateMachine().Revert()
}

// reassert immediately re-sends a single owned record to defend it against
// a conflicting but losing claim (RFC 6762 §9).
func (e *Engine) reassert(owned *Record) {
	owned.Unique = true
	e.sendRecords([]*Record{owned})
}

// handleQuery answers a query against our owned records, applying
// known-answer suppression (RFC 6762 §7.1) and responding unicast when every
// question in the message requested it (QU bit) and the sender's address is
// reachable.
func (e *Engine) handleQuery(msg *Message, src *net.UDPAddr) {
	e.checkProbeConflicts(msg)

	var answers []*Record
	var additionals []*Record
	unicastOnly := len(msg.Questions) > 0

	for _, q := range msg.Questions {
		if !q.Unique {
			unicastOnly = false
		}
		matched := e.answersFor(q)
		for _, rec := range matched {
			if rec.SuppressedBy(msg.Answers) {
				continue
			}
			answers = append(answers, rec)
		}
	}
	if len(answers) == 0 {
		return
	}
	additionals = e.additionalsFor(answers)

	resp := &Message{
		Header:      Header{Flags: flagResponse | flagAuthoritative},
		Answers:     dedupRecords(answers),
		Additionals: dedupRecords(additionals),
	}
	if unicastOnly && src != nil {
		e.sendUnicast(resp, src)
		return
	}
	e.sendMessage(resp)
}

// checkProbeConflicts inspects the authority section of an incoming query,
// which under RFC 6762 §8.2 carries a probing peer's proposed record for the
// name it is trying to claim. Any authority record that matches a name we
// currently own is run through the same tie-break resolveConflict applies to
// response-based conflicts (§4.3), so a simultaneous probe against one of
// our records loses or wins exactly as if it had arrived as a response.
func (e *Engine) checkProbeConflicts(msg *Message) {
	for _, rec := range msg.Authorities {
		if owned, who := e.findOwnedRecord(rec.Name, rec.Type, rec.Class); owned != nil {
			e.resolveConflict(owned, rec, who)
		}
	}
}

// answersFor resolves a single question against owned records, including
// the DNS-SD meta-query (RFC 6763 §9) and ANY-class/ANY-type wildcards.
func (e *Engine) answersFor(q Question) []*Record {
	if strings.EqualFold(strings.TrimSuffix(q.Name, "."), strings.TrimSuffix(dnsSDMetaQuery, ".")) {
		return e.metaQueryAnswers()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Record
	for _, h := range e.hosts {
		for _, r := range h.Records(e.ttl) {
			if recordMatchesQuestion(r, q) {
				out = append(out, r)
			}
		}
	}
	for _, s := range e.services {
		for _, r := range s.Records(e.ttl) {
			if recordMatchesQuestion(r, q) {
				out = append(out, r)
			}
		}
	}
	return out
}

func recordMatchesQuestion(r *Record, q Question) bool {
	if !r.nameEqualFold(q.Name) {
		return false
	}
	if q.Type != TypeANY && r.Type != q.Type {
		return false
	}
	if q.Class != ClassANY && r.Class != q.Class {
		return false
	}
	return true
}

func (e *Engine) metaQueryAnswers() []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Record
	for typeName := range e.types {
		out = append(out, &Record{
			Name: dnsSDMetaQuery, Type: TypePTR, Class: ClassIN, Unique: false,
			TTL: e.ttl, CreatedAt: nowMillis(), Data: PointerData{Alias: typeName},
		})
	}
	return out
}

// additionalsFor implements the "glue" records RFC 6763 §12 recommends:
// a PTR answer pulls in its SRV+TXT, an SRV answer pulls in the target
// host's A/AAAA (the spec's Address-record addAnswer note, §9).
func (e *Engine) additionalsFor(answers []*Record) []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Record
	seen := make(map[*Record]bool)
	add := func(r *Record) {
		if r != nil && !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	for _, a := range answers {
		switch data := a.Data.(type) {
		case PointerData:
			if s := e.serviceByQualifiedName(data.Alias); s != nil {
				add(s.SRVRecord(e.ttl))
				add(s.TXTRecord(e.ttl))
				if s.Host != nil {
					for _, hr := range s.Host.Records(e.ttl) {
						add(hr)
					}
				}
			}
		case ServiceData:
			if h := e.hostByName(data.Target); h != nil {
				for _, hr := range h.Records(e.ttl) {
					add(hr)
				}
			}
		}
	}
	return out
}

func (e *Engine) serviceByQualifiedName(name string) *ServiceDescriptor {
	return e.services[cacheKey(name)]
}

func (e *Engine) hostByName(name string) *HostDescriptor {
	return e.hosts[cacheKey(name)]
}

func dedupRecords(recs []*Record) []*Record {
	var out []*Record
	for _, r := range recs {
		dup := false
		for _, o := range out {
			if o == r {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) sendRecords(recs []*Record) {
	e.sendMessage(&Message{Header: Header{Flags: flagResponse | flagAuthoritative}, Answers: recs})
}

func (e *Engine) sendMessage(msg *Message) {
	for _, sock := range e.socketsSnapshot() {
		datagrams, err := EncodeMessage(msg, sock.MaxPayload())
		if err != nil {
			logger.Error("failed to encode outgoing message", "err", err)
			continue
		}
		for _, d := range datagrams {
			if err := sock.Send(d); err != nil {
				logger.Warn("failed to send multicast datagram", "err", err)
			}
		}
	}
}

func (e *Engine) sendUnicast(msg *Message, addr *net.UDPAddr) {
	for _, sock := range e.socketsSnapshot() {
		datagrams, err := EncodeMessage(msg, sock.MaxPayload())
		if err != nil {
			logger.Error("failed to encode outgoing message", "err", err)
			continue
		}
		for _, d := range datagrams {
			if err := sock.SendTo(d, addr); err != nil {
				logger.Warn("failed to send unicast datagram", "err", err)
			}
		}
	}
}

// socketsSnapshot copies the current socket set under lock so callers can
// iterate and send without holding e.mu across network I/O, and so a
// concurrent replaceSocket (from the IoError recovery path, §7) can't race
// the iteration.
func (e *Engine) socketsSnapshot() []Socket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Socket(nil), e.sockets...)
}

// replaceSocket swaps a failed socket for a freshly rebound one after a
// persistent Recv error, leaving every other joined socket's send path
// intact (§7).
func (e *Engine) replaceSocket(old, repl Socket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.sockets {
		if s == old {
			e.sockets[i] = repl
			return
		}
	}
}

// goodbye sends TTL=0 records to withdraw ownership of everything a
// descriptor published (RFC 6762 §10.1).
func (e *Engine) goodbye(recs []*Record) {
	for _, r := range recs {
		r.TTL = goodbyeTTL
	}
	e.sendRecords(recs)
}
