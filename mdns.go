// Package mdns implements a multicast DNS (RFC 6762) and DNS-SD (RFC 6763)
// engine: probing, announcing, responding, and resolving service records on
// the local network without a central server.
package mdns

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

func osHostname() (string, error) { return os.Hostname() }

// Zeroconf is the top-level handle applications hold: one multicast engine
// bound to a set of interfaces, capable of both advertising local services
// and discovering remote ones.
type Zeroconf struct {
	cfg    *config
	engine *Engine
	sched  *Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fragMu      sync.Mutex
	fragPending map[string]*pendingFragment

	hostMu sync.Mutex
	host   *HostDescriptor

	mu     sync.Mutex
	closed bool
}

// pendingFragment holds a truncated query awaiting its continuation
// datagram, keyed by sender address (§4.1, spec scenario "a query with TC=1
// ... if the second datagram doesn't arrive within 400ms, the partial query
// is discarded").
type pendingFragment struct {
	msg   *Message
	timer *time.Timer
}

// New constructs a Zeroconf bound to the host's multicast-capable
// interfaces (or those given via WithInterfaces), joins the mDNS multicast
// groups, and starts the read loop and the cache reaper.
func New(opts ...Option) (*Zeroconf, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("mdns: applying option: %w", err)
		}
	}
	if cfg.logger != nil {
		SetLogger(cfg.logger)
	}

	ifaces := cfg.ifaces
	if len(ifaces) == 0 {
		all, err := cfg.platform.Interfaces()
		if err != nil {
			return nil, fmt.Errorf("mdns: enumerating interfaces: %w", err)
		}
		ifaces = all
	}

	var sockets []Socket
	if cfg.ipv4 {
		sock, err := newUDP4Socket(ifaces, defaultUDPPayload, cfg.bindAddr)
		if err != nil {
			logger.Warn("ipv4 transport unavailable", "err", err)
		} else {
			sockets = append(sockets, sock)
		}
	}
	if cfg.ipv6 {
		sock, err := newUDP6Socket(ifaces, defaultUDPPayload, cfg.bindAddr)
		if err != nil {
			logger.Warn("ipv6 transport unavailable", "err", err)
		} else {
			sockets = append(sockets, sock)
		}
	}
	if len(sockets) == 0 {
		return nil, &IoError{Op: "new", Err: errNoUsableInterface}
	}

	engine := newEngine(cfg.ttl, sockets)
	ctx, cancel := context.WithCancel(context.Background())
	z := &Zeroconf{
		cfg:         cfg,
		engine:      engine,
		sched:       newScheduler(engine),
		ctx:         ctx,
		cancel:      cancel,
		fragPending: make(map[string]*pendingFragment),
	}

	for _, sock := range sockets {
		z.wg.Add(1)
		go z.readLoop(sock)
	}
	z.sched.Reap()

	return z, nil
}

func (z *Zeroconf) readLoop(sock Socket) {
	defer z.wg.Done()
	for {
		data, _, src, err := sock.Recv(z.ctx)
		if err != nil {
			if z.ctx.Err() != nil {
				return
			}
			logger.Warn("socket recv error, entering recovery", "err", err)
			newSock, ok := z.recoverFromIoError(sock)
			if !ok {
				return
			}
			sock = newSock
			continue
		}
		msg, err := DecodeMessage(data, sock.MaxPayload())
		if err != nil {
			logger.Warn("dropping malformed datagram", "err", err)
			continue
		}
		if msg.IsQuery() {
			z.handleIncomingQuery(msg, src)
			continue
		}
		z.engine.HandleIncoming(msg, src)
	}
}

// recoverFromIoError implements the §7 IoError recovery policy for a
// persistent Recv failure on one socket: cancel every running scheduler
// task, clear the cache, revert every owned host/service descriptor back to
// PROBING_1 and restart probing for it, then rebind a fresh socket to
// replace the one that failed. Returns the replacement socket and true on
// success; on a failed rebind it logs and returns false, telling the caller
// to stop reading on this transport rather than spin against the same dead
// socket forever.
func (z *Zeroconf) recoverFromIoError(old Socket) (Socket, bool) {
	z.sched.StopAll()
	z.engine.cache.Clear()

	z.hostMu.Lock()
	host := z.host
	z.hostMu.Unlock()
	if host != nil {
		host.stateMachine().Revert()
		z.sched.Probe(host)
	}

	z.engine.mu.Lock()
	services := make([]*ServiceDescriptor, 0, len(z.engine.services))
	for _, s := range z.engine.services {
		services = append(services, s)
	}
	z.engine.mu.Unlock()
	for _, s := range services {
		s.stateMachine().Revert()
		z.sched.Probe(s)
	}
	z.sched.Reap()

	newSock, err := old.Rebind()
	if err != nil {
		logger.Error("mdns: failed to rebind socket after recv error, abandoning this transport", "err", err)
		return nil, false
	}
	z.engine.replaceSocket(old, newSock)
	return newSock, true
}

// handleIncomingQuery reassembles TC-bit fragmented queries per §4.1 before
// handing a complete logical query to the engine's query handler, which
// answers it without a responder delay. A truncated query with
// no continuation within fragmentReassembleTO is discarded rather than
// answered against a partial known-answer list.
func (z *Zeroconf) handleIncomingQuery(msg *Message, src *net.UDPAddr) {
	if src == nil {
		if !msg.Header.Flags.IsTruncated() {
			z.engine.HandleIncoming(msg, src)
		}
		return
	}
	key := src.String()

	z.fragMu.Lock()
	if pending, ok := z.fragPending[key]; ok {
		delete(z.fragPending, key)
		pending.timer.Stop()
		if err := pending.msg.Append(msg); err != nil {
			logger.Warn("dropping datagram that does not continue a pending truncated query", "src", key, "err", err)
			z.fragMu.Unlock()
			return
		}
		msg = pending.msg
	}
	if msg.Header.Flags.IsTruncated() {
		p := &pendingFragment{msg: msg}
		p.timer = time.AfterFunc(fragmentReassembleTO, func() {
			z.fragMu.Lock()
			if z.fragPending[key] == p {
				delete(z.fragPending, key)
			}
			z.fragMu.Unlock()
			logger.Warn("discarding incomplete truncated query", "src", key)
		})
		z.fragPending[key] = p
		z.fragMu.Unlock()
		return
	}
	z.fragMu.Unlock()
	z.engine.HandleIncoming(msg, src)
}

// Register advertises a new service instance and begins probing for it.
// Port must be non-zero. text is the raw RFC 6763 §6 TXT payload (build one
// from a key/value map with EncodeTXT).
func (z *Zeroconf) Register(instance, serviceType, domain string, port uint16, text []byte, addr4, addr6 net.IP) (*ServiceDescriptor, error) {
	if port == 0 {
		return nil, fmt.Errorf("mdns: register %q: port must be non-zero", instance)
	}
	host, isNewHost := z.ownHost(addr4, addr6)

	svc := newServiceDescriptor(instance, serviceType, domain, host, port, text)
	z.engine.addService(svc)

	if isNewHost {
		z.sched.Probe(host)
	}
	z.sched.Probe(svc)
	return svc, nil
}

// ownHost returns this process's single HostDescriptor, creating and
// probing it on the first call. Every subsequent Register call shares that
// same descriptor rather than allocating a new one, so two Register calls
// for the same process never end up with two independently probing/
// announcing descriptors for the same hostname (§8: exactly one
// non-CANCELED descriptor per name). isNew reports whether this call
// created the descriptor, so the caller knows whether it still needs to
// kick off probing.
func (z *Zeroconf) ownHost(addr4, addr6 net.IP) (host *HostDescriptor, isNew bool) {
	z.hostMu.Lock()
	defer z.hostMu.Unlock()
	if z.host != nil {
		z.host.mergeAddresses(addr4, addr6)
		return z.host, false
	}
	z.host = newHostDescriptor(z.cfg.hostname, addr4, addr6)
	z.engine.addHost(z.host)
	return z.host, true
}

// RegisterType marks a service type as locally known without advertising
// any instance of it, so it appears in this process's DNS-SD meta-query
// (RFC 6763 §9) answers and so AddServiceTypeListener fires for it
// immediately, even before any instance of that type is registered.
func (z *Zeroconf) RegisterType(serviceType, domain string) {
	if domain == "" {
		domain = "local."
	}
	z.engine.noteType(fmt.Sprintf("%s.%s", strings.TrimSuffix(serviceType, "."), domain))
}

// SetText replaces a registered service's TXT payload. If the service was
// already ANNOUNCED, this reverts it to ANNOUNCING_1 and restarts the
// Announce task so the new TXT reaches every peer's cache with the
// cache-flush bit set (spec note: "needTextAnnouncing" double-checked state
// transition).
func (z *Zeroconf) SetText(svc *ServiceDescriptor, raw []byte) error {
	wasAnnounced := svc.State().IsAnnounced()
	if err := svc.SetText(raw); err != nil {
		return err
	}
	if wasAnnounced {
		svc.stateMachine().RestartAnnouncing()
		z.sched.Announce(svc)
	}
	return nil
}

// Unregister withdraws a previously registered service, sending goodbye
// records.
func (z *Zeroconf) Unregister(svc *ServiceDescriptor) {
	z.engine.removeService(svc)
	z.sched.Cancel(svc)
}

// UnregisterAll withdraws every service this instance has registered.
func (z *Zeroconf) UnregisterAll() {
	z.engine.mu.Lock()
	all := make([]*ServiceDescriptor, 0, len(z.engine.services))
	for _, s := range z.engine.services {
		all = append(all, s)
	}
	z.engine.mu.Unlock()
	for _, s := range all {
		z.Unregister(s)
	}
}

// AddServiceListener registers a callback for add/update/remove events on
// cached records of serviceType, and starts a ServiceResolver task to keep
// it fed. The returned CancelFunc stops that task; the listener itself
// stays registered for the engine's lifetime (matching the teacher's
// register-without-unregister listener style) but becomes inert once its
// resolver is canceled.
func (z *Zeroconf) AddServiceListener(serviceType string, l ServiceListener) context.CancelFunc {
	ctx, cancel := context.WithCancel(z.ctx)
	typeName := fmt.Sprintf("%s.local.", strings.TrimSuffix(serviceType, "."))
	key := cacheKey(typeName)
	z.engine.mu.Lock()
	z.engine.serviceListeners[key] = append(z.engine.serviceListeners[key], func(event CacheEvent, entry ServiceEntry) {
		if ctx.Err() == nil {
			l(event, entry)
		}
	})
	z.engine.mu.Unlock()

	go z.sched.ServiceResolver(ctx, typeName, func(r *Record) {
		z.dispatchServiceEvent(CacheAdded, r)
	})
	z.engine.cache.AddListener(func(event CacheEvent, r *Record) {
		z.dispatchServiceEvent(event, r)
	})
	return cancel
}

// RemoveServiceListener is a no-op placeholder retained for API symmetry;
// callers should instead cancel the context.CancelFunc returned by
// AddServiceListener.
func (z *Zeroconf) RemoveServiceListener(context.CancelFunc) {}

func (z *Zeroconf) dispatchServiceEvent(event CacheEvent, r *Record) {
	if r.Type != TypePTR {
		return
	}
	data, ok := r.Data.(PointerData)
	if !ok {
		return
	}
	entry := ServiceEntry{Type: r.Name}
	entry.Instance, entry.Type, entry.Domain = splitQualifiedName(data.Alias)

	z.engine.mu.Lock()
	listeners := append(append([]ServiceListener(nil), z.engine.serviceListeners[cacheKey(r.Name)]...), z.engine.serviceListeners[""]...)
	z.engine.mu.Unlock()
	for _, l := range listeners {
		l(event, entry)
	}
}

func splitQualifiedName(qualified string) (instance, serviceType, domain string) {
	parts := strings.SplitN(strings.TrimSuffix(qualified, "."), ".", 2)
	if len(parts) != 2 {
		return qualified, "", ""
	}
	instance = strings.NewReplacer(`\.`, `.`, `\\`, `\`).Replace(parts[0])
	rest := strings.SplitN(parts[1], ".", 3)
	if len(rest) >= 3 {
		serviceType = rest[0] + "." + rest[1]
		domain = rest[2] + "."
	}
	return instance, serviceType, domain
}

// AddServiceTypeListener registers a callback invoked once for every
// distinct service type this process has observed, whether advertised
// locally or seen on the network, and starts a TypeResolver task.
func (z *Zeroconf) AddServiceTypeListener(l ServiceTypeListener) context.CancelFunc {
	z.engine.mu.Lock()
	z.engine.typeListeners = append(z.engine.typeListeners, l)
	z.engine.mu.Unlock()

	ctx, cancel := context.WithCancel(z.ctx)
	go z.sched.TypeResolver(ctx, l)
	return cancel
}

// RemoveServiceTypeListener is retained for API symmetry; cancel the
// context.CancelFunc returned by AddServiceTypeListener instead.
func (z *Zeroconf) RemoveServiceTypeListener(context.CancelFunc) {}

// ServiceInfo blocks (up to timeout) resolving a specific service instance's
// SRV/TXT/address records, returning a populated ServiceEntry or an error if
// the deadline passes first.
func (z *Zeroconf) ServiceInfo(qualifiedName string, timeout time.Duration) (*ServiceEntry, error) {
	if timeout <= 0 {
		timeout = defaultInfoTimeout
	}
	ctx, cancel := context.WithTimeout(z.ctx, timeout)
	defer cancel()

	result := make(chan *ServiceEntry, 1)
	entry := &ServiceEntry{Text: map[string][]byte{}}
	entry.Instance, entry.Type, entry.Domain = splitQualifiedName(qualifiedName)

	var mu sync.Mutex
	check := func() {
		mu.Lock()
		defer mu.Unlock()
		if entry.Host != "" && entry.Port != 0 && len(entry.Addrs) > 0 {
			select {
			case result <- entry:
			default:
			}
		}
	}

	z.sched.InfoResolver(ctx, qualifiedName, func(r *Record) {
		mu.Lock()
		switch data := r.Data.(type) {
		case ServiceData:
			entry.Host = data.Target
			entry.Port = data.Port
		case TextData:
			entry.Text = parseTXT(data.Raw)
		case AddressData:
			entry.Addrs = append(entry.Addrs, data.IP)
		}
		mu.Unlock()
		check()
	})

	select {
	case e := <-result:
		return e, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("mdns: resolving %q: %w", qualifiedName, ctx.Err())
	}
}

// RequestServiceInfo is the non-blocking counterpart to ServiceInfo: it
// starts resolution and returns immediately, invoking onResolved from a
// background goroutine once enough records are seen.
func (z *Zeroconf) RequestServiceInfo(qualifiedName string, onResolved func(*ServiceEntry)) context.CancelFunc {
	_, cancel := context.WithCancel(z.ctx)
	go func() {
		entry, err := z.ServiceInfo(qualifiedName, defaultInfoTimeout)
		if err == nil {
			onResolved(entry)
		}
	}()
	return cancel
}

// Services returns every currently cached service instance of the given
// type: a snapshot, not a live view — use AddServiceListener for updates.
func (z *Zeroconf) Services(serviceType, domain string) []ServiceEntry {
	if domain == "" {
		domain = "local."
	}
	typeName := fmt.Sprintf("%s.%s", strings.TrimSuffix(serviceType, "."), domain)
	var out []ServiceEntry
	for _, r := range z.engine.cache.ByType(typeName, TypePTR) {
		data, ok := r.Data.(PointerData)
		if !ok {
			continue
		}
		instance, typ, dom := splitQualifiedName(data.Alias)
		out = append(out, ServiceEntry{Instance: instance, Type: typ, Domain: dom})
	}
	return out
}

// Close withdraws every registered service, stops all scheduled tasks, and
// closes the underlying sockets.
func (z *Zeroconf) Close() error {
	z.mu.Lock()
	if z.closed {
		z.mu.Unlock()
		return nil
	}
	z.closed = true
	z.mu.Unlock()

	z.UnregisterAll()
	time.Sleep(goodbyeInterval * goodbyePasses) // best-effort: let goodbyes reach the wire
	z.sched.StopAll()
	z.cancel()
	z.wg.Wait()

	z.fragMu.Lock()
	for key, p := range z.fragPending {
		p.timer.Stop()
		delete(z.fragPending, key)
	}
	z.fragMu.Unlock()

	var firstErr error
	for _, sock := range z.engine.socketsSnapshot() {
		if err := sock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// parseTXT parses a raw RFC 6763 §6.3 TXT payload into a key/value map, for
// remote records not owned by this process (ServiceDescriptor.TextRecords
// covers the locally-owned case).
func parseTXT(raw []byte) map[string][]byte {
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
			out[string(pair[:eq])] = append([]byte(nil), pair[eq+1:]...)
		} else if len(pair) > 0 {
			out[string(pair)] = nil
		}
	}
	return out
}

// EncodeTXT builds a raw RFC 6763 §6.3 TXT payload from a key/value map. A
// nil value produces a bare key with no '='.
func EncodeTXT(pairs map[string][]byte) []byte {
	var out []byte
	for k, v := range pairs {
		var entry []byte
		if v == nil {
			entry = []byte(k)
		} else {
			entry = append([]byte(k+"="), v...)
		}
		if len(entry) > 255 {
			entry = entry[:255]
		}
		out = append(out, byte(len(entry)))
		out = append(out, entry...)
	}
	return out
}
