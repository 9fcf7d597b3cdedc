package mdns

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// task is a cancelable, self-rescheduling unit of scheduled work (§4.5).
// Each concrete task below is a closure that reschedules itself via
// time.AfterFunc until its own exit condition is met or cancel() is called;
// there is no central ticking goroutine, matching the single-timer-per-job
// style the table in §4.5 describes.
type task struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (t *task) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Scheduler owns every running task for one Engine and is the only thing
// that outlives a single Register/Unregister call, so Close can stop
// everything deterministically (§5).
type Scheduler struct {
	engine *Engine

	mu    sync.Mutex
	tasks map[*task]struct{}
}

func newScheduler(e *Engine) *Scheduler {
	return &Scheduler{engine: e, tasks: make(map[*task]struct{})}
}

func (s *Scheduler) track(t *task) {
	s.mu.Lock()
	s.tasks[t] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) untrack(t *task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}

// StopAll cancels every running task; called from Close.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	all := make([]*task, 0, len(s.tasks))
	for t := range s.tasks {
		all = append(all, t)
	}
	s.tasks = make(map[*task]struct{})
	s.mu.Unlock()
	for _, t := range all {
		t.stop()
	}
}

// Probe runs the three-pass probing sequence of RFC 6762 §8.1: send a query
// for the name with the proposed records in the authority section (for
// simultaneous-probe tie-break), wait probePassInterval, repeat. After
// probePasses rounds it advances the descriptor into announcing and starts
// the Announce task. The task does not check for conflicts itself: a Revert
// made by the engine while probing does not reset its pass count.
func (s *Scheduler) Probe(d descriptor) {
	t := &task{}
	s.track(t)

	var run func(pass int)
	run = func(pass int) {
		if d.stateMachine().State().IsCanceled() {
			s.untrack(t)
			return
		}
		if pass >= probePasses {
			d.stateMachine().Advance() // -> announcing
			s.untrack(t)
			s.Announce(d)
			return
		}
		if pass > 0 {
			d.stateMachine().Advance()
		}
		s.sendProbe(d)
		t.mu.Lock()
		t.timer = time.AfterFunc(probePassInterval, func() { run(pass + 1) })
		t.mu.Unlock()
	}
	run(0)
}

func (s *Scheduler) sendProbe(d descriptor) {
	recs := d.Records(s.engine.ttl)
	if len(recs) == 0 {
		return
	}
	q := Question{Name: recs[0].Name, Type: TypeANY, Class: ClassIN, Unique: true}
	msg := &Message{Questions: []Question{q}, Authorities: recs}
	s.engine.sendMessage(msg)
}

// Announce sends announcePasses unsolicited responses, announcePassInterval
// apart, asserting ownership of the descriptor's records with the
// cache-flush bit set (RFC 6762 §8.3).
func (s *Scheduler) Announce(d descriptor) {
	t := &task{}
	s.track(t)

	var run func(pass int)
	run = func(pass int) {
		if d.stateMachine().State().IsCanceled() {
			s.untrack(t)
			return
		}
		if pass >= announcePasses {
			d.stateMachine().Advance() // -> announced
			s.untrack(t)
			s.Renew(d)
			return
		}
		if pass > 0 {
			d.stateMachine().Advance()
		}
		s.engine.sendRecords(d.Records(s.engine.ttl))
		t.mu.Lock()
		t.timer = time.AfterFunc(announcePassInterval*time.Duration(pass+1), func() { run(pass + 1) })
		t.mu.Unlock()
	}
	run(0)
}

// Renew keeps an announced owned record's TTL fresh in every peer's cache by
// re-asserting it at each fraction in renewalFractions of its TTL; the first
// refresh goes out once 80% of the TTL has elapsed.
func (s *Scheduler) Renew(d descriptor) {
	t := &task{}
	s.track(t)

	var run func(idx int)
	run = func(idx int) {
		if d.stateMachine().State().IsCanceled() {
			s.untrack(t)
			return
		}
		if idx >= len(renewalFractions) {
			s.untrack(t)
			return
		}
		delay := time.Duration(float64(s.engine.ttl) * float64(time.Second) * renewalFractions[idx])
		if idx > 0 {
			delay = time.Duration(float64(s.engine.ttl)*float64(time.Second)*renewalFractions[idx]) -
				time.Duration(float64(s.engine.ttl)*float64(time.Second)*renewalFractions[idx-1])
		}
		t.mu.Lock()
		t.timer = time.AfterFunc(delay, func() {
			if !d.stateMachine().State().IsCanceled() {
				s.engine.sendRecords(d.Records(s.engine.ttl))
			}
			run(idx + 1)
		})
		t.mu.Unlock()
	}
	run(0)
}

// Respond delays a multicast response by a random jitter in
// [responderMinDelay, responderMinDelay+responderMaxDelay), per RFC 6762
// §6's "random delay of 20-120ms" collision-avoidance rule, then sends it
// unless a byte-identical answer has since appeared from another responder
// (checked by re-evaluating known-answer suppression against the cache at
// fire time).
func (s *Scheduler) Respond(msg *Message) {
	jitter := responderMinDelay + time.Duration(rand.Int63n(int64(responderMaxDelay)))
	t := &task{}
	s.track(t)
	t.mu.Lock()
	t.timer = time.AfterFunc(jitter, func() {
		defer s.untrack(t)
		var live []*Record
		for _, r := range msg.Answers {
			if r.SuppressedBy(s.engine.cache.ByType(r.Name, r.Type)) {
				continue
			}
			live = append(live, r)
		}
		if len(live) == 0 {
			return
		}
		msg.Answers = live
		s.engine.sendMessage(msg)
	})
	t.mu.Unlock()
}

// Reap periodically purges expired cache entries (§4.5).
func (s *Scheduler) Reap() {
	t := &task{}
	s.track(t)
	var run func()
	run = func() {
		s.engine.cache.Reap(nowMillis())
		t.mu.Lock()
		t.timer = time.AfterFunc(reapInterval, run)
		t.mu.Unlock()
	}
	t.mu.Lock()
	t.timer = time.AfterFunc(reapInterval, run)
	t.mu.Unlock()
}

// Cancel withdraws a descriptor: sends goodbyePasses goodbye records
// goodbyeInterval apart, then marks the descriptor canceled (RFC 6762
// §10.1).
func (s *Scheduler) Cancel(d descriptor) {
	recs := d.Records(s.engine.ttl)
	t := &task{}
	s.track(t)

	var run func(pass int)
	run = func(pass int) {
		if pass >= goodbyePasses {
			d.stateMachine().Cancel()
			s.untrack(t)
			return
		}
		s.engine.goodbye(recs)
		t.mu.Lock()
		t.timer = time.AfterFunc(goodbyeInterval, func() { run(pass + 1) })
		t.mu.Unlock()
	}
	run(0)
}

// ServiceResolver repeatedly queries for a service type's PTR records with
// exponential backoff starting at serviceResolveBase, feeding every matching
// cached/received record to onAnswer, until the context is canceled (§4.5).
// Used by AddServiceListener, whose returned CancelFunc stops it.
func (s *Scheduler) ServiceResolver(ctx context.Context, typeName string, onAnswer func(*Record)) {
	q := Question{Name: typeName, Type: TypePTR, Class: ClassIN}
	s.runResolver(ctx, q, onAnswer)
}

// InfoResolver queries for a specific service instance's SRV+TXT+address
// records, per §4.5, used to satisfy ServiceInfo/RequestServiceInfo once a
// PTR has named a candidate instance. The target host named by the SRV
// answer isn't known until that answer arrives, so address resolution
// starts lazily off the SRV resolver's first hit rather than up front
// (completing the PTR->SRV->TXT->address chain spec.md describes).
func (s *Scheduler) InfoResolver(ctx context.Context, qualifiedName string, onAnswer func(*Record)) {
	srv := Question{Name: qualifiedName, Type: TypeSRV, Class: ClassIN}
	txt := Question{Name: qualifiedName, Type: TypeTXT, Class: ClassIN}

	var startAddrResolvers sync.Once
	onSRV := func(r *Record) {
		onAnswer(r)
		if data, ok := r.Data.(ServiceData); ok {
			startAddrResolvers.Do(func() {
				go s.resolveHostAddresses(ctx, data.Target, onAnswer)
			})
		}
	}
	s.runResolver(ctx, srv, onSRV)
	s.runResolver(ctx, txt, onAnswer)
}

func (s *Scheduler) resolveHostAddresses(ctx context.Context, host string, onAnswer func(*Record)) {
	a := Question{Name: host, Type: TypeA, Class: ClassIN}
	aaaa := Question{Name: host, Type: TypeAAAA, Class: ClassIN}
	s.runResolver(ctx, a, onAnswer)
	s.runResolver(ctx, aaaa, onAnswer)
}

// TypeResolver queries the DNS-SD meta-query name to discover service types
// advertised on the network (RFC 6763 §9), feeding each distinct type name
// to onType.
func (s *Scheduler) TypeResolver(ctx context.Context, onType func(string)) {
	q := Question{Name: dnsSDMetaQuery, Type: TypePTR, Class: ClassIN}
	s.runResolver(ctx, q, func(r *Record) {
		if data, ok := r.Data.(PointerData); ok {
			onType(data.Alias)
		}
	})
}

func (s *Scheduler) runResolver(ctx context.Context, q Question, onAnswer func(*Record)) {
	t := &task{}
	s.track(t)
	backoff := serviceResolveBase

	var run func()
	run = func() {
		select {
		case <-ctx.Done():
			s.untrack(t)
			return
		default:
		}
		for _, r := range s.engine.cache.ByType(q.Name, q.Type) {
			onAnswer(r)
		}
		s.engine.sendMessage(&Message{Questions: []Question{q}})
		t.mu.Lock()
		t.timer = time.AfterFunc(backoff, run)
		t.mu.Unlock()
		if backoff < time.Minute {
			backoff *= 2
		}
	}
	go func() {
		<-ctx.Done()
		t.stop()
		s.untrack(t)
	}()
	run()
}
