package mdns

import "sync"

// State is a record/descriptor's position in the probe/announce lifecycle
// (§3 StateMachine, RFC 6762 §8).
type State int

const (
	StateProbing1 State = iota
	StateProbing2
	StateProbing3
	StateAnnouncing1
	StateAnnouncing2
	StateAnnounced
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateProbing1:
		return "probing-1"
	case StateProbing2:
		return "probing-2"
	case StateProbing3:
		return "probing-3"
	case StateAnnouncing1:
		return "announcing-1"
	case StateAnnouncing2:
		return "announcing-2"
	case StateAnnounced:
		return "announced"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s State) IsProbing() bool   { return s == StateProbing1 || s == StateProbing2 || s == StateProbing3 }
func (s State) IsAnnouncing() bool { return s == StateAnnouncing1 || s == StateAnnouncing2 }
func (s State) IsAnnounced() bool  { return s == StateAnnounced }
func (s State) IsCanceled() bool   { return s == StateCanceled }

// StateMachine advances a descriptor through probe -> announce -> announced,
// sends it back to probing-1 on conflict (Revert), or drops it to canceled
// on explicit withdrawal.
// State transitions arrive from several independent goroutines - each
// scheduler task is its own time.AfterFunc closure, and a conflict can be
// resolved from the socket-reader goroutine at any time - so the machine
// guards its own state with a mutex rather than relying on callers to
// serialize access (§5: "per-descriptor locking for advanceState/
// revertState/cancel").
type StateMachine struct {
	mu      sync.Mutex
	current State
}

func newStateMachine() *StateMachine {
	return &StateMachine{current: StateProbing1}
}

func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Advance moves to the next state in the normal lifecycle sequence. It is a
// no-op once Canceled. Advancing past Announced is a no-op: Announced is the
// terminal steady state until Cancel or Revert.
func (sm *StateMachine) Advance() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	switch sm.current {
	case StateProbing1:
		sm.current = StateProbing2
	case StateProbing2:
		sm.current = StateProbing3
	case StateProbing3:
		sm.current = StateAnnouncing1
	case StateAnnouncing1:
		sm.current = StateAnnouncing2
	case StateAnnouncing2:
		sm.current = StateAnnounced
	}
}

// RestartAnnouncing moves an already-probed descriptor straight back to
// ANNOUNCING_1, skipping a fresh probe round. Used when an owned record's
// value changes (e.g. a new TXT) and the name itself isn't in question, only
// the need to re-assert the new value (§9 "needTextAnnouncing").
func (sm *StateMachine) RestartAnnouncing() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current == StateCanceled {
		return
	}
	sm.current = StateAnnouncing1
}

// Revert sends a descriptor back to the start of probing, used after a name
// conflict forces a rename (§4.3).
func (sm *StateMachine) Revert() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.current == StateCanceled {
		return
	}
	sm.current = StateProbing1
}

// Cancel marks the descriptor withdrawn. Terminal: no further Advance/Revert
// has any effect.
func (sm *StateMachine) Cancel() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.current = StateCanceled
}
