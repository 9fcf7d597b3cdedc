package mdns

import "testing"

func TestStateMachineAdvancesThroughFullSequence(t *testing.T) {
	sm := newStateMachine()
	want := []State{StateProbing1, StateProbing2, StateProbing3, StateAnnouncing1, StateAnnouncing2, StateAnnounced}
	for i, w := range want {
		if sm.State() != w {
			t.Fatalf("step %d: got %s, want %s", i, sm.State(), w)
		}
		sm.Advance()
	}
	if sm.State() != StateAnnounced {
		t.Fatalf("expected Advance past Announced to be a no-op, got %s", sm.State())
	}
}

func TestStateMachineRevertGoesToProbing1(t *testing.T) {
	sm := newStateMachine()
	sm.Advance()
	sm.Advance()
	sm.Revert()
	if sm.State() != StateProbing1 {
		t.Fatalf("expected Revert to reset to probing-1, got %s", sm.State())
	}
}

func TestStateMachineRestartAnnouncingSkipsProbing(t *testing.T) {
	sm := newStateMachine()
	for i := 0; i < 5; i++ {
		sm.Advance()
	}
	if sm.State() != StateAnnounced {
		t.Fatalf("setup: expected announced, got %s", sm.State())
	}
	sm.RestartAnnouncing()
	if sm.State() != StateAnnouncing1 {
		t.Fatalf("expected RestartAnnouncing to land on announcing-1, got %s", sm.State())
	}
}

func TestStateMachineCancelIsTerminal(t *testing.T) {
	sm := newStateMachine()
	sm.Cancel()
	sm.Advance()
	sm.Revert()
	if sm.State() != StateCanceled {
		t.Fatalf("expected Canceled to be terminal, got %s", sm.State())
	}
}
