package bulkexport

import "testing"

func TestJob_Transitions(t *testing.T) {
	j := newJob("k")
	steps := []State{StateKicked, StatePending, StatePending, StateCompleted, StateDeleted}
	for _, s := range steps {
		if err := j.transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if j.State() != StateDeleted {
		t.Errorf("expected deleted, got %s", j.State())
	}
}

func TestJob_IllegalTransitions(t *testing.T) {
	tests := []struct {
		from []State
		to   State
	}{
		{nil, StateCompleted},
		{nil, StateDeleted},
		{[]State{StateKicked, StateCompleted}, StatePending},
		{[]State{StateKicked, StateFailed}, StateCompleted},
		{[]State{StateKicked, StateDeleted}, StateDeleted},
	}
	for _, tt := range tests {
		j := newJob("k")
		for _, s := range tt.from {
			if err := j.transition(s); err != nil {
				t.Fatalf("setup transition to %s: %v", s, err)
			}
		}
		if err := j.transition(tt.to); err == nil {
			t.Errorf("expected %s -> %s to be rejected", j.State(), tt.to)
		}
	}
}

func TestState_String(t *testing.T) {
	if StatePending.String() != "pending" {
		t.Errorf("unexpected name %s", StatePending)
	}
	if State(42).String() != "state(42)" {
		t.Errorf("unexpected name %s", State(42))
	}
	if !StateFailed.Terminal() || StatePending.Terminal() {
		t.Error("unexpected Terminal() result")
	}
}
