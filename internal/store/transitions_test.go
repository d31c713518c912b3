package store

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call_next", "waiting", true},
		{"call_next", "called", false},
		{"start_serving", "called", true},
		{"start_serving", "waiting", false},
		{"start_serving", "serving", false},
		{"complete", "serving", true},
		{"complete", "called", true},
		{"complete", "waiting", false},
		{"complete", "completed", false},
		{"no_show", "called", true},
		{"no_show", "serving", true},
		{"no_show", "waiting", false},
		{"recall", "no_show", true},
		{"recall", "called", false},
		{"recall", "completed", false},
		{"cancel", "waiting", true},
		{"cancel", "called", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTargetState(t *testing.T) {
	cases := map[string]string{
		ActionCallNext: "called",
		ActionStart:    "serving",
		ActionComplete: "completed",
		ActionNoShow:   "no_show",
		ActionRecall:   "called",
		ActionCancel:   "cancelled",
	}
	for action, want := range cases {
		if got := TargetState(action); got != want {
			t.Fatalf("TargetState(%q)=%q, want %q", action, got, want)
		}
	}
}

func TestSourceStatesIsCopy(t *testing.T) {
	states := SourceStates(ActionComplete)
	states[0] = "mutated"
	if !ValidTransition(ActionComplete, "called") {
		t.Fatalf("expected transition table to be unaffected by caller mutation")
	}
}
