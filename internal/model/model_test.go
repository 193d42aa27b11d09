package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestWorkflowTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{WorkflowPending, WorkflowRunning, true},
		{WorkflowPending, WorkflowCancelled, true},
		{WorkflowRunning, WorkflowCompleted, true},
		{WorkflowRunning, WorkflowFailed, true},
		{WorkflowRunning, WorkflowPending, true}, // retry re-queue
		{WorkflowRunning, WorkflowCancelled, true},
		{WorkflowCompleted, WorkflowRunning, false},
		{WorkflowFailed, WorkflowRunning, false},
		{WorkflowCancelled, WorkflowPending, false},
		{WorkflowPending, WorkflowCompleted, false},
	}
	for _, c := range cases {
		if got := ValidWorkflowTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidWorkflowTransition(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestWorkflowTerminal(t *testing.T) {
	for _, s := range []string{WorkflowCompleted, WorkflowFailed, WorkflowCancelled} {
		if !WorkflowTerminal(s) {
			t.Errorf("WorkflowTerminal(%q) = false, want true", s)
		}
	}
	for _, s := range []string{WorkflowPending, WorkflowRunning} {
		if WorkflowTerminal(s) {
			t.Errorf("WorkflowTerminal(%q) = true, want false", s)
		}
	}
}

func TestImprovementTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{ImprovementCompleted, ImprovementRolledBack, true},
		{ImprovementFailed, ImprovementRolledBack, true},
		{ImprovementRunning, ImprovementCompleted, true},
		{ImprovementRolledBack, ImprovementCompleted, false},
		{ImprovementRolledBack, ImprovementRunning, false},
		{ImprovementCompleted, ImprovementRunning, false},
	}
	for _, c := range cases {
		if got := ValidImprovementTransition(c.from, c.to); got != c.want {
			t.Errorf("ValidImprovementTransition(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStartOutcomeVariants(t *testing.T) {
	a := AcceptedOutcome("imp-1")
	if !a.Accepted || a.Reason != "" {
		t.Errorf("AcceptedOutcome = %+v, want accepted with no reason", a)
	}

	r := RejectedOutcome("imp-2", RejectSafety, []string{"too risky"})
	if r.Accepted || r.Reason != RejectSafety || len(r.Violations) != 1 {
		t.Errorf("RejectedOutcome = %+v, want safety rejection with one violation", r)
	}
}
