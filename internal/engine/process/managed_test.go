package process

import "testing"

func TestManagedTurnAndEntryNumbering(t *testing.T) {
	m := testManaged("exec-1", "issue-1")

	if m.CurrentTurn() != 0 {
		t.Fatalf("expected initial turn 0, got %d", m.CurrentTurn())
	}

	turn := m.BeginTurn()
	if turn != 1 {
		t.Fatalf("expected first turn = 1, got %d", turn)
	}
	if !m.TurnInFlight() {
		t.Error("expected turn in flight after BeginTurn")
	}

	t1, e1 := m.NextEntry()
	t2, e2 := m.NextEntry()
	if t1 != 1 || e1 != 0 || t2 != 1 || e2 != 1 {
		t.Errorf("unexpected pairs: (%d,%d), (%d,%d)", t1, e1, t2, e2)
	}

	m.EndTurn()
	if m.TurnInFlight() {
		t.Error("expected no turn in flight after EndTurn")
	}

	// Entry numbering restarts each turn and pairs keep increasing.
	m.BeginTurn()
	t3, e3 := m.NextEntry()
	if t3 != 2 || e3 != 0 {
		t.Errorf("expected (2,0) after new turn, got (%d,%d)", t3, e3)
	}
}

func TestManagedRestartContinuesTurnNumbering(t *testing.T) {
	m := NewManaged("exec-2", "issue-1", "proj-1", "echo", "/tmp", nil, 7, 10)
	if turn := m.BeginTurn(); turn != 8 {
		t.Errorf("expected restart to continue at turn 8, got %d", turn)
	}
}

func TestManagedPendingFIFO(t *testing.T) {
	m := testManaged("exec-1", "issue-1")

	m.EnqueuePending(PendingInput{Prompt: "first"})
	m.EnqueuePending(PendingInput{Prompt: "second", Model: "fast"})
	m.EnqueuePending(PendingInput{Prompt: "third"})

	if m.PendingCount() != 3 {
		t.Fatalf("expected 3 pending, got %d", m.PendingCount())
	}

	drained := m.DrainPending()
	if len(drained) != 3 {
		t.Fatalf("expected 3 drained, got %d", len(drained))
	}
	for i, want := range []string{"first", "second", "third"} {
		if drained[i].Prompt != want {
			t.Errorf("drained[%d] = %q, want %q", i, drained[i].Prompt, want)
		}
	}
	if m.PendingCount() != 0 {
		t.Errorf("expected empty queue after drain, got %d", m.PendingCount())
	}
}

func TestManagedLogicalFailureKeepsFirstReason(t *testing.T) {
	m := testManaged("exec-1", "issue-1")

	m.MarkLogicalFailure("session not found")
	m.MarkLogicalFailure("later noise")

	failed, reason := m.LogicalFailure()
	if !failed {
		t.Fatal("expected logical failure to be set")
	}
	if reason != "session not found" {
		t.Errorf("expected first reason to win, got %q", reason)
	}
}

func TestManagedCancelFlag(t *testing.T) {
	m := testManaged("exec-1", "issue-1")
	if m.CancelledByUser() {
		t.Fatal("fresh process must not be cancelled")
	}
	m.MarkCancelled()
	if !m.CancelledByUser() {
		t.Fatal("expected cancelled flag to stick")
	}
}
