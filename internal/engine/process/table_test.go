package process

import "testing"

func testManaged(executionID, issueID string) *Managed {
	return NewManaged(executionID, issueID, "proj-1", "echo", "/tmp", nil, 0, 10)
}

func TestTablePutEnforcesOnePerIssue(t *testing.T) {
	table := NewTable()

	if err := table.Put(testManaged("exec-1", "issue-1")); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if err := table.Put(testManaged("exec-2", "issue-1")); err == nil {
		t.Fatal("expected Put to fail for second process on same issue")
	}
	if table.Len() != 1 {
		t.Errorf("expected Len() = 1, got %d", table.Len())
	}
}

func TestTableLookups(t *testing.T) {
	table := NewTable()
	m := testManaged("exec-1", "issue-1")
	if err := table.Put(m); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if got, ok := table.ByExecution("exec-1"); !ok || got != m {
		t.Error("ByExecution did not return the registered process")
	}
	if got, ok := table.ByIssue("issue-1"); !ok || got != m {
		t.Error("ByIssue did not return the registered process")
	}
	if _, ok := table.ByIssue("issue-2"); ok {
		t.Error("ByIssue returned a process for an unknown issue")
	}
}

func TestTableRemoveFreesIssueSlot(t *testing.T) {
	table := NewTable()
	if err := table.Put(testManaged("exec-1", "issue-1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	table.Remove("exec-1")
	if table.Len() != 0 {
		t.Fatalf("expected empty table, got Len() = %d", table.Len())
	}

	// The issue slot must be reusable after removal.
	if err := table.Put(testManaged("exec-2", "issue-1")); err != nil {
		t.Errorf("Put after Remove failed: %v", err)
	}
}

func TestTableRemoveUnknownIsNoop(t *testing.T) {
	table := NewTable()
	table.Remove("missing")
	if table.Len() != 0 {
		t.Errorf("expected empty table, got Len() = %d", table.Len())
	}
}
