package process

import (
	"fmt"
	"sync"
)

// Table indexes live managed processes by execution id and by issue id.
// At most one process may exist per issue.
type Table struct {
	mu      sync.RWMutex
	byExec  map[string]*Managed
	byIssue map[string]*Managed
}

// NewTable creates an empty process table.
func NewTable() *Table {
	return &Table{
		byExec:  make(map[string]*Managed),
		byIssue: make(map[string]*Managed),
	}
}

// Put registers a managed process. It fails if the issue already has one.
func (t *Table) Put(m *Managed) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byIssue[m.IssueID]; ok {
		return fmt.Errorf("issue %s already has execution %s", m.IssueID, existing.ExecutionID)
	}
	t.byExec[m.ExecutionID] = m
	t.byIssue[m.IssueID] = m
	return nil
}

// ByExecution looks a process up by execution id.
func (t *Table) ByExecution(executionID string) (*Managed, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byExec[executionID]
	return m, ok
}

// ByIssue looks a process up by issue id.
func (t *Table) ByIssue(issueID string) (*Managed, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byIssue[issueID]
	return m, ok
}

// Remove unregisters a process by execution id. Removing an id that is not
// present is a no-op.
func (t *Table) Remove(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byExec[executionID]
	if !ok {
		return
	}
	delete(t.byExec, executionID)
	// Only clear the issue slot if it still points at this execution.
	if cur, ok := t.byIssue[m.IssueID]; ok && cur.ExecutionID == executionID {
		delete(t.byIssue, m.IssueID)
	}
}

// List returns all live processes in no particular order.
func (t *Table) List() []*Managed {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Managed, 0, len(t.byExec))
	for _, m := range t.byExec {
		out = append(out, m)
	}
	return out
}

// Len returns the number of live processes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byExec)
}
