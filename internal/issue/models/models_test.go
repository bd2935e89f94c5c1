package models

import (
	"testing"
	"time"

	"github.com/bitk/bitk/internal/engine"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

func TestValidStatus(t *testing.T) {
	tests := []struct {
		status v1.IssueStatus
		want   bool
	}{
		{v1.IssueStatusTodo, true},
		{v1.IssueStatusWorking, true},
		{v1.IssueStatusReview, true},
		{v1.IssueStatusDone, true},
		{v1.IssueStatus("archived"), false},
		{v1.IssueStatus(""), false},
	}
	for _, tt := range tests {
		if got := ValidStatus(tt.status); got != tt.want {
			t.Errorf("ValidStatus(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestIssueToAPI(t *testing.T) {
	now := time.Now().UTC()
	parent := "issue-parent"
	issue := &Issue{
		ID:                "issue-123",
		ProjectID:         "project-001",
		Status:            v1.IssueStatusWorking,
		IssueNumber:       7,
		Title:             "Fix login redirect",
		Priority:          PriorityHigh,
		SortOrder:         3,
		ParentIssueID:     &parent,
		UseWorktree:       true,
		EngineType:        "claude",
		SessionStatus:     v1.SessionStatusRunning,
		Prompt:            "fix the login redirect",
		ExternalSessionID: "sess-9",
		Model:             "sonnet",
		BaseCommitHash:    "abc123",
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	api := issue.ToAPI()

	if api.ID != issue.ID {
		t.Errorf("expected ID %s, got %s", issue.ID, api.ID)
	}
	if api.ProjectID != issue.ProjectID {
		t.Errorf("expected ProjectID %s, got %s", issue.ProjectID, api.ProjectID)
	}
	if api.Status != v1.IssueStatusWorking {
		t.Errorf("expected Status working, got %s", api.Status)
	}
	if api.IssueNumber != 7 {
		t.Errorf("expected IssueNumber 7, got %d", api.IssueNumber)
	}
	if api.ParentIssueID == nil || *api.ParentIssueID != parent {
		t.Errorf("expected ParentIssueID %s, got %v", parent, api.ParentIssueID)
	}
	if api.SessionStatus != v1.SessionStatusRunning {
		t.Errorf("expected SessionStatus running, got %s", api.SessionStatus)
	}
	if api.ExternalSessionID != "sess-9" {
		t.Errorf("expected ExternalSessionID sess-9, got %s", api.ExternalSessionID)
	}
}

func TestIssueLogToAPI(t *testing.T) {
	log := &IssueLog{
		ID:         42,
		IssueID:    "issue-123",
		TurnIndex:  2,
		EntryIndex: 5,
		EntryType:  engine.EntryToolUse,
		Content:    "Read main.go",
		Metadata:   engine.Metadata{"toolName": "Read"},
		ToolAction: &engine.ToolAction{Kind: engine.ToolActionFileRead, Path: "main.go"},
		Timestamp:  "2026-08-24T10:00:00Z",
		Visible:    true,
	}

	api := log.ToAPI()

	if api.ID != 42 {
		t.Errorf("expected ID 42, got %d", api.ID)
	}
	if api.EntryType != "tool-use" {
		t.Errorf("expected EntryType tool-use, got %s", api.EntryType)
	}
	if api.TurnIndex != 2 || api.EntryIndex != 5 {
		t.Errorf("expected indexes (2,5), got (%d,%d)", api.TurnIndex, api.EntryIndex)
	}
	if api.ToolAction == nil {
		t.Fatal("expected ToolAction to be converted")
	}
	if api.ToolAction.Kind != "file-read" || api.ToolAction.Path != "main.go" {
		t.Errorf("unexpected ToolAction %+v", api.ToolAction)
	}
	if api.Metadata["toolName"] != "Read" {
		t.Errorf("expected metadata toolName Read, got %v", api.Metadata["toolName"])
	}
	if !api.Visible {
		t.Error("expected Visible true")
	}
}

func TestIssueLogIsPending(t *testing.T) {
	tests := []struct {
		name string
		log  IssueLog
		want bool
	}{
		{
			"visible pending user message",
			IssueLog{EntryType: engine.EntryUserMessage, Visible: true, Metadata: engine.Metadata{engine.MetaType: engine.MetaTypePending}},
			true,
		},
		{
			"dispatched pending message",
			IssueLog{EntryType: engine.EntryUserMessage, Visible: false, Metadata: engine.Metadata{engine.MetaType: engine.MetaTypePending}},
			false,
		},
		{
			"plain user message",
			IssueLog{EntryType: engine.EntryUserMessage, Visible: true},
			false,
		},
		{
			"assistant message",
			IssueLog{EntryType: engine.EntryAssistantMessage, Visible: true, Metadata: engine.Metadata{engine.MetaType: engine.MetaTypePending}},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.log.IsPending(); got != tt.want {
				t.Errorf("IsPending() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLogFromEntry(t *testing.T) {
	entry := &engine.Entry{
		EntryType: engine.EntryAssistantMessage,
		Content:   "done",
		Timestamp: "2026-08-24T10:00:00Z",
		Metadata:  engine.Metadata{engine.MetaTurnCompleted: true},
	}

	log := LogFromEntry("issue-1", 3, 0, entry)

	if log.IssueID != "issue-1" {
		t.Errorf("expected IssueID issue-1, got %s", log.IssueID)
	}
	if log.TurnIndex != 3 || log.EntryIndex != 0 {
		t.Errorf("expected indexes (3,0), got (%d,%d)", log.TurnIndex, log.EntryIndex)
	}
	if log.EntryType != engine.EntryAssistantMessage {
		t.Errorf("expected assistant-message, got %s", log.EntryType)
	}
	if !log.Visible {
		t.Error("expected new entries to be visible")
	}
	if !log.Metadata.TurnCompleted() {
		t.Error("expected metadata to carry through")
	}
}
