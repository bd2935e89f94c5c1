// Package models defines the issue domain entities persisted by bitk.
package models

import (
	"time"

	"github.com/bitk/bitk/internal/engine"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

// Priority levels for issues. Stored as plain text; the default is medium.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Well-known app settings keys
const (
	// SettingWorkspaceDefaultPath is the workspace root used for working
	// directory containment checks and as the default spawn directory.
	SettingWorkspaceDefaultPath = "workspace:defaultPath"

	// SettingEngineSlashCommands stores the merged slash command list as JSON.
	SettingEngineSlashCommands = "engine:slashCommands"
)

// ValidStatus reports whether s is one of the four issue statuses.
func ValidStatus(s v1.IssueStatus) bool {
	switch s {
	case v1.IssueStatusTodo, v1.IssueStatusWorking, v1.IssueStatusReview, v1.IssueStatusDone:
		return true
	}
	return false
}

// Project represents a project in the database
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Alias         string    `json:"alias"`
	Description   string    `json:"description,omitempty"`
	Directory     string    `json:"directory,omitempty"`
	RepositoryURL string    `json:"repositoryUrl,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	IsDeleted     bool      `json:"isDeleted,omitempty"`
}

// ToAPI converts internal Project to API type
func (p *Project) ToAPI() *v1.Project {
	return &v1.Project{
		ID:            p.ID,
		Name:          p.Name,
		Alias:         p.Alias,
		Description:   p.Description,
		Directory:     p.Directory,
		RepositoryURL: p.RepositoryURL,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

// Issue represents an issue in the database, including the engine session
// fields that tie it to an AI conversation.
type Issue struct {
	ID                string           `json:"id"`
	ProjectID         string           `json:"projectId"`
	Status            v1.IssueStatus   `json:"status"`
	IssueNumber       int              `json:"issueNumber"`
	Title             string           `json:"title"`
	Priority          string           `json:"priority"`
	SortOrder         int              `json:"sortOrder"`
	ParentIssueID     *string          `json:"parentIssueId,omitempty"`
	UseWorktree       bool             `json:"useWorktree"`
	EngineType        string           `json:"engineType,omitempty"`
	SessionStatus     v1.SessionStatus `json:"sessionStatus,omitempty"`
	Prompt            string           `json:"prompt,omitempty"`
	ExternalSessionID string           `json:"externalSessionId,omitempty"`
	Model             string           `json:"model,omitempty"`
	BaseCommitHash    string           `json:"baseCommitHash,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
	IsDeleted         bool             `json:"isDeleted,omitempty"`
}

// ToAPI converts internal Issue to API type
func (i *Issue) ToAPI() *v1.Issue {
	return &v1.Issue{
		ID:                i.ID,
		ProjectID:         i.ProjectID,
		Status:            i.Status,
		IssueNumber:       i.IssueNumber,
		Title:             i.Title,
		Priority:          i.Priority,
		SortOrder:         i.SortOrder,
		ParentIssueID:     i.ParentIssueID,
		UseWorktree:       i.UseWorktree,
		EngineType:        i.EngineType,
		SessionStatus:     i.SessionStatus,
		Prompt:            i.Prompt,
		ExternalSessionID: i.ExternalSessionID,
		Model:             i.Model,
		BaseCommitHash:    i.BaseCommitHash,
		CreatedAt:         i.CreatedAt,
		UpdatedAt:         i.UpdatedAt,
	}
}

// IssueLog is one durable normalized log entry. ID is the monotonic cursor
// used by paginated reads.
type IssueLog struct {
	ID               int64              `json:"id"`
	IssueID          string             `json:"issueId"`
	TurnIndex        int                `json:"turnIndex"`
	EntryIndex       int                `json:"entryIndex"`
	EntryType        engine.EntryType   `json:"entryType"`
	Content          string             `json:"content"`
	Metadata         engine.Metadata    `json:"metadata,omitempty"`
	ToolAction       *engine.ToolAction `json:"toolAction,omitempty"`
	ReplyToMessageID string             `json:"replyToMessageId,omitempty"`
	Timestamp        string             `json:"timestamp,omitempty"` // ISO-8601
	Visible          bool               `json:"visible"`
	CreatedAt        time.Time          `json:"createdAt"`
}

// IsPending reports whether the entry is a durably queued user message that
// has not been dispatched yet.
func (l *IssueLog) IsPending() bool {
	return l.EntryType == engine.EntryUserMessage && l.Visible && l.Metadata.Type() == engine.MetaTypePending
}

// ToAPI converts internal IssueLog to the wire shape
func (l *IssueLog) ToAPI() *v1.LogEntry {
	entry := &v1.LogEntry{
		ID:               l.ID,
		IssueID:          l.IssueID,
		TurnIndex:        l.TurnIndex,
		EntryIndex:       l.EntryIndex,
		EntryType:        string(l.EntryType),
		Content:          l.Content,
		Timestamp:        l.Timestamp,
		Metadata:         l.Metadata,
		ReplyToMessageID: l.ReplyToMessageID,
		Visible:          l.Visible,
	}
	if l.ToolAction != nil {
		entry.ToolAction = &v1.ToolAction{
			Kind:        string(l.ToolAction.Kind),
			Path:        l.ToolAction.Path,
			Command:     l.ToolAction.Command,
			Query:       l.ToolAction.Query,
			URL:         l.ToolAction.URL,
			ToolName:    l.ToolAction.ToolName,
			Description: l.ToolAction.Description,
		}
	}
	return entry
}

// LogFromEntry builds a durable log row from a normalized engine entry and
// its allocated (turnIndex, entryIndex) pair.
func LogFromEntry(issueID string, turn, index int, e *engine.Entry) *IssueLog {
	return &IssueLog{
		IssueID:    issueID,
		TurnIndex:  turn,
		EntryIndex: index,
		EntryType:  e.EntryType,
		Content:    e.Content,
		Metadata:   e.Metadata,
		ToolAction: e.ToolAction,
		Timestamp:  e.Timestamp,
		Visible:    true,
	}
}

// LogQuery selects a page of issue logs. Cursor reads forward (ids strictly
// after it), Before reads backward (ids strictly before it); with neither
// set, the newest Limit entries are returned in ascending order.
type LogQuery struct {
	Cursor *int64
	Before *int64
	Limit  int
}

// LogPage is the result of a paginated log read
type LogPage struct {
	Entries    []*IssueLog `json:"entries"`
	NextCursor *int64      `json:"nextCursor,omitempty"`
	HasMore    bool        `json:"hasMore"`
}

// AppSetting is one key/value application setting
type AppSetting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ToAPI converts internal AppSetting to API type
func (s *AppSetting) ToAPI() *v1.AppSetting {
	return &v1.AppSetting{
		Key:       s.Key,
		Value:     s.Value,
		UpdatedAt: s.UpdatedAt,
	}
}
