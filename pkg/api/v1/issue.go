package v1

import "time"

// IssueStatus is the kanban column an issue sits in
type IssueStatus string

const (
	IssueStatusTodo    IssueStatus = "todo"
	IssueStatusWorking IssueStatus = "working"
	IssueStatusReview  IssueStatus = "review"
	IssueStatusDone    IssueStatus = "done"
)

// SessionStatus tracks the engine conversation attached to an issue
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Issue represents a unit of trackable work with its engine session fields
type Issue struct {
	ID                string        `json:"id"`
	ProjectID         string        `json:"projectId"`
	Status            IssueStatus   `json:"status"`
	IssueNumber       int           `json:"issueNumber"`
	Title             string        `json:"title"`
	Priority          string        `json:"priority"`
	SortOrder         int           `json:"sortOrder"`
	ParentIssueID     *string       `json:"parentIssueId,omitempty"`
	UseWorktree       bool          `json:"useWorktree"`
	EngineType        string        `json:"engineType,omitempty"`
	SessionStatus     SessionStatus `json:"sessionStatus,omitempty"`
	Prompt            string        `json:"prompt,omitempty"`
	ExternalSessionID string        `json:"externalSessionId,omitempty"`
	Model             string        `json:"model,omitempty"`
	BaseCommitHash    string        `json:"baseCommitHash,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// CreateIssueRequest for creating a new issue
type CreateIssueRequest struct {
	ProjectID     string  `json:"projectId" binding:"required"`
	Title         string  `json:"title" binding:"required,max=500"`
	Status        string  `json:"status,omitempty"`
	Priority      string  `json:"priority,omitempty"`
	ParentIssueID *string `json:"parentIssueId,omitempty"`
	UseWorktree   bool    `json:"useWorktree,omitempty"`
	Prompt        string  `json:"prompt,omitempty"`
}

// UpdateIssueRequest for updating an existing issue
type UpdateIssueRequest struct {
	Title       *string `json:"title,omitempty" binding:"omitempty,max=500"`
	Status      *string `json:"status,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	SortOrder   *int    `json:"sortOrder,omitempty"`
	Prompt      *string `json:"prompt,omitempty"`
	UseWorktree *bool   `json:"useWorktree,omitempty"`
}

// ExecuteIssueRequest starts a fresh engine execution for an issue
type ExecuteIssueRequest struct {
	EngineType     string `json:"engineType" binding:"required"`
	Prompt         string `json:"prompt" binding:"required"`
	WorkingDir     string `json:"workingDir,omitempty"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// FollowUpIssueRequest sends another prompt to an issue's conversation.
// BusyAction decides what happens when a process is already running:
// "queue" (default) persists the message as pending, "cancel" stops the
// process and retries as a fresh execution.
type FollowUpIssueRequest struct {
	Prompt         string `json:"prompt" binding:"required"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
	BusyAction     string `json:"busyAction,omitempty"`
}

// ExecutionInfo reports the execution started for an issue
type ExecutionInfo struct {
	ExecutionID string `json:"executionId"`
	IssueID     string `json:"issueId"`
	State       string `json:"state"`
}

// CancelResult reports the terminal session status after a cancel
type CancelResult struct {
	IssueID       string        `json:"issueId"`
	SessionStatus SessionStatus `json:"sessionStatus"`
}
