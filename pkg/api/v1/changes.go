package v1

// ChangedFile is one workspace file touched during an execution
type ChangedFile struct {
	Path   string `json:"path"`
	Status string `json:"status"` // added, modified, deleted, renamed, untracked
}

// ChangesSummary reports workspace file changes after a settlement
type ChangesSummary struct {
	ProjectID string        `json:"projectId"`
	IssueID   string        `json:"issueId"`
	Added     int           `json:"added"`
	Modified  int           `json:"modified"`
	Deleted   int           `json:"deleted"`
	Files     []ChangedFile `json:"files,omitempty"`
}
