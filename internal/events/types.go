// Package events defines the event vocabulary shared across bitk services.
package events

import "fmt"

// Event source identifiers
const (
	SourceEngine  = "engine"
	SourceGateway = "gateway"
)

// Event types published on the bus
const (
	// EventIssueLog carries one normalized log entry for an issue.
	EventIssueLog = "issue.log"

	// EventIssueState carries an execution state transition for an issue.
	EventIssueState = "issue.state"

	// EventIssueSettled marks the completion of post-turn settlement.
	EventIssueSettled = "issue.settled"

	// EventIssueUpdated carries issue field changes (including soft deletes).
	EventIssueUpdated = "issue.updated"

	// EventChangesSummary carries a workspace change summary for a project.
	EventChangesSummary = "project.changes"
)

// Subject for issue-updated broadcasts. Issue updates are not scoped per
// issue on the wire; the payload carries issue_id and project_id.
const IssueUpdatedSubject = "issue.updated"

// BuildIssueLogSubject returns the subject for log entries of one issue.
func BuildIssueLogSubject(issueID string) string {
	return fmt.Sprintf("issue.%s.log", issueID)
}

// BuildIssueLogWildcardSubject returns the subject matching log entries of all issues.
func BuildIssueLogWildcardSubject() string {
	return "issue.*.log"
}

// BuildIssueStateSubject returns the subject for state transitions of one issue.
func BuildIssueStateSubject(issueID string) string {
	return fmt.Sprintf("issue.%s.state", issueID)
}

// BuildIssueStateWildcardSubject returns the subject matching state transitions of all issues.
func BuildIssueStateWildcardSubject() string {
	return "issue.*.state"
}

// BuildIssueSettledSubject returns the subject for settlement events of one issue.
func BuildIssueSettledSubject(issueID string) string {
	return fmt.Sprintf("issue.%s.settled", issueID)
}

// BuildIssueSettledWildcardSubject returns the subject matching settlement events of all issues.
func BuildIssueSettledWildcardSubject() string {
	return "issue.*.settled"
}

// BuildProjectChangesSubject returns the subject for change summaries of one project.
func BuildProjectChangesSubject(projectID string) string {
	return fmt.Sprintf("project.%s.changes", projectID)
}

// BuildProjectChangesWildcardSubject returns the subject matching change summaries of all projects.
func BuildProjectChangesWildcardSubject() string {
	return "project.*.changes"
}
