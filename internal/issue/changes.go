package issue

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bitk/bitk/internal/issue/models"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

// gitStatusTimeout bounds the porcelain status subprocess.
const gitStatusTimeout = 5 * time.Second

// publishChangesSummary inspects the workspace after settlement and
// publishes what the execution touched. Best effort: directories without a
// git repository are skipped quietly.
func (s *Service) publishChangesSummary(issue *models.Issue, workingDir string) {
	if workingDir == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), gitStatusTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "git", "-C", workingDir, "status", "--porcelain").Output()
	if err != nil {
		s.log.Debug("Skipping changes summary",
			zap.String("working_dir", workingDir), zap.Error(err))
		return
	}

	summary := parsePorcelainStatus(issue.ProjectID, issue.ID, string(out))
	if len(summary.Files) == 0 {
		return
	}
	s.publishChanges(summary)
}

// parsePorcelainStatus classifies `git status --porcelain` lines into
// added/modified/deleted counts plus a per-file list.
func parsePorcelainStatus(projectID, issueID, out string) *v1.ChangesSummary {
	summary := &v1.ChangesSummary{ProjectID: projectID, IssueID: issueID}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code := line[:2]
		path := strings.TrimSpace(line[3:])
		// Renames carry "old -> new"; report the new path.
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}

		var status string
		switch {
		case code == "??" || strings.ContainsRune(code, 'A'):
			status = "added"
			summary.Added++
		case strings.ContainsRune(code, 'D'):
			status = "deleted"
			summary.Deleted++
		case strings.ContainsRune(code, 'R'):
			status = "renamed"
			summary.Modified++
		default:
			status = "modified"
			summary.Modified++
		}
		summary.Files = append(summary.Files, v1.ChangedFile{Path: path, Status: status})
	}
	return summary
}
