package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

// processSnapshot is the runtime view of one managed process.
type processSnapshot struct {
	ExecutionID   string    `json:"executionId"`
	IssueID       string    `json:"issueId"`
	ProjectID     string    `json:"projectId"`
	EngineType    string    `json:"engineType"`
	State         string    `json:"state"`
	TurnIndex     int       `json:"turnIndex"`
	TurnInFlight  bool      `json:"turnInFlight"`
	PendingInputs int       `json:"pendingInputs"`
	Model         string    `json:"model,omitempty"`
	WorkingDir    string    `json:"workingDir,omitempty"`
	PID           int       `json:"pid,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
}

func (s *Server) httpRuntimeProcesses(c *gin.Context) {
	live := s.svc.Table().List()
	out := make([]processSnapshot, 0, len(live))
	for _, m := range live {
		out = append(out, processSnapshot{
			ExecutionID:   m.ExecutionID,
			IssueID:       m.IssueID,
			ProjectID:     m.ProjectID,
			EngineType:    m.EngineType,
			State:         string(m.State()),
			TurnIndex:     m.CurrentTurn(),
			TurnInFlight:  m.TurnInFlight(),
			PendingInputs: m.PendingCount(),
			Model:         m.Model(),
			WorkingDir:    m.WorkingDir,
			PID:           m.Proc().PID(),
			StartedAt:     m.StartedAt,
		})
	}
	respond(c, http.StatusOK, out)
}

func (s *Server) httpRuntimeStats(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"processes":     s.svc.Table().Len(),
		"maxConcurrent": s.cfg.Engine.MaxConcurrent,
		"goroutines":    runtime.NumGoroutine(),
	})
}

// httpRuntimeNormalize replays one raw output line through an engine's
// normalizer. Debug aid for adapter development.
func (s *Server) httpRuntimeNormalize(c *gin.Context) {
	var req v1.NormalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	entry, err := s.svc.NormalizeLine(req.EngineType, req.Line)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, entry)
}
