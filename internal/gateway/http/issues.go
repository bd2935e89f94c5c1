package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/engine"
	"github.com/bitk/bitk/internal/issue"
	"github.com/bitk/bitk/internal/issue/models"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

func (s *Server) httpListIssues(c *gin.Context) {
	ctx := c.Request.Context()
	projectID, err := s.svc.ResolveProjectID(ctx, c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}

	status := v1.IssueStatus(c.Query("status"))
	if status != "" && !models.ValidStatus(status) {
		s.respondErr(c, apperrors.ValidationError("status", "unknown issue status"))
		return
	}

	issues, err := s.svc.ListIssues(ctx, projectID, status)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	out := make([]*v1.Issue, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.ToAPI())
	}
	respond(c, http.StatusOK, out)
}

func (s *Server) httpCreateIssue(c *gin.Context) {
	var req v1.CreateIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	status := v1.IssueStatus(req.Status)
	if req.Status != "" && !models.ValidStatus(status) {
		s.respondErr(c, apperrors.ValidationError("status", "unknown issue status"))
		return
	}

	ctx := c.Request.Context()
	projectID, err := s.svc.ResolveProjectID(ctx, req.ProjectID)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	row := &models.Issue{
		ProjectID:     projectID,
		Title:         req.Title,
		Status:        status,
		Priority:      req.Priority,
		ParentIssueID: req.ParentIssueID,
		UseWorktree:   req.UseWorktree,
		Prompt:        req.Prompt,
	}
	if err := s.svc.CreateIssue(ctx, row); err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, row.ToAPI())
}

func (s *Server) httpGetIssue(c *gin.Context) {
	row, err := s.svc.GetIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, row.ToAPI())
}

func (s *Server) httpUpdateIssue(c *gin.Context) {
	var req v1.UpdateIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	ctx := c.Request.Context()
	row, err := s.svc.GetIssue(ctx, c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}

	if req.Title != nil {
		row.Title = *req.Title
	}
	if req.Priority != nil {
		row.Priority = *req.Priority
	}
	if req.SortOrder != nil {
		row.SortOrder = *req.SortOrder
	}
	if req.Prompt != nil {
		row.Prompt = *req.Prompt
	}
	if req.UseWorktree != nil {
		row.UseWorktree = *req.UseWorktree
	}

	var newStatus v1.IssueStatus
	if req.Status != nil {
		newStatus = v1.IssueStatus(*req.Status)
		if !models.ValidStatus(newStatus) {
			s.respondErr(c, apperrors.ValidationError("status", "unknown issue status"))
			return
		}
	}

	updated, err := s.svc.UpdateIssue(ctx, row, newStatus)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, updated.ToAPI())
}

func (s *Server) httpDeleteIssue(c *gin.Context) {
	if err := s.svc.DeleteIssue(c.Request.Context(), c.Param("id")); err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) httpGetLogs(c *gin.Context) {
	q := models.LogQuery{Limit: 100}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.respondErr(c, apperrors.ValidationError("limit", "must be a positive integer"))
			return
		}
		q.Limit = limit
	}
	if raw := c.Query("cursor"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.respondErr(c, apperrors.ValidationError("cursor", "must be an integer"))
			return
		}
		q.Cursor = &cursor
	}
	if raw := c.Query("before"); raw != "" {
		before, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.respondErr(c, apperrors.ValidationError("before", "must be an integer"))
			return
		}
		q.Before = &before
	}
	devMode := c.Query("devMode") == "true"

	page, err := s.svc.GetLogs(c.Request.Context(), c.Param("id"), devMode, q)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	entries := make([]*v1.LogEntry, 0, len(page.Entries))
	for _, row := range page.Entries {
		entries = append(entries, row.ToAPI())
	}
	respond(c, http.StatusOK, v1.LogPage{
		Entries:    entries,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	})
}

func (s *Server) httpExecuteIssue(c *gin.Context) {
	var req v1.ExecuteIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	info, err := s.svc.ExecuteIssue(c.Request.Context(), c.Param("id"), issue.ExecuteOptions{
		EngineType:     req.EngineType,
		Prompt:         req.Prompt,
		WorkingDir:     req.WorkingDir,
		Model:          req.Model,
		PermissionMode: engine.PermissionMode(req.PermissionMode),
	})
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusAccepted, info)
}

func (s *Server) httpFollowUpIssue(c *gin.Context) {
	var req v1.FollowUpIssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	res, err := s.svc.FollowUpIssue(c.Request.Context(), c.Param("id"), issue.FollowUpOptions{
		Prompt:         req.Prompt,
		Model:          req.Model,
		PermissionMode: engine.PermissionMode(req.PermissionMode),
		BusyAction:     issue.BusyAction(req.BusyAction),
	})
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusAccepted, res)
}

func (s *Server) httpRestartIssue(c *gin.Context) {
	info, err := s.svc.RestartIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusAccepted, info)
}

func (s *Server) httpCancelIssue(c *gin.Context) {
	res, err := s.svc.CancelIssue(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}
