package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/issue/models"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

func (s *Server) httpListProjects(c *gin.Context) {
	projects, err := s.svc.ListProjects(c.Request.Context())
	if err != nil {
		s.respondErr(c, err)
		return
	}
	out := make([]*v1.Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, p.ToAPI())
	}
	respond(c, http.StatusOK, out)
}

func (s *Server) httpCreateProject(c *gin.Context) {
	var req v1.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	project := &models.Project{
		Name:          req.Name,
		Alias:         req.Alias,
		Description:   req.Description,
		Directory:     req.Directory,
		RepositoryURL: req.RepositoryURL,
	}
	if err := s.svc.CreateProject(c.Request.Context(), project); err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusCreated, project.ToAPI())
}

func (s *Server) httpGetProject(c *gin.Context) {
	ctx := c.Request.Context()
	projectID, err := s.svc.ResolveProjectID(ctx, c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	project, err := s.svc.GetProject(ctx, projectID)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, project.ToAPI())
}

func (s *Server) httpUpdateProject(c *gin.Context) {
	var req v1.UpdateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	ctx := c.Request.Context()
	projectID, err := s.svc.ResolveProjectID(ctx, c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	project, err := s.svc.GetProject(ctx, projectID)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if req.Name != nil {
		project.Name = *req.Name
	}
	if req.Alias != nil {
		project.Alias = *req.Alias
	}
	if req.Description != nil {
		project.Description = *req.Description
	}
	if req.Directory != nil {
		project.Directory = *req.Directory
	}
	if req.RepositoryURL != nil {
		project.RepositoryURL = *req.RepositoryURL
	}
	if err := s.svc.UpdateProject(ctx, project); err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, project.ToAPI())
}

func (s *Server) httpDeleteProject(c *gin.Context) {
	ctx := c.Request.Context()
	projectID, err := s.svc.ResolveProjectID(ctx, c.Param("id"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	if err := s.svc.DeleteProject(ctx, projectID); err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}
