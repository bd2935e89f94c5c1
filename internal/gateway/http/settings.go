package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

func (s *Server) httpListSettings(c *gin.Context) {
	settings, err := s.svc.ListSettings(c.Request.Context())
	if err != nil {
		s.respondErr(c, err)
		return
	}
	out := make([]*v1.AppSetting, 0, len(settings))
	for _, setting := range settings {
		out = append(out, setting.ToAPI())
	}
	respond(c, http.StatusOK, out)
}

func (s *Server) httpGetSetting(c *gin.Context) {
	setting, err := s.svc.GetSetting(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, setting.ToAPI())
}

func (s *Server) httpPutSetting(c *gin.Context) {
	var req v1.UpdateSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondErr(c, apperrors.BadRequest(err.Error()))
		return
	}
	ctx := c.Request.Context()
	key := c.Param("key")
	if err := s.svc.SetSetting(ctx, key, req.Value); err != nil {
		s.respondErr(c, err)
		return
	}
	setting, err := s.svc.GetSetting(ctx, key)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, setting.ToAPI())
}

func (s *Server) httpListEngines(c *gin.Context) {
	respond(c, http.StatusOK, s.svc.EngineInfos(c.Request.Context()))
}
