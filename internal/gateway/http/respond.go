package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

// respond writes a success envelope.
func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, v1.OK(data))
}

// respondErr maps a service error to its HTTP status and envelope message.
func (s *Server) respondErr(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	message := err.Error()

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		message = "internal server error"
	}
	c.JSON(status, v1.Err(message))
}

func (s *Server) httpHealth(c *gin.Context) {
	respond(c, http.StatusOK, v1.Health{Status: "ok"})
}

func (s *Server) httpServiceInfo(c *gin.Context) {
	respond(c, http.StatusOK, v1.ServiceInfo{
		Name:    s.cfg.Service.Name,
		Version: Version,
	})
}
