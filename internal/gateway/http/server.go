// Package httpapi is the HTTP surface of bitk: the REST API over the issue
// service, the per-project SSE stream, and the gated runtime inspection
// endpoint. Every response uses the uniform envelope.
package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bitk/bitk/internal/common/config"
	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/events/scoped"
	"github.com/bitk/bitk/internal/issue"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server hosts the gin router and the underlying http.Server.
type Server struct {
	cfg    *config.Config
	log    *logger.Logger
	svc    *issue.Service
	scoped *scoped.Subscriber
	router *gin.Engine
	srv    *http.Server
}

// New builds the router with all routes and middleware registered.
func New(cfg *config.Config, svc *issue.Service, sub *scoped.Subscriber, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "http-gateway")),
		svc:    svc,
		scoped: sub,
		router: gin.New(),
	}

	s.router.Use(Recovery(s.log))
	s.router.Use(RequestLogger(s.log, cfg.Service.Name))
	s.router.Use(CORS())
	s.router.Use(OtelTracing(cfg.Service.Name))

	s.registerRoutes()

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	return s
}

// Router exposes the gin engine so the websocket gateway and tests can
// attach to it.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.httpHealth)
	s.router.GET("/events", s.httpEvents)

	api := s.router.Group("/api/v1")
	api.GET("/info", s.httpServiceInfo)

	api.GET("/projects", s.httpListProjects)
	api.POST("/projects", s.httpCreateProject)
	api.GET("/projects/:id", s.httpGetProject)
	api.PATCH("/projects/:id", s.httpUpdateProject)
	api.DELETE("/projects/:id", s.httpDeleteProject)
	api.GET("/projects/:id/issues", s.httpListIssues)

	api.POST("/issues", s.httpCreateIssue)
	api.GET("/issues/:id", s.httpGetIssue)
	api.PATCH("/issues/:id", s.httpUpdateIssue)
	api.DELETE("/issues/:id", s.httpDeleteIssue)
	api.GET("/issues/:id/logs", s.httpGetLogs)
	api.POST("/issues/:id/execute", s.httpExecuteIssue)
	api.POST("/issues/:id/followup", s.httpFollowUpIssue)
	api.POST("/issues/:id/restart", s.httpRestartIssue)
	api.POST("/issues/:id/cancel", s.httpCancelIssue)

	api.GET("/settings", s.httpListSettings)
	api.GET("/settings/:key", s.httpGetSetting)
	api.PUT("/settings/:key", s.httpPutSetting)

	api.GET("/engines", s.httpListEngines)

	if s.cfg.Runtime.Enabled {
		runtime := api.Group("/runtime")
		runtime.GET("/processes", s.httpRuntimeProcesses)
		runtime.GET("/stats", s.httpRuntimeStats)
		runtime.POST("/normalize", s.httpRuntimeNormalize)
	}
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info("HTTP gateway listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
