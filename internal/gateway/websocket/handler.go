package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/common/logger"
	"github.com/bitk/bitk/internal/events/bus"
	"github.com/bitk/bitk/internal/events/scoped"
	v1 "github.com/bitk/bitk/pkg/api/v1"
)

// Event names pushed to clients. They mirror the SSE stream.
const (
	EventLog            = "log"
	EventState          = "state"
	EventDone           = "done"
	EventIssueUpdated   = "issue-updated"
	EventChangesSummary = "changes-summary"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local single-user surface; all origins accepted.
		return true
	},
}

// ProjectResolver resolves a project id or human alias to a project id.
type ProjectResolver interface {
	ResolveProjectID(ctx context.Context, idOrAlias string) (string, error)
}

// Handler upgrades HTTP connections and wires them to the event fan-out.
type Handler struct {
	hub      *Hub
	scoped   *scoped.Subscriber
	resolver ProjectResolver
	log      *logger.Logger
}

// NewHandler creates a WebSocket handler over the project-scoped subscriber.
func NewHandler(hub *Hub, sub *scoped.Subscriber, resolver ProjectResolver, log *logger.Logger) *Handler {
	return &Handler{
		hub:      hub,
		scoped:   sub,
		resolver: resolver,
		log:      log.WithFields(zap.String("component", "ws-handler")),
	}
}

// HandleConnection upgrades the request and streams one project's events
// until the peer disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	idOrAlias := c.Query("projectId")
	if idOrAlias == "" {
		c.JSON(http.StatusBadRequest, v1.Err("projectId query parameter is required"))
		return
	}
	projectID, err := h.resolver.ResolveProjectID(c.Request.Context(), idOrAlias)
	if err != nil {
		c.JSON(apperrors.GetHTTPStatus(err), v1.Err("project not found"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), projectID, conn, h.hub, h.log)

	push := func(event string) func(ev *bus.Event) {
		return func(ev *bus.Event) { client.Push(event, ev.Data) }
	}
	unsubscribe, err := h.scoped.SubscribeProject(projectID, scoped.Handlers{
		OnLog:            push(EventLog),
		OnState:          push(EventState),
		OnSettled:        push(EventDone),
		OnIssueUpdated:   push(EventIssueUpdated),
		OnChangesSummary: push(EventChangesSummary),
	})
	if err != nil {
		h.log.Error("Failed to subscribe project events", zap.Error(err))
		_ = conn.Close()
		return
	}
	client.unsubscribe = unsubscribe

	h.hub.Register(client)
	h.log.Debug("WebSocket connection established",
		zap.String("client_id", client.ID),
		zap.String("project_id", projectID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go client.WritePump()
	client.ReadPump()
}
