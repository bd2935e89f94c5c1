package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/bitk/bitk/internal/common/errors"
	"github.com/bitk/bitk/internal/events/bus"
	"github.com/bitk/bitk/internal/events/scoped"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
// Variable so tests can shorten it.
var heartbeatInterval = 15 * time.Second

// frameBuffer bounds the per-connection queue; a client that cannot keep up
// loses frames rather than blocking the bus delivery goroutines.
const frameBuffer = 64

// SSE event names. "done" maps the settled channel for front-end consumption.
const (
	sseEventLog            = "log"
	sseEventState          = "state"
	sseEventDone           = "done"
	sseEventIssueUpdated   = "issue-updated"
	sseEventChangesSummary = "changes-summary"
	sseEventHeartbeat      = "heartbeat"
)

type sseFrame struct {
	event string
	data  interface{}
}

// httpEvents streams one project's events as server-sent events.
func (s *Server) httpEvents(c *gin.Context) {
	idOrAlias := c.Query("projectId")
	if idOrAlias == "" {
		s.respondErr(c, apperrors.ValidationError("projectId", "query parameter is required"))
		return
	}
	projectID, err := s.svc.ResolveProjectID(c.Request.Context(), idOrAlias)
	if err != nil {
		s.respondErr(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		s.respondErr(c, apperrors.InternalError("streaming unsupported", nil))
		return
	}

	frames := make(chan sseFrame, frameBuffer)
	push := func(event string) func(ev *bus.Event) {
		return func(ev *bus.Event) {
			select {
			case frames <- sseFrame{event: event, data: ev.Data}:
			default:
				s.log.Warn("Dropping SSE frame for slow client",
					zap.String("project_id", projectID),
					zap.String("event", event))
			}
		}
	}

	unsubscribe, err := s.scoped.SubscribeProject(projectID, scoped.Handlers{
		OnLog:            push(sseEventLog),
		OnState:          push(sseEventState),
		OnSettled:        push(sseEventDone),
		OnIssueUpdated:   push(sseEventIssueUpdated),
		OnChangesSummary: push(sseEventChangesSummary),
	})
	if err != nil {
		s.respondErr(c, err)
		return
	}
	defer unsubscribe()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Info("SSE stream opened", zap.String("project_id", projectID))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			s.log.Debug("SSE stream closed by client", zap.String("project_id", projectID))
			return
		case frame := <-frames:
			if err := writeFrame(c.Writer, frame); err != nil {
				s.log.Debug("SSE write failed, closing stream",
					zap.String("project_id", projectID), zap.Error(err))
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if err := writeFrame(c.Writer, sseFrame{event: sseEventHeartbeat, data: gin.H{}}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, frame sseFrame) error {
	payload, err := json.Marshal(frame.data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.event, payload)
	return err
}
