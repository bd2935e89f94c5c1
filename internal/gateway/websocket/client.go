package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bitk/bitk/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames; anything bigger is a protocol error
	maxMessageSize = 4 * 1024
)

// Message is one event frame pushed to the client.
type Message struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

// Client is one WebSocket connection scoped to a single project.
type Client struct {
	ID        string
	ProjectID string

	conn        *websocket.Conn
	hub         *Hub
	send        chan []byte
	unsubscribe func()
	closeOnce   sync.Once
	log         *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id, projectID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:        id,
		ProjectID: projectID,
		conn:      conn,
		hub:       hub,
		send:      make(chan []byte, 256),
		log:       log.WithFields(zap.String("client_id", id)),
	}
}

// Push queues an event frame for delivery. A client that cannot keep up
// loses frames rather than blocking the bus delivery goroutine.
func (c *Client) Push(event string, data map[string]interface{}) {
	raw, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		c.log.Error("Failed to encode frame", zap.Error(err))
		return
	}
	select {
	case c.send <- raw:
	default:
		c.log.Warn("Dropping frame for slow client", zap.String("event", event))
	}
}

// ReadPump consumes the connection until the peer closes it. Clients send no
// application messages; the pump only services pongs and detects closure.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump delivers queued frames and keeps the connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown releases the bus subscription and closes the send channel. Safe
// to call more than once.
func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		close(c.send)
	})
}
