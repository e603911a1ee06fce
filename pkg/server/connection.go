package server

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/corvith/match-server/pkg/messages"
)

// Connection wraps one websocket client.
type Connection struct {
	ID      uuid.UUID
	ws      *websocket.Conn // The underlying Websocket connection
	hub     *Hub
	send    chan []byte // Buffered channel of outbound messages.
	done    chan struct{}
	closeMu sync.Once

	logger *zap.Logger
}

// NewConnection builds a connection with a fresh identity.
func NewConnection(ws *websocket.Conn, hub *Hub, logger *zap.Logger) *Connection {
	return &Connection{
		ID:     uuid.New(),
		ws:     ws,
		hub:    hub,
		send:   make(chan []byte, 256), // buffered for outgoing messages
		done:   make(chan struct{}),
		logger: logger,
	}
}

// ReadPump handles inbound messages from the client
func (c *Connection) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.ws.Close()
	}()

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("read error", zap.Error(err))
			}
			break
		}

		// We only handle text
		if msgType == websocket.TextMessage {
			var inbound messages.InboundMessage
			if err := json.Unmarshal(msg, &inbound); err == nil {
				c.hub.inbound <- InboundHubMessage{
					Conn:    c,
					Message: inbound,
				}
			} else {
				c.logger.Error("failed to parse inbound JSON", zap.Error(err))
			}
		}
	}
}

// WritePump handles outbound messages to the client
func (c *Connection) WritePump() {
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			c.logger.Debug("connection closed",
				zap.String("connection_id", c.ID.String()))
			return
		case message := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("write error", zap.Error(err))
				return
			}
		}
	}
}

// SendJSON is a helper for sending JSON to this connection. Delivery is
// best-effort: a closed connection or a full buffer drops the message.
func (c *Connection) SendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("error marshaling JSON", zap.Error(err))
		return
	}

	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping message",
			zap.String("connection_id", c.ID.String()))
	}
}

func (c *Connection) close() {
	c.closeMu.Do(func() {
		close(c.done)
	})
}
