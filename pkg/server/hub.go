package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corvith/match-server/internal/color"
	"github.com/corvith/match-server/pkg/events"
	"github.com/corvith/match-server/pkg/messages"
	"github.com/corvith/match-server/pkg/session"
)

// DefaultGraceWindow is how long a session may sit with no connected seats
// before the cleanup check fires.
const DefaultGraceWindow = 30 * time.Second

// InboundHubMessage are the messages that the hub receives
type InboundHubMessage struct {
	Conn    *Connection             // who sent it
	Message messages.InboundMessage // decoded envelope
}

// Hub keeps track of all active connections and their session groups.
// Inbound messages are routed to the session manager; the hub also serves as
// the manager's broadcast boundary (join a named group, emit to a group).
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection            // by connection id
	groups      map[string]map[string]*Connection // session id -> members

	register   chan *Connection       // Incoming registration
	unregister chan *Connection       // Incoming unregistration
	inbound    chan InboundHubMessage // Inbound messages to route

	manager     *session.Manager
	publisher   *events.Publisher
	logger      *zap.Logger
	graceWindow time.Duration
}

// NewHub creates a new hub
func NewHub(manager *session.Manager, publisher *events.Publisher, logger *zap.Logger) *Hub {
	h := &Hub{
		connections: make(map[string]*Connection),
		groups:      make(map[string]map[string]*Connection),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		inbound:     make(chan InboundHubMessage),
		manager:     manager,
		publisher:   publisher,
		logger:      logger,
		graceWindow: DefaultGraceWindow,
	}

	// Drop the connection group once a session can no longer act on it.
	publisher.Subscribe(events.EventSessionTerminated, func(event events.Event) {
		if event.SessionID != "" {
			h.removeGroup(event.SessionID)
		}
	})

	return h
}

// Run is the main execution of the hub
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.registerConnection(conn)

		case conn := <-h.unregister:
			h.unregisterConnection(conn)

		case msg := <-h.inbound:
			// Handled off the hub loop so one session's store I/O cannot
			// stall inbound traffic for every other connection. Per-session
			// ordering is enforced by the session entry lock.
			go h.handleInbound(msg)
		}
	}
}

func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.connections = make(map[string]*Connection)
	h.groups = make(map[string]map[string]*Connection)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.close()
		conn.ws.Close()
	}
}

func (h *Hub) registerConnection(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID.String()] = conn
	total := len(h.connections)
	h.mu.Unlock()

	h.logger.Info("connection registered",
		zap.String("connection_id", conn.ID.String()),
		zap.Int("total", total))

	conn.SendJSON(messages.OutboundMessage{
		Event:   messages.EventConnected,
		Payload: messages.ConnectedPayload{ConnectionID: conn.ID.String()},
	})
}

func (h *Hub) unregisterConnection(conn *Connection) {
	connID := conn.ID.String()

	h.mu.Lock()
	if _, ok := h.connections[connID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, connID)
	var sessions []string
	for sessionID, members := range h.groups {
		if _, ok := members[connID]; ok {
			delete(members, connID)
			sessions = append(sessions, sessionID)
		}
	}
	total := len(h.connections)
	h.mu.Unlock()

	conn.close()

	// The manager detaches the seat; the hub only schedules the delayed
	// cleanup check for sessions left with no connected seats.
	h.publisher.Publish(events.Event{
		Type: events.EventConnectionClosed,
		Payload: events.ConnectionClosedPayload{
			ConnectionID: connID,
			SessionIDs:   sessions,
		},
	})

	for _, sessionID := range sessions {
		sessionID := sessionID
		time.AfterFunc(h.graceWindow, func() {
			if h.GroupSize(sessionID) > 0 {
				return
			}
			if err := h.manager.Cleanup(context.Background(), sessionID); err != nil {
				h.logger.Error("cleanup failed",
					zap.String("session_id", sessionID),
					zap.Error(err))
			}
		})
	}

	h.logger.Info("connection unregistered",
		zap.String("connection_id", connID),
		zap.Int("total", total))
}

// handleInbound decodes and routes a client action to the session manager.
// The manager emits the success events itself; the hub reports failures back
// to the sender only.
func (h *Hub) handleInbound(msg InboundHubMessage) {
	ctx := context.Background()
	connID := msg.Conn.ID.String()

	switch msg.Message.Type {
	case messages.ActionCreateSession:
		// An absent payload means "all defaults".
		var payload messages.CreateSessionPayload
		if len(msg.Message.Payload) > 0 {
			if err := json.Unmarshal(msg.Message.Payload, &payload); err != nil {
				h.sendError(msg.Conn, "invalid CREATE_SESSION payload")
				return
			}
		}
		opts := session.CreateOptions{Color: color.Color(payload.Color)}
		if payload.TimeControl != nil {
			opts.InitialTime = payload.TimeControl.Initial
			opts.Increment = payload.TimeControl.Increment
		}
		if _, err := h.manager.Create(ctx, connID, payload.Platform, opts); err != nil {
			h.handleFailure(msg.Conn, err)
		}

	case messages.ActionJoinSession:
		var payload messages.JoinSessionPayload
		if err := json.Unmarshal(msg.Message.Payload, &payload); err != nil {
			h.sendError(msg.Conn, "invalid JOIN_SESSION payload")
			return
		}
		if _, err := h.manager.Join(ctx, payload.SessionID, connID, payload.Platform); err != nil {
			h.handleFailure(msg.Conn, err)
		}

	case messages.ActionMakeMove:
		var payload messages.MakeMovePayload
		if err := json.Unmarshal(msg.Message.Payload, &payload); err != nil {
			h.sendError(msg.Conn, "invalid MAKE_MOVE payload")
			return
		}
		if _, err := h.manager.ApplyMove(ctx, payload.SessionID, connID, payload.From, payload.To, payload.Promotion); err != nil {
			h.handleFailure(msg.Conn, err)
		}

	case messages.ActionResign:
		h.sessionAction(msg, func(sessionID string) error {
			return h.manager.Resign(ctx, sessionID, connID)
		})

	case messages.ActionOfferDraw:
		h.sessionAction(msg, func(sessionID string) error {
			return h.manager.OfferDraw(ctx, sessionID, connID)
		})

	case messages.ActionAcceptDraw:
		h.sessionAction(msg, func(sessionID string) error {
			return h.manager.AcceptDraw(ctx, sessionID, connID)
		})

	case messages.ActionDeclineDraw:
		h.sessionAction(msg, func(sessionID string) error {
			return h.manager.DeclineDraw(ctx, sessionID, connID)
		})

	default:
		h.sendError(msg.Conn, "unknown message type")
	}
}

func (h *Hub) sessionAction(msg InboundHubMessage, action func(sessionID string) error) {
	var payload messages.SessionActionPayload
	if err := json.Unmarshal(msg.Message.Payload, &payload); err != nil {
		h.sendError(msg.Conn, "invalid payload")
		return
	}
	if err := action(payload.SessionID); err != nil {
		h.handleFailure(msg.Conn, err)
	}
}

// handleFailure reports an error to the originating connection only.
// Rejections are caller errors and stay informational; anything else is an
// infrastructure failure surfaced as a generic message.
func (h *Hub) handleFailure(conn *Connection, err error) {
	if session.IsRejection(err) {
		h.logger.Info("rejected action",
			zap.String("connection_id", conn.ID.String()),
			zap.String("reason", err.Error()))
		h.sendError(conn, err.Error())
		return
	}

	h.logger.Error("action failed",
		zap.String("connection_id", conn.ID.String()),
		zap.Error(err))
	h.sendError(conn, "internal error, please retry")
}

func (h *Hub) sendError(conn *Connection, msg string) {
	conn.SendJSON(messages.OutboundMessage{
		Event:   messages.EventError,
		Payload: messages.ErrorPayload{Message: msg},
	})
}

// GroupSize returns the number of connections in a session's group.
func (h *Hub) GroupSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[sessionID])
}

func (h *Hub) removeGroup(sessionID string) {
	h.mu.Lock()
	delete(h.groups, sessionID)
	h.mu.Unlock()
}

// JoinGroup adds a connection to a session's group.
func (h *Hub) JoinGroup(sessionID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn := h.connections[connID]
	if conn == nil {
		return
	}
	if h.groups[sessionID] == nil {
		h.groups[sessionID] = make(map[string]*Connection)
	}
	h.groups[sessionID][connID] = conn
}

// LeaveGroup removes a connection from a session's group.
func (h *Hub) LeaveGroup(sessionID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.groups[sessionID], connID)
}

// Emit sends an event to every connection in a session's group.
func (h *Hub) Emit(sessionID, event string, payload interface{}) {
	h.mu.RLock()
	members := make([]*Connection, 0, len(h.groups[sessionID]))
	for _, conn := range h.groups[sessionID] {
		members = append(members, conn)
	}
	h.mu.RUnlock()

	msg := messages.OutboundMessage{Event: event, Payload: payload}
	for _, conn := range members {
		conn.SendJSON(msg)
	}
}

// EmitTo sends an event to a single connection.
func (h *Hub) EmitTo(connID, event string, payload interface{}) {
	h.mu.RLock()
	conn := h.connections[connID]
	h.mu.RUnlock()

	if conn == nil {
		return
	}
	conn.SendJSON(messages.OutboundMessage{Event: event, Payload: payload})
}
