package messages

import "github.com/corvith/match-server/internal/color"

// OutboundMessage is how we wrap responses before sending
// them to the client
type OutboundMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Outbound event types.
const (
	EventConnected            = "CONNECTED"
	EventSessionCreated       = "SESSION_CREATED"
	EventSessionJoined        = "SESSION_JOINED"
	EventOpponentJoined       = "OPPONENT_JOINED"
	EventMoveMade             = "MOVE_MADE"
	EventClockUpdate          = "CLOCK_UPDATE"
	EventGameOver             = "GAME_OVER"
	EventDrawOffered          = "DRAW_OFFERED"
	EventDrawDeclined         = "DRAW_DECLINED"
	EventOpponentDisconnected = "OPPONENT_DISCONNECTED"
	EventError                = "ERROR"
)

type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
}

// SessionCreatedPayload represents the payload after a create session event
type SessionCreatedPayload struct {
	SessionID   string      `json:"session_id"`
	Color       color.Color `json:"color"`
	InitialFEN  string      `json:"initial_fen"`
	InitialTime int64       `json:"initial_time"`
	Increment   int64       `json:"increment"`
	WhiteClock  int64       `json:"white_clock"`
	BlackClock  int64       `json:"black_clock"`
}

// SessionJoinedPayload is sent to the joining player.
type SessionJoinedPayload struct {
	SessionID        string      `json:"session_id"`
	Color            color.Color `json:"color"`
	FEN              string      `json:"fen"`
	MovesSAN         []string    `json:"moves_san,omitempty"`
	OpponentPlatform string      `json:"opponent_platform,omitempty"`
	InitialTime      int64       `json:"initial_time"`
	Increment        int64       `json:"increment"`
	WhiteClock       int64       `json:"white_clock"`
	BlackClock       int64       `json:"black_clock"`
}

// OpponentJoinedPayload is sent to the seat that was already present.
type OpponentJoinedPayload struct {
	SessionID string      `json:"session_id"`
	Color     color.Color `json:"color"`
	Platform  string      `json:"platform,omitempty"`
}

// MoveMadePayload represents an accepted move.
type MoveMadePayload struct {
	SessionID string      `json:"session_id"`
	UCI       string      `json:"uci"`
	SAN       string      `json:"san"`
	FEN       string      `json:"fen"`
	Turn      color.Color `json:"turn"`
}

// ClockUpdatePayload contains the remaining time of both players
type ClockUpdatePayload struct {
	SessionID   string      `json:"session_id"`
	WhiteClock  int64       `json:"white_clock"`
	BlackClock  int64       `json:"black_clock"`
	ActiveColor color.Color `json:"active_color"`
}

// GameOverPayload carries the terminal outcome of a session.
type GameOverPayload struct {
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"` // white, black or draw
	Reason    string `json:"reason"`  // checkmate, resignation, draw, timeout, abandoned
}

// DrawActionPayload covers draw offers and declines relayed to the opponent.
type DrawActionPayload struct {
	SessionID string `json:"session_id"`
}

// OpponentDisconnectedPayload is sent to the remaining seat.
type OpponentDisconnectedPayload struct {
	SessionID string      `json:"session_id"`
	Color     color.Color `json:"color"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
