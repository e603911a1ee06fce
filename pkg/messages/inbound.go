package messages

import "encoding/json"

// InboundMessage is the generic wrapper for messages coming from the client.
// The "type" field tells us the action; "payload" is the data we parse further.
type InboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound action types.
const (
	ActionCreateSession = "CREATE_SESSION"
	ActionJoinSession   = "JOIN_SESSION"
	ActionMakeMove      = "MAKE_MOVE"
	ActionResign        = "RESIGN"
	ActionOfferDraw     = "OFFER_DRAW"
	ActionAcceptDraw    = "ACCEPT_DRAW"
	ActionDeclineDraw   = "DECLINE_DRAW"
)

// TimeControlPayload is the requested time control, in seconds.
type TimeControlPayload struct {
	Initial   int64 `json:"initial"`
	Increment int64 `json:"increment"`
}

// CreateSessionPayload represents the payload for creating a new session
type CreateSessionPayload struct {
	Color       string              `json:"color,omitempty"`
	TimeControl *TimeControlPayload `json:"time_control,omitempty"`
	Platform    string              `json:"platform,omitempty"`
}

// JoinSessionPayload represents the payload for joining an existing session
type JoinSessionPayload struct {
	SessionID string `json:"session_id"`
	Platform  string `json:"platform,omitempty"`
}

// MakeMovePayload represents the payload for making a move during a session
type MakeMovePayload struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// SessionActionPayload covers resign and the draw actions, which carry only
// the target session.
type SessionActionPayload struct {
	SessionID string `json:"session_id"`
}
