package store

import (
	"time"

	"github.com/corvith/match-server/internal/color"
)

// Status represents a session lifecycle state. Progression is monotone:
// waiting -> active -> completed or abandoned.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// Outcome values once a session is terminal.
const (
	OutcomeWhite = "white"
	OutcomeBlack = "black"
	OutcomeDraw  = "draw"
)

// Seat is a color slot within a session. ConnectionID is nil while the seat
// is disconnected; the color slot itself survives disconnects.
type Seat struct {
	ConnectionID *string     `json:"connection_id"`
	Color        color.Color `json:"color"`
	Platform     string      `json:"platform"`
}

// Record is the durable state of one session.
type Record struct {
	SessionID string   `json:"session_id"`
	FEN       string   `json:"fen"`
	MovesUCI  []string `json:"moves_uci"`
	MovesSAN  []string `json:"moves_san"`

	Seats   []Seat `json:"seats"`
	Status  Status `json:"status"`
	Outcome string `json:"outcome,omitempty"`

	InitialTime int64 `json:"initial_time"` // seconds
	Increment   int64 `json:"increment"`    // seconds per move
	WhiteClock  int64 `json:"white_clock"`  // seconds remaining
	BlackClock  int64 `json:"black_clock"`

	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	LastMoveAt   time.Time `json:"last_move_at"`
}

// Clone returns a copy whose slices are safe to mutate independently.
func (r *Record) Clone() *Record {
	cp := *r
	cp.MovesUCI = append([]string(nil), r.MovesUCI...)
	cp.MovesSAN = append([]string(nil), r.MovesSAN...)
	cp.Seats = append([]Seat(nil), r.Seats...)
	return &cp
}

// Terminal reports whether no further transition can act on the record.
func (r *Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusAbandoned
}

// Seat returns the seat holding the given color, or nil.
func (r *Record) Seat(c color.Color) *Seat {
	for i := range r.Seats {
		if r.Seats[i].Color == c {
			return &r.Seats[i]
		}
	}
	return nil
}

// SeatByConnection returns the seat currently bound to connID, or nil.
func (r *Record) SeatByConnection(connID string) *Seat {
	for i := range r.Seats {
		if r.Seats[i].ConnectionID != nil && *r.Seats[i].ConnectionID == connID {
			return &r.Seats[i]
		}
	}
	return nil
}

// Clock returns the remaining time for one color.
func (r *Record) Clock(c color.Color) int64 {
	if c == color.White {
		return r.WhiteClock
	}
	return r.BlackClock
}

// SetClock overwrites the remaining time for one color, clamping at zero.
func (r *Record) SetClock(c color.Color, seconds int64) {
	if seconds < 0 {
		seconds = 0
	}
	if c == color.White {
		r.WhiteClock = seconds
	} else {
		r.BlackClock = seconds
	}
}
