// Package archive persists terminal sessions to postgres so player history
// survives the redis record TTL.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/corvith/match-server/internal/color"
	"github.com/corvith/match-server/pkg/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	white_player TEXT NOT NULL,
	black_player TEXT NOT NULL,
	result TEXT NOT NULL,
	result_method TEXT NOT NULL,
	initial_time BIGINT NOT NULL,
	increment BIGINT NOT NULL,
	moves_uci TEXT NOT NULL,
	moves_san TEXT NOT NULL,
	final_fen TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_white_player ON sessions(white_player);
CREATE INDEX IF NOT EXISTS idx_sessions_black_player ON sessions(black_player);
CREATE INDEX IF NOT EXISTS idx_sessions_ended_at ON sessions(ended_at);
`

// Entry is one row of a player's terminal-session history.
type Entry struct {
	SessionID   string    `json:"session_id"`
	WhitePlayer string    `json:"white_player"`
	BlackPlayer string    `json:"black_player"`
	Result      string    `json:"result"`
	Method      string    `json:"method"`
	MovesSAN    []string  `json:"moves_san"`
	EndedAt     time.Time `json:"ended_at"`
}

// Repository stores terminal session results.
type Repository struct {
	db *sql.DB
}

// NewRepository opens and pings the database.
func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("archive: DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

// Init creates the schema when it does not exist yet.
func (r *Repository) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Close releases the database handle.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveResult upserts a terminal session. method names how the session ended
// (checkmate, resignation, draw, timeout, abandoned).
func (r *Repository) SaveResult(ctx context.Context, rec *store.Record, method string) error {
	if r == nil || r.db == nil || rec == nil {
		return nil
	}
	if !rec.Terminal() {
		return nil
	}

	movesUCI, _ := json.Marshal(rec.MovesUCI)
	movesSAN, _ := json.Marshal(rec.MovesSAN)

	q := `INSERT INTO sessions (
	    session_id, white_player, black_player,
	    result, result_method, initial_time, increment,
	    moves_uci, moves_san, final_fen, started_at, ended_at
	  ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	  ON CONFLICT (session_id) DO UPDATE SET
	    result=EXCLUDED.result,
	    result_method=EXCLUDED.result_method,
	    moves_uci=EXCLUDED.moves_uci,
	    moves_san=EXCLUDED.moves_san,
	    final_fen=EXCLUDED.final_fen,
	    ended_at=EXCLUDED.ended_at`

	_, err := r.db.ExecContext(ctx, q,
		rec.SessionID,
		seatPlayer(rec, color.White), seatPlayer(rec, color.Black),
		rec.Outcome, strings.TrimSpace(method),
		rec.InitialTime, rec.Increment,
		string(movesUCI), string(movesSAN), rec.FEN,
		rec.CreatedAt, rec.LastActivity,
	)
	return err
}

// History returns a player's terminal sessions, most recent first.
func (r *Repository) History(ctx context.Context, player string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	q := `SELECT session_id, white_player, black_player, result, result_method, moves_san, ended_at
	  FROM sessions
	  WHERE white_player = $1 OR black_player = $1
	  ORDER BY ended_at DESC
	  LIMIT $2`

	rows, err := r.db.QueryContext(ctx, q, player, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var movesSAN string
		if err := rows.Scan(&e.SessionID, &e.WhitePlayer, &e.BlackPlayer, &e.Result, &e.Method, &movesSAN, &e.EndedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(movesSAN), &e.MovesSAN); err != nil {
			e.MovesSAN = nil
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// seatPlayer returns a stable identifier for a seat. The last known
// connection id stands in for player identity, which stays external.
func seatPlayer(rec *store.Record, c color.Color) string {
	seat := rec.Seat(c)
	if seat == nil || seat.ConnectionID == nil {
		return ""
	}
	return *seat.ConnectionID
}
