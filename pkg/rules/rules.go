// Package rules wraps the chess rules engine. It validates candidate moves
// against a live position and reports the resulting state and terminal flags.
package rules

import (
	"errors"
	"fmt"
	"strings"

	chess "github.com/corentings/chess/v2"

	"github.com/corvith/match-server/internal/color"
)

// ErrIllegalMove is returned when a candidate move is rejected by the engine.
// The position is left untouched.
var ErrIllegalMove = errors.New("rules: illegal move")

// Position is a live, mutable board state. It is the single source of truth
// for side-to-move; callers must not keep a parallel turn flag.
type Position struct {
	game *chess.Game
}

// Result describes an accepted move.
type Result struct {
	UCI string
	SAN string
	FEN string

	SideToMove color.Color

	Terminal bool
	Winner   color.Color // set on checkmate only
	Draw     bool
}

// NewPosition returns the standard starting position.
func NewPosition() *Position {
	return &Position{game: chess.NewGame()}
}

// FromMoves rebuilds a position by replaying UCI moves from the start
// position. Replaying the stored move list avoids double-applying state that a
// serialized board encoding may already contain.
func FromMoves(moves []string) (*Position, error) {
	game := chess.NewGame()
	for _, mv := range moves {
		if err := game.PushNotationMove(mv, chess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("rules: replay move %q: %w", mv, err)
		}
	}
	return &Position{game: game}, nil
}

// Apply validates and plays a coordinate move. Promotion is the lowercase
// piece letter ("q", "r", "b", "n") or empty. A rejected move leaves the
// position byte-identical.
func (p *Position) Apply(from, to, promotion string) (Result, error) {
	uci := strings.ToLower(strings.TrimSpace(from) + strings.TrimSpace(to) + strings.TrimSpace(promotion))
	if len(uci) < 4 {
		return Result{}, ErrIllegalMove
	}

	pos := p.game.Position()
	if err := p.game.PushNotationMove(uci, chess.UCINotation{}, nil); err != nil {
		return Result{}, ErrIllegalMove
	}

	moves := p.game.Moves()
	last := moves[len(moves)-1]

	res := Result{
		UCI:        uci,
		SAN:        chess.AlgebraicNotation{}.Encode(pos, last),
		FEN:        p.game.FEN(),
		SideToMove: p.SideToMove(),
	}

	switch p.game.Outcome() {
	case chess.WhiteWon:
		res.Terminal = true
		res.Winner = color.White
	case chess.BlackWon:
		res.Terminal = true
		res.Winner = color.Black
	case chess.Draw:
		res.Terminal = true
		res.Draw = true
	}

	return res, nil
}

// SideToMove returns the color whose turn it is.
func (p *Position) SideToMove() color.Color {
	if p.game.Position().Turn() == chess.White {
		return color.White
	}
	return color.Black
}

// FEN returns the serialized encoding of the current position.
func (p *Position) FEN() string {
	return p.game.FEN()
}
