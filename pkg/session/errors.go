package session

import "errors"

// Rejections are caller errors: reported to the originating connection only,
// with no state change and no severity beyond informational.
var (
	ErrNotFound        = errors.New("session not found")
	ErrSessionFull     = errors.New("session is full")
	ErrSessionOver     = errors.New("session is over")
	ErrNotActive       = errors.New("session not active")
	ErrNotAParticipant = errors.New("connection is not a participant")
	ErrWrongTurn       = errors.New("not your turn")
	ErrInvalidMove     = errors.New("invalid move")
)

// IsRejection reports whether err is a caller error rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSessionFull) ||
		errors.Is(err, ErrSessionOver) ||
		errors.Is(err, ErrNotActive) ||
		errors.Is(err, ErrNotAParticipant) ||
		errors.Is(err, ErrWrongTurn) ||
		errors.Is(err, ErrInvalidMove)
}
