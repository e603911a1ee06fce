// Package color provides basic color definitions for a chess game
package color

// Color represents a chess color
type Color string

// Possible color variations in a chess game
const (
	White Color = "white"
	Black Color = "black"
)

// Opp returns the opposite color for the given color.
func (c Color) Opp() Color {
	if c == White {
		return Black
	}

	return White
}

// Valid reports whether c is one of the two playable colors.
func (c Color) Valid() bool {
	return c == White || c == Black
}
