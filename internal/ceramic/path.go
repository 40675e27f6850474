package ceramic

import (
	"fmt"
	"strings"
)

// Direction is one step of a Merkle path.
type Direction byte

const (
	Left  Direction = 'L'
	Right Direction = 'R'
)

// ParsePath decodes a Merkle path line: L/R directions separated by '/',
// e.g. "L/R/L". An empty string is the root (single-leaf tree).
func ParsePath(s string) ([]Direction, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	path := make([]Direction, len(parts))
	for i, p := range parts {
		switch p {
		case "L":
			path[i] = Left
		case "R":
			path[i] = Right
		default:
			return nil, fmt.Errorf("invalid merkle path segment %q in %q", p, s)
		}
	}
	return path, nil
}

// FormatPath renders directions back into the '/'-separated line form.
func FormatPath(path []Direction) string {
	var b strings.Builder
	for i, d := range path {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteByte(byte(d))
	}
	return b.String()
}
