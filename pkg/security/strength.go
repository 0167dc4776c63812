// Package security rates master passwords.
package security

import "unicode/utf8"

// Strength is the rating of a master password.
type Strength int

const (
	Weak Strength = iota
	Fair
	Good
	Strong
)

// MinLength is the shortest master password not rated Weak.
const MinLength = 8

// String returns a human-readable representation of the strength.
func (s Strength) String() string {
	switch s {
	case Weak:
		return "Weak"
	case Fair:
		return "Fair"
	case Good:
		return "Good"
	case Strong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// Rate rates a master password by its length in characters. Composition is
// not scored (NIST SP 800-63B). Invalid UTF-8 counts byte by byte.
func Rate(password []byte) Strength {
	n := utf8.RuneCount(password)
	switch {
	case n >= 20:
		return Strong
	case n >= 14:
		return Good
	case n >= MinLength:
		return Fair
	default:
		return Weak
	}
}
