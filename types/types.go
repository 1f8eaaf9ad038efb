package types

import "strings"

// Identity is a type-safe wrapper for commander names.
// The empty Identity means no commander has been observed yet.
type Identity string

// EventType is a type-safe wrapper for journal event type tags ("FSDJump", "Scan", ...)
type EventType string

// String converts Identity to string
func (i Identity) String() string {
	return string(i)
}

// IsZero reports whether no identity is set
func (i Identity) IsZero() bool {
	return i == ""
}

// EqualFold compares two identities case-insensitively, the way account
// names are matched against journal names.
func (i Identity) EqualFold(other Identity) bool {
	return strings.EqualFold(string(i), string(other))
}

// String converts EventType to string
func (e EventType) String() string {
	return string(e)
}
