// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxMemberIDLen    = 128
	MaxDisplayNameLen = 64

	AnonymousName = "Anônimo"
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrMemberIDEmpty      = errors.New("member id empty")
	ErrMemberIDTooLong    = errors.New("member id too long")
	ErrMemberIDInvalid    = errors.New("member id not usable as a path segment")
)

// Identity is what the authentication provider tells us about the local user.
type Identity struct {
	ID   MemberID `json:"id"`
	Name string   `json:"name"`
}

// NewIdentity is a tiny helper to avoid ad-hoc struct literals in adapters.
// An empty display name falls back to AnonymousName.
func NewIdentity(id, name string) (Identity, error) {
	if len(id) == 0 {
		return Identity{}, ErrMemberIDEmpty
	}
	if len(id) > MaxMemberIDLen {
		return Identity{}, ErrMemberIDTooLong
	}
	// Ids become mailbox path segments.
	if id == "." || id == ".." || strings.Contains(id, "/") {
		return Identity{}, ErrMemberIDInvalid
	}
	if len(name) > MaxDisplayNameLen {
		return Identity{}, ErrDisplayNameTooLong
	}
	if name == "" {
		name = AnonymousName
	}
	return Identity{ID: MemberID(id), Name: name}, nil
}
