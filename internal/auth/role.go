package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of principal roles.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RolePartner       Role = "partner"
	RoleEmployee      Role = "employee"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleAdministrator, RolePartner, RoleEmployee}

// ParseRole normalizes s and returns the matching role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unsupported role %q", ErrInvalidInput, s)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdministrator, RolePartner, RoleEmployee:
		return true
	}
	return false
}

// Status is the account status of a principal.
type Status string

const (
	StatusActive   Status = "active"
	StatusLocked   Status = "locked"
	StatusDisabled Status = "disabled"
)

// ParseStatus normalizes s and returns the matching status. Empty input means active.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.TrimSpace(strings.ToLower(s)))
	if st == "" {
		return StatusActive, nil
	}
	switch st {
	case StatusActive, StatusLocked, StatusDisabled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unsupported status %q", ErrInvalidInput, s)
}
