package auth

import "fmt"

// Scope classifies what a route exposes.
type Scope string

const (
	// ScopeAuthenticated is open to any principal with a live session.
	ScopeAuthenticated Scope = "authenticated"
	// ScopePartner covers data tied to a partner affiliation.
	ScopePartner Scope = "partner"
	// ScopeSelf covers data owned by one principal, such as payroll.
	ScopeSelf Scope = "self"
	// ScopeAdmin covers account management.
	ScopeAdmin Scope = "admin"
)

var Scopes = []Scope{ScopeAuthenticated, ScopePartner, ScopeSelf, ScopeAdmin}

// Resource describes the target of a request as far as authorization cares.
type Resource struct {
	Scope     Scope
	PartnerID string
	OwnerID   string
}

type rule func(id Identity, res Resource) bool

func allow(Identity, Resource) bool { return true }
func deny(Identity, Resource) bool  { return false }

func samePartner(id Identity, res Resource) bool {
	return id.PartnerID != "" && res.PartnerID == id.PartnerID
}

func ownResource(id Identity, res Resource) bool {
	return id.PrincipalID != "" && res.OwnerID == id.PrincipalID
}

// rules is the only place role capabilities are defined. Every role must
// carry an entry for every scope; a missing pair denies.
var rules = map[Role]map[Scope]rule{
	RoleAdministrator: {
		ScopeAuthenticated: allow,
		ScopePartner:       allow,
		ScopeSelf:          allow,
		ScopeAdmin:         allow,
	},
	RolePartner: {
		ScopeAuthenticated: allow,
		ScopePartner:       samePartner,
		ScopeSelf:          ownResource,
		ScopeAdmin:         deny,
	},
	RoleEmployee: {
		ScopeAuthenticated: allow,
		ScopePartner:       deny,
		ScopeSelf:          ownResource,
		ScopeAdmin:         deny,
	},
}

// Authorize evaluates the rule table for id against res and returns
// ErrForbidden when access is not granted.
func Authorize(id Identity, res Resource) error {
	byScope, ok := rules[id.Role]
	if !ok {
		return fmt.Errorf("role %q: %w", id.Role, ErrForbidden)
	}
	check, ok := byScope[res.Scope]
	if !ok || !check(id, res) {
		return fmt.Errorf("%s scope: %w", res.Scope, ErrForbidden)
	}
	return nil
}
