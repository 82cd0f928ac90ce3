package authz

import "github.com/ruteri/apas-records-backend/interfaces"

// Grant is proof that the Guard checked the caller's role for an operation.
// Its fields are unexported, so only this package can produce a usable
// Grant; the zero value permits nothing. Every Record Store entry point
// takes a Grant, which makes an unchecked data path a compile error.
type Grant struct {
	valid    bool
	identity interfaces.Identity
	// scope is set by RequireSelfOrRole to the subject the check covered.
	scope string
}

// Identity returns the identity the grant was issued to.
func (g Grant) Identity() interfaces.Identity {
	return g.identity
}

// Username is shorthand for Identity().Username.
func (g Grant) Username() string {
	return g.identity.Username
}

// HasRole reports whether the grant is valid and its role is one of roles.
func (g Grant) HasRole(roles ...interfaces.Role) bool {
	return g.valid && g.identity.Role.In(roles...)
}

// ScopedTo reports whether the grant was issued by a self-or-role check
// for exactly this subject.
func (g Grant) ScopedTo(subject string) bool {
	return g.valid && g.scope != "" && g.scope == subject
}
