// Package authz implements the access control guard.
//
// A request moves from unauthenticated to authenticated when the session
// carrier places an identity string on its context (see WithIdentity). The
// Guard trusts that string, resolves the identity's current role from the
// identity store and issues a Grant if the role is allowed. Data operations
// in package records accept only a Grant, so they cannot be reached without
// a role check.
package authz
