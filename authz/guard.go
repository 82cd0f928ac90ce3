package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/apas-records-backend/cryptoutils"
	"github.com/ruteri/apas-records-backend/interfaces"
)

// GuardOptions configures credential verification.
type GuardOptions struct {
	// AllowPlaintextPasswords enables comparing stored credentials that are
	// not recognized as hashes directly against the submitted password.
	AllowPlaintextPasswords bool
}

// Guard resolves the caller's identity and role and issues Grants.
// The role is read from the identity store on every check, so a session
// never outlives a change to the underlying account.
type Guard struct {
	identities interfaces.IdentityStore
	opts       GuardOptions
	log        *slog.Logger
}

// NewGuard creates a guard backed by the given identity store.
func NewGuard(identities interfaces.IdentityStore, opts GuardOptions, log *slog.Logger) *Guard {
	if opts.AllowPlaintextPasswords {
		log.Warn("Plaintext password fallback is enabled")
	}
	return &Guard{
		identities: identities,
		opts:       opts,
		log:        log,
	}
}

// Authenticate verifies a username and password. Unknown users and wrong
// passwords both yield ErrInvalidCredentials.
func (g *Guard) Authenticate(ctx context.Context, username, password string) (*interfaces.Identity, error) {
	if username == "" || password == "" {
		return nil, interfaces.ErrInvalidCredentials
	}

	identity, err := g.identities.LookupIdentity(ctx, username)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, interfaces.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("identity lookup failed: %w", err)
	}

	if !g.verifyCredential(identity, password) {
		return nil, interfaces.ErrInvalidCredentials
	}
	return identity, nil
}

func (g *Guard) verifyCredential(identity *interfaces.Identity, password string) bool {
	if cryptoutils.IsPasswordHash(identity.Credential) {
		ok, err := cryptoutils.VerifyPassword(identity.Credential, password)
		if err != nil {
			g.log.Warn("Stored credential could not be verified", slog.String("username", identity.Username), "err", err)
			return false
		}
		return ok
	}

	if !g.opts.AllowPlaintextPasswords {
		g.log.Warn("Rejected login against unhashed credential", slog.String("username", identity.Username))
		return false
	}

	g.log.Warn("Authenticating against plaintext credential", slog.String("username", identity.Username))
	return cryptoutils.ConstantTimeEqual(identity.Credential, password)
}

// current resolves the session identity from ctx against the identity store.
func (g *Guard) current(ctx context.Context) (*interfaces.Identity, error) {
	username, ok := IdentityFromContext(ctx)
	if !ok {
		return nil, interfaces.ErrUnauthenticated
	}

	identity, err := g.identities.LookupIdentity(ctx, username)
	if errors.Is(err, interfaces.ErrNotFound) {
		// The account is gone; the session no longer identifies anyone.
		return nil, interfaces.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("identity lookup failed: %w", err)
	}
	return identity, nil
}

// Current returns the authenticated identity without a role check.
func (g *Guard) Current(ctx context.Context) (*interfaces.Identity, error) {
	return g.current(ctx)
}

// RequireRole fails with ErrUnauthenticated when ctx carries no identity
// and with ErrForbidden when the identity's role is not in allowed.
func (g *Guard) RequireRole(ctx context.Context, allowed ...interfaces.Role) (Grant, error) {
	identity, err := g.current(ctx)
	if err != nil {
		return Grant{}, err
	}

	if !identity.Role.In(allowed...) {
		g.log.Info("Role check failed", slog.String("username", identity.Username), slog.String("role", identity.Role.String()))
		return Grant{}, fmt.Errorf("%w: role %s not permitted", interfaces.ErrForbidden, identity.Role)
	}

	return Grant{valid: true, identity: *identity}, nil
}

// RequireSelfOrRole permits the caller when it is subject itself holding
// one of selfRoles, or when it holds one of overrideRoles. The grant is
// scoped to subject.
func (g *Guard) RequireSelfOrRole(ctx context.Context, subject string, selfRoles, overrideRoles []interfaces.Role) (Grant, error) {
	identity, err := g.current(ctx)
	if err != nil {
		return Grant{}, err
	}

	switch {
	case identity.Role.In(overrideRoles...):
	case identity.Role.In(selfRoles...) && identity.Username == subject:
	default:
		g.log.Info("Subject check failed", slog.String("username", identity.Username), slog.String("role", identity.Role.String()))
		return Grant{}, fmt.Errorf("%w: %s may not access records of another identity", interfaces.ErrForbidden, identity.Username)
	}

	return Grant{valid: true, identity: *identity, scope: subject}, nil
}
