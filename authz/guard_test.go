package authz

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/apas-records-backend/cryptoutils"
	"github.com/ruteri/apas-records-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func setupGuard(t *testing.T, opts GuardOptions) (*Guard, *MockIdentityStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := new(MockIdentityStore)
	return NewGuard(store, opts, logger), store
}

func hashed(t *testing.T, password string) string {
	t.Helper()
	h, err := cryptoutils.HashPassword(password)
	require.NoError(t, err)
	return h
}

func TestGuard_Authenticate(t *testing.T) {
	guard, store := setupGuard(t, GuardOptions{})
	ctx := context.Background()

	alice := &interfaces.Identity{ID: 1, Username: "alice", Credential: hashed(t, "secret"), Role: interfaces.RoleInstructor}
	store.On("LookupIdentity", mock.Anything, "alice").Return(alice, nil)
	store.On("LookupIdentity", mock.Anything, "ghost").Return(nil, interfaces.ErrNotFound)

	identity, err := guard.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Username)
	assert.Equal(t, interfaces.RoleInstructor, identity.Role)

	_, err = guard.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, interfaces.ErrInvalidCredentials)

	_, err = guard.Authenticate(ctx, "ghost", "secret")
	assert.ErrorIs(t, err, interfaces.ErrInvalidCredentials)

	_, err = guard.Authenticate(ctx, "", "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidCredentials)

	store.AssertExpectations(t)
}

func TestGuard_Authenticate_StoreFailure(t *testing.T) {
	guard, store := setupGuard(t, GuardOptions{})
	store.On("LookupIdentity", mock.Anything, "alice").Return(nil, interfaces.ErrStorageFailure)

	_, err := guard.Authenticate(context.Background(), "alice", "secret")
	assert.ErrorIs(t, err, interfaces.ErrStorageFailure)
	assert.False(t, errors.Is(err, interfaces.ErrInvalidCredentials))
}

func TestGuard_Authenticate_PlaintextFallback(t *testing.T) {
	legacy := &interfaces.Identity{ID: 2, Username: "legacy", Credential: "hunter2", Role: interfaces.RoleStudent}

	t.Run("disabled", func(t *testing.T) {
		guard, store := setupGuard(t, GuardOptions{})
		store.On("LookupIdentity", mock.Anything, "legacy").Return(legacy, nil)

		_, err := guard.Authenticate(context.Background(), "legacy", "hunter2")
		assert.ErrorIs(t, err, interfaces.ErrInvalidCredentials)
	})

	t.Run("enabled", func(t *testing.T) {
		guard, store := setupGuard(t, GuardOptions{AllowPlaintextPasswords: true})
		store.On("LookupIdentity", mock.Anything, "legacy").Return(legacy, nil)

		identity, err := guard.Authenticate(context.Background(), "legacy", "hunter2")
		require.NoError(t, err)
		assert.Equal(t, "legacy", identity.Username)

		_, err = guard.Authenticate(context.Background(), "legacy", "hunter3")
		assert.ErrorIs(t, err, interfaces.ErrInvalidCredentials)
	})
}

func TestGuard_RequireRole(t *testing.T) {
	guard, store := setupGuard(t, GuardOptions{})
	store.On("LookupIdentity", mock.Anything, "admin").Return(&interfaces.Identity{ID: 1, Username: "admin", Role: interfaces.RoleAdmin}, nil)
	store.On("LookupIdentity", mock.Anything, "s1").Return(&interfaces.Identity{ID: 2, Username: "s1", Role: interfaces.RoleStudent}, nil)
	store.On("LookupIdentity", mock.Anything, "deleted").Return(nil, interfaces.ErrNotFound)

	tests := []struct {
		name    string
		ctx     context.Context
		allowed []interfaces.Role
		wantErr error
	}{
		{name: "no session", ctx: context.Background(), allowed: []interfaces.Role{interfaces.RoleAdmin}, wantErr: interfaces.ErrUnauthenticated},
		{name: "empty identity", ctx: WithIdentity(context.Background(), ""), allowed: []interfaces.Role{interfaces.RoleAdmin}, wantErr: interfaces.ErrUnauthenticated},
		{name: "deleted account", ctx: WithIdentity(context.Background(), "deleted"), allowed: []interfaces.Role{interfaces.RoleAdmin}, wantErr: interfaces.ErrUnauthenticated},
		{name: "non-admin", ctx: WithIdentity(context.Background(), "s1"), allowed: []interfaces.Role{interfaces.RoleAdmin}, wantErr: interfaces.ErrForbidden},
		{name: "admin", ctx: WithIdentity(context.Background(), "admin"), allowed: []interfaces.Role{interfaces.RoleAdmin}},
		{name: "role set", ctx: WithIdentity(context.Background(), "s1"), allowed: []interfaces.Role{interfaces.RoleInstructor, interfaces.RoleStudent}},
		{name: "empty set", ctx: WithIdentity(context.Background(), "admin"), allowed: nil, wantErr: interfaces.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grant, err := guard.RequireRole(tt.ctx, tt.allowed...)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, grant.HasRole(interfaces.RoleStudent, interfaces.RoleInstructor, interfaces.RoleAdmin))
				return
			}
			require.NoError(t, err)
			assert.True(t, grant.HasRole(tt.allowed...))
			assert.False(t, grant.ScopedTo(grant.Username()))
		})
	}
}

func TestGuard_RequireSelfOrRole(t *testing.T) {
	guard, store := setupGuard(t, GuardOptions{})
	store.On("LookupIdentity", mock.Anything, "admin").Return(&interfaces.Identity{Username: "admin", Role: interfaces.RoleAdmin}, nil)
	store.On("LookupIdentity", mock.Anything, "s1").Return(&interfaces.Identity{Username: "s1", Role: interfaces.RoleStudent}, nil)
	store.On("LookupIdentity", mock.Anything, "i1").Return(&interfaces.Identity{Username: "i1", Role: interfaces.RoleInstructor}, nil)

	self := []interfaces.Role{interfaces.RoleStudent}
	override := []interfaces.Role{interfaces.RoleAdmin}

	grant, err := guard.RequireSelfOrRole(WithIdentity(context.Background(), "s1"), "s1", self, override)
	require.NoError(t, err)
	assert.True(t, grant.ScopedTo("s1"))
	assert.False(t, grant.ScopedTo("s2"))

	_, err = guard.RequireSelfOrRole(WithIdentity(context.Background(), "s1"), "s2", self, override)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	// Role passes but the identity is not the subject
	_, err = guard.RequireSelfOrRole(WithIdentity(context.Background(), "i1"), "s1", self, override)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	grant, err = guard.RequireSelfOrRole(WithIdentity(context.Background(), "admin"), "s2", self, override)
	require.NoError(t, err)
	assert.True(t, grant.ScopedTo("s2"))

	_, err = guard.RequireSelfOrRole(context.Background(), "s1", self, override)
	assert.ErrorIs(t, err, interfaces.ErrUnauthenticated)
}

func TestGrant_ZeroValuePermitsNothing(t *testing.T) {
	var g Grant
	assert.False(t, g.HasRole(interfaces.RoleAdmin, interfaces.RoleInstructor, interfaces.RoleStudent))
	assert.False(t, g.ScopedTo(""))
	assert.False(t, g.ScopedTo("s1"))
}
