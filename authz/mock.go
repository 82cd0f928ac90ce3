package authz

import (
	"context"

	"github.com/ruteri/apas-records-backend/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockIdentityStore mocks the IdentityStore interface
type MockIdentityStore struct {
	mock.Mock
}

// LookupIdentity mocks the LookupIdentity method
func (m *MockIdentityStore) LookupIdentity(ctx context.Context, username string) (*interfaces.Identity, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Identity), args.Error(1)
}
