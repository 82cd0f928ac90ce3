package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/apas-records-backend/authz"
	"github.com/ruteri/apas-records-backend/cryptoutils"
	"github.com/ruteri/apas-records-backend/interfaces"
)

// LookupIdentity implements interfaces.IdentityStore.
func (s *Store) LookupIdentity(ctx context.Context, username string) (*interfaces.Identity, error) {
	return s.lookupIdentity(ctx, s.db, username)
}

func (s *Store) lookupIdentity(ctx context.Context, q querier, username string) (*interfaces.Identity, error) {
	var (
		identity interfaces.Identity
		role     string
	)
	err := q.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT id, username, credential, role FROM users WHERE username = ?`),
		username,
	).Scan(&identity.ID, &identity.Username, &identity.Credential, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("lookup identity", err)
	}

	identity.Role = interfaces.Role(role)
	return &identity, nil
}

// CreateUser hashes password and stores a new identity. Requires admin.
func (s *Store) CreateUser(ctx context.Context, grant authz.Grant, username, password string, role interfaces.Role) (*interfaces.Identity, error) {
	if !grant.HasRole(interfaces.RoleAdmin) {
		return nil, interfaces.ErrForbidden
	}

	identity, err := s.insertUser(ctx, s.db, username, password, role)
	if err != nil {
		return nil, err
	}

	s.log.Info("Created user", slog.String("username", identity.Username), slog.String("role", role.String()), slog.String("by", grant.Username()))
	return identity, nil
}

// BootstrapAdmin creates the first admin account. It fails with ErrConflict
// once any admin exists, so it cannot be used to add accounts later.
func (s *Store) BootstrapAdmin(ctx context.Context, username, password string) (*interfaces.Identity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	defer tx.Rollback()

	var admins int
	if err := tx.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT COUNT(*) FROM users WHERE role = ?`),
		string(interfaces.RoleAdmin),
	).Scan(&admins); err != nil {
		return nil, storageErr("count admins", err)
	}
	if admins > 0 {
		return nil, fmt.Errorf("%w: an admin account already exists", interfaces.ErrConflict)
	}

	identity, err := s.insertUser(ctx, tx, username, password, interfaces.RoleAdmin)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit", err)
	}

	s.log.Info("Bootstrapped admin account", slog.String("username", identity.Username))
	return identity, nil
}

func (s *Store) insertUser(ctx context.Context, q querier, username, password string, role interfaces.Role) (*interfaces.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", interfaces.ErrInvalidInput)
	}
	role, err := interfaces.ParseRole(string(role))
	if err != nil {
		return nil, err
	}

	credential, err := cryptoutils.HashPassword(password)
	if err != nil {
		return nil, err
	}

	var id int64
	err = q.QueryRowContext(ctx,
		s.dialect.rebind(`INSERT INTO users (username, credential, role) VALUES (?, ?, ?) RETURNING id`),
		username, credential, string(role),
	).Scan(&id)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: username %q is taken", interfaces.ErrConflict, username)
	}
	if err != nil {
		return nil, storageErr("insert user", err)
	}

	return &interfaces.Identity{ID: id, Username: username, Credential: credential, Role: role}, nil
}

// ListUsers returns all identities ordered by id. Requires admin.
// Credentials are not loaded.
func (s *Store) ListUsers(ctx context.Context, grant authz.Grant) ([]interfaces.Identity, error) {
	if !grant.HasRole(interfaces.RoleAdmin) {
		return nil, interfaces.ErrForbidden
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, username, role FROM users ORDER BY id`)
	if err != nil {
		return nil, storageErr("list users", err)
	}
	defer rows.Close()

	var users []interfaces.Identity
	for rows.Next() {
		var (
			u    interfaces.Identity
			role string
		)
		if err := rows.Scan(&u.ID, &u.Username, &role); err != nil {
			return nil, storageErr("scan user", err)
		}
		u.Role = interfaces.Role(role)
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list users", err)
	}
	return users, nil
}
