package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"erppilot/internal/types"
)

// SQLSource is a RoleSource backed by the users table. Lookups hit the
// database on every call.
type SQLSource struct {
	db *sql.DB
}

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	first_name TEXT NOT NULL,
	last_name TEXT NOT NULL DEFAULT '',
	roles TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL
);
`

// NewSQLSource creates the source and ensures its schema exists.
func NewSQLSource(db *sql.DB) (*SQLSource, error) {
	if _, err := db.Exec(usersSchema); err != nil {
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}
	return &SQLSource{db: db}, nil
}

// RolesFor implements RoleSource.
func (s *SQLSource) RolesFor(ctx context.Context, userID string) ([]types.RoleName, error) {
	var rolesJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT roles FROM users WHERE user_id = ? OR email = ?`, userID, userID,
	).Scan(&rolesJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("role lookup failed: %w", err)
	}

	var roles []types.RoleName
	if err := json.Unmarshal([]byte(rolesJSON), &roles); err != nil {
		return nil, fmt.Errorf("corrupt roles for user %s: %w", userID, err)
	}
	return roles, nil
}

// CreateUser provisions a new user with the given roles. Returns an error
// when the user id or email is already taken.
func (s *SQLSource) CreateUser(ctx context.Context, userID, email, firstName, lastName string, roles []types.RoleName) error {
	if roles == nil {
		roles = []types.RoleName{}
	}
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("failed to encode roles: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, email, first_name, last_name, roles, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		userID, email, firstName, lastName, string(rolesJSON), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", userID, err)
	}
	return nil
}

// SetRoles replaces a user's role grant.
func (s *SQLSource) SetRoles(ctx context.Context, userID string, roles []types.RoleName) error {
	rolesJSON, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("failed to encode roles: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET roles = ? WHERE user_id = ?`, string(rolesJSON), userID)
	if err != nil {
		return fmt.Errorf("failed to update roles: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	return nil
}
