package dbstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// RolesForUser and IsAdmin back internal/rbac.RoleSource. Roles are
// stored as plain string names in a user_roles join table; the mapping
// from name to the Role bit enum lives in internal/rbac, keeping
// dbstore free of an rbac import (persistence stays a leaf package).
func (s *Store) RolesForUser(ctx context.Context, userID string) ([]string, error) {
	var names []string
	err := sqlx.SelectContext(ctx, s.ext(), &names, `SELECT role_name FROM user_roles WHERE user_id=$1`, userID)
	if err != nil {
		return nil, fmt.Errorf("dbstore: roles for user: %w", err)
	}
	return names, nil
}

func (s *Store) IsAdmin(ctx context.Context, userID string) (bool, error) {
	var isAdmin bool
	err := sqlx.GetContext(ctx, s.ext(), &isAdmin, `SELECT is_admin FROM users WHERE user_id=$1`, userID)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("dbstore: is admin: %w", err)
	}
	return isAdmin, nil
}
