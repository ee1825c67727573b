package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

const userColumns = `id, role, is_active, display_name, username, master_percent, admin_percent, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*types.User, error) {
	var (
		u             types.User
		displayName   sql.NullString
		username      sql.NullString
		masterPercent sql.NullString
		adminPercent  sql.NullString
	)
	err := row.Scan(&u.ID, &u.Role, &u.IsActive, &displayName, &username,
		&masterPercent, &adminPercent, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.DisplayName = strOrNil(displayName)
	u.Username = strOrNil(username)
	if u.MasterPercent, err = decimalOrNil(masterPercent); err != nil {
		return nil, err
	}
	if u.AdminPercent, err = decimalOrNil(adminPercent); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

// isAdminTier reports whether a role belongs to the administrative tier
// with unrestricted ticket visibility.
func isAdminTier(r types.Role) bool {
	return r == types.RoleAdmin || r == types.RoleSysAdmin || r == types.RoleSuperAdmin
}

// isExecutor reports whether a role can take and work tickets.
func isExecutor(r types.Role) bool {
	return r == types.RoleMaster || r == types.RoleJuniorMaster
}

// canCreateTickets reports whether a role can run the create operation.
func canCreateTickets(r types.Role) bool {
	return r == types.RoleJuniorAdmin || isAdminTier(r)
}

// canManageUsers reports whether a role can change roles, percents and
// junior links.
func canManageUsers(r types.Role) bool {
	return r == types.RoleSysAdmin || r == types.RoleSuperAdmin
}

// envRoleFor returns the environment-driven role for an external ID, or
// empty when the ID carries no special promotion.
func (s *Store) envRoleFor(externalID int64) types.Role {
	if s.superAdminID != 0 && externalID == s.superAdminID {
		return types.RoleSuperAdmin
	}
	if s.sysAdminIDs[externalID] {
		return types.RoleSysAdmin
	}
	return ""
}

// EnsureActor loads the user for an external ID, creating it on first
// contact with role USER. Environment-configured IDs are promoted to
// SUPER_ADMIN or SYS_ADMIN, but only upward: a stored role of equal or
// higher rank is never demoted. Display name and username refresh on
// every contact.
func (s *Store) EnsureActor(ctx context.Context, externalID int64, displayName, username *string) (*types.User, error) {
	var user *types.User
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(
			"SELECT "+userColumns+" FROM users WHERE id = ?"), externalID)
		u, err := scanUser(row)
		if errors.Is(err, sql.ErrNoRows) {
			role := types.RoleUser
			if env := s.envRoleFor(externalID); env != "" {
				role = env
			}
			ts := now()
			_, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO users (id, role, is_active, display_name, username, created_at, updated_at)
				VALUES (?, ?, TRUE, ?, ?, ?, ?)
			`), externalID, role, displayName, username, ts, ts)
			if err != nil {
				return fmt.Errorf("failed to create user %d: %w", externalID, err)
			}
			user = &types.User{
				ID:          externalID,
				Role:        role,
				IsActive:    true,
				DisplayName: displayName,
				Username:    username,
				CreatedAt:   ts,
				UpdatedAt:   ts,
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load user %d: %w", externalID, err)
		}

		role := u.Role
		if env := s.envRoleFor(externalID); env != "" && env.Rank() > role.Rank() {
			role = env
		}
		ts := now()
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE users SET role = ?, display_name = ?, username = ?, updated_at = ?
			WHERE id = ?
		`), role, displayName, username, ts, externalID)
		if err != nil {
			return fmt.Errorf("failed to refresh user %d: %w", externalID, err)
		}
		u.Role = role
		u.DisplayName = displayName
		u.Username = username
		u.UpdatedAt = ts
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser returns one user by external ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*types.User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT "+userColumns+" FROM users WHERE id = ?"), id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	return u, nil
}

// getUserTx loads a user inside a transaction.
func (s *Store) getUserTx(ctx context.Context, tx *sql.Tx, id int64) (*types.User, error) {
	row := tx.QueryRowContext(ctx, s.rebind(
		"SELECT "+userColumns+" FROM users WHERE id = ?"), id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	return u, nil
}

// ListUsersByRoles returns active users holding any of the given roles,
// ordered by ID for stable listings.
func (s *Store) ListUsersByRoles(ctx context.Context, roles []types.Role, limit int) ([]*types.User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	placeholders := make([]string, len(roles))
	args := make([]any, 0, len(roles)+1)
	for i, r := range roles {
		placeholders[i] = "?"
		args = append(args, r)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT "+userColumns+" FROM users WHERE is_active AND role IN ("+
			strings.Join(placeholders, ", ")+") ORDER BY id LIMIT ?"), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// requireManager checks the actor may manage users, auditing the denial.
func (s *Store) requireManager(ctx context.Context, actorID int64, operation string, targetID int64) (*types.User, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsActive || !canManageUsers(actor.Role) {
		entityID := strconv.FormatInt(targetID, 10)
		if err := s.auditDenied(ctx, actorID, operation, types.EntityUser, &entityID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", operation, storage.ErrDenied)
	}
	return actor, nil
}

// SetRole assigns an explicit role to a user. Requires SYS_ADMIN or above.
func (s *Store) SetRole(ctx context.Context, userID int64, role types.Role, actorID int64) (*types.User, error) {
	if !role.IsValid() {
		return nil, fmt.Errorf("invalid role %q: %w", role, storage.ErrValidation)
	}
	if _, err := s.requireManager(ctx, actorID, "set_role", userID); err != nil {
		return nil, err
	}

	var user *types.User
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		u, err := s.getUserTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		before := u.Role
		ts := now()
		if _, err := tx.ExecContext(ctx, s.rebind(
			"UPDATE users SET role = ?, updated_at = ? WHERE id = ?"), role, ts, userID); err != nil {
			return fmt.Errorf("failed to set role: %w", err)
		}
		entityID := strconv.FormatInt(userID, 10)
		if err := s.recordAuditEvent(ctx, tx, &actorID, types.ActionUserRoleChanged, types.EntityUser, &entityID, map[string]any{
			"before": string(before),
			"after":  string(role),
		}); err != nil {
			return err
		}
		u.Role = role
		u.UpdatedAt = ts
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SetActive flips a user's active flag. Requires SYS_ADMIN or above.
func (s *Store) SetActive(ctx context.Context, userID int64, active bool, actorID int64) (*types.User, error) {
	if _, err := s.requireManager(ctx, actorID, "set_active", userID); err != nil {
		return nil, err
	}

	var user *types.User
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		u, err := s.getUserTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		before := u.IsActive
		ts := now()
		if _, err := tx.ExecContext(ctx, s.rebind(
			"UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?"), active, ts, userID); err != nil {
			return fmt.Errorf("failed to set active: %w", err)
		}
		entityID := strconv.FormatInt(userID, 10)
		if err := s.recordAuditEvent(ctx, tx, &actorID, types.ActionUserRoleChanged, types.EntityUser, &entityID, map[string]any{
			"field":  "is_active",
			"before": before,
			"after":  active,
		}); err != nil {
			return err
		}
		u.IsActive = active
		u.UpdatedAt = ts
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SetMasterPercent sets a user's personal executor percent. Nil clears it
// so the close falls back to the caller-supplied default.
func (s *Store) SetMasterPercent(ctx context.Context, userID int64, percent *decimal.Decimal, actorID int64) (*types.User, error) {
	return s.setUserPercent(ctx, userID, "master_percent", percent, actorID)
}

// SetAdminPercent sets a user's personal admin percent.
func (s *Store) SetAdminPercent(ctx context.Context, userID int64, percent *decimal.Decimal, actorID int64) (*types.User, error) {
	return s.setUserPercent(ctx, userID, "admin_percent", percent, actorID)
}

func (s *Store) setUserPercent(ctx context.Context, userID int64, column string, percent *decimal.Decimal, actorID int64) (*types.User, error) {
	if percent != nil {
		if err := types.ValidatePercent(*percent); err != nil {
			return nil, fmt.Errorf("%s: %w", err, storage.ErrValidation)
		}
	}
	if _, err := s.requireManager(ctx, actorID, "set_"+column, userID); err != nil {
		return nil, err
	}

	var user *types.User
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		u, err := s.getUserTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		var before *decimal.Decimal
		if column == "master_percent" {
			before = u.MasterPercent
		} else {
			before = u.AdminPercent
		}
		ts := now()
		if _, err := tx.ExecContext(ctx, s.rebind(
			"UPDATE users SET "+column+" = ?, updated_at = ? WHERE id = ?"),
			decimalArgPtr(percent), ts, userID); err != nil {
			return fmt.Errorf("failed to set %s: %w", column, err)
		}
		entityID := strconv.FormatInt(userID, 10)
		payload := map[string]any{"field": column}
		if before != nil {
			payload["before"] = before.StringFixed(2)
		}
		if percent != nil {
			payload["after"] = percent.StringFixed(2)
		}
		if err := s.recordAuditEvent(ctx, tx, &actorID, types.ActionUserPercentChanged, types.EntityUser, &entityID, payload); err != nil {
			return err
		}
		if column == "master_percent" {
			u.MasterPercent = percent
		} else {
			u.AdminPercent = percent
		}
		u.UpdatedAt = ts
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}
