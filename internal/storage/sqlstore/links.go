package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

const linkColumns = `id, master_id, junior_master_id, percent, is_active, created_by, created_at, updated_at`

func scanLink(row interface{ Scan(...any) error }) (*types.JuniorLink, error) {
	var (
		l       types.JuniorLink
		percent sql.NullString
	)
	err := row.Scan(&l.ID, &l.MasterID, &l.JuniorMasterID, &percent, &l.IsActive,
		&l.CreatedBy, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if l.Percent, err = decimalOrZero(percent); err != nil {
		return nil, err
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

// activeLinkForJuniorTx returns the junior's active link, or nil when the
// junior is unlinked.
func (s *Store) activeLinkForJuniorTx(ctx context.Context, tx *sql.Tx, juniorID int64) (*types.JuniorLink, error) {
	row := tx.QueryRowContext(ctx, s.rebind(
		"SELECT "+linkColumns+" FROM master_junior_links WHERE junior_master_id = ? AND is_active"), juniorID)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active link for junior %d: %w", juniorID, err)
	}
	return l, nil
}

// requireLinkAdmin gates link management to ADMIN and above.
func (s *Store) requireLinkAdmin(ctx context.Context, actorID int64, operation string, entityID *string) (*types.User, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsActive || !isAdminTier(actor.Role) {
		if err := s.auditDenied(ctx, actorID, operation, types.EntityJuniorLink, entityID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", operation, storage.ErrDenied)
	}
	return actor, nil
}

// LinkJunior creates an active master-junior assignment. The master must
// hold MASTER (or SUPER_ADMIN) and the junior JUNIOR_MASTER; a junior with
// an existing active link is rejected. The partial unique index backstops
// concurrent link attempts.
func (s *Store) LinkJunior(ctx context.Context, masterID, juniorID int64, percent decimal.Decimal, actorID int64) (*types.JuniorLink, error) {
	if err := types.ValidatePercent(percent); err != nil {
		return nil, fmt.Errorf("%s: %w", err, storage.ErrValidation)
	}
	if _, err := s.requireLinkAdmin(ctx, actorID, "link_junior", nil); err != nil {
		return nil, err
	}

	var link *types.JuniorLink
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		master, err := s.getUserTx(ctx, tx, masterID)
		if err != nil {
			return err
		}
		if master.Role != types.RoleMaster && master.Role != types.RoleSuperAdmin {
			return fmt.Errorf("user %d is not a master: %w", masterID, storage.ErrValidation)
		}
		junior, err := s.getUserTx(ctx, tx, juniorID)
		if err != nil {
			return err
		}
		if junior.Role != types.RoleJuniorMaster {
			return fmt.Errorf("user %d is not a junior master: %w", juniorID, storage.ErrValidation)
		}
		existing, err := s.activeLinkForJuniorTx(ctx, tx, juniorID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("junior %d already linked to master %d: %w", juniorID, existing.MasterID, storage.ErrInvalidState)
		}

		link, err = s.insertLink(ctx, tx, masterID, juniorID, percent, actorID)
		if err != nil {
			return err
		}
		linkID := strconv.FormatInt(link.ID, 10)
		return s.recordAuditEvent(ctx, tx, &actorID, types.ActionJuniorLinkCreated, types.EntityJuniorLink, &linkID, map[string]any{
			"master_id":        masterID,
			"junior_master_id": juniorID,
			"percent":          percent.StringFixed(2),
		})
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("junior %d already linked: %w", juniorID, storage.ErrConflict)
		}
		return nil, err
	}
	return link, nil
}

func (s *Store) insertLink(ctx context.Context, tx *sql.Tx, masterID, juniorID int64, percent decimal.Decimal, actorID int64) (*types.JuniorLink, error) {
	ts := now()
	var id int64
	err := tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO master_junior_links (master_id, junior_master_id, percent, is_active, created_by, created_at, updated_at)
		VALUES (?, ?, ?, TRUE, ?, ?, ?)
		RETURNING id
	`), masterID, juniorID, decimalArg(percent), actorID, ts, ts).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to insert junior link: %w", err)
	}
	return &types.JuniorLink{
		ID:             id,
		MasterID:       masterID,
		JuniorMasterID: juniorID,
		Percent:        percent,
		IsActive:       true,
		CreatedBy:      actorID,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}, nil
}

// RelinkJunior moves a junior to a new master: the current link is
// deactivated and the replacement created in one transaction, so the
// one-active-link invariant holds at every commit point.
func (s *Store) RelinkJunior(ctx context.Context, juniorID, newMasterID int64, percent decimal.Decimal, actorID int64) (*types.JuniorLink, error) {
	if err := types.ValidatePercent(percent); err != nil {
		return nil, fmt.Errorf("%s: %w", err, storage.ErrValidation)
	}
	if _, err := s.requireLinkAdmin(ctx, actorID, "relink_junior", nil); err != nil {
		return nil, err
	}

	var link *types.JuniorLink
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.activeLinkForJuniorTx(ctx, tx, juniorID)
		if err != nil {
			return err
		}
		ts := now()
		if existing != nil {
			if _, err := tx.ExecContext(ctx, s.rebind(
				"UPDATE master_junior_links SET is_active = FALSE, updated_at = ? WHERE id = ?"), ts, existing.ID); err != nil {
				return fmt.Errorf("failed to deactivate link %d: %w", existing.ID, err)
			}
		}
		newMaster, err := s.getUserTx(ctx, tx, newMasterID)
		if err != nil {
			return err
		}
		if newMaster.Role != types.RoleMaster && newMaster.Role != types.RoleSuperAdmin {
			return fmt.Errorf("user %d is not a master: %w", newMasterID, storage.ErrValidation)
		}

		link, err = s.insertLink(ctx, tx, newMasterID, juniorID, percent, actorID)
		if err != nil {
			return err
		}
		linkID := strconv.FormatInt(link.ID, 10)
		payload := map[string]any{
			"junior_master_id": juniorID,
			"new_master_id":    newMasterID,
			"percent":          percent.StringFixed(2),
		}
		if existing != nil {
			payload["previous_master_id"] = existing.MasterID
		}
		return s.recordAuditEvent(ctx, tx, &actorID, types.ActionJuniorLinkChanged, types.EntityJuniorLink, &linkID, payload)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("junior %d relink raced another link: %w", juniorID, storage.ErrConflict)
		}
		return nil, err
	}
	return link, nil
}

// SetLinkPercent changes a link's percent. SYS_ADMIN and SUPER_ADMIN may
// always; a master managing several juniors may adjust their own links;
// ADMIN steps in only while the link's master has a single active junior,
// matching the historical policy.
func (s *Store) SetLinkPercent(ctx context.Context, linkID int64, percent decimal.Decimal, actorID int64) (*types.JuniorLink, error) {
	if err := types.ValidatePercent(percent); err != nil {
		return nil, fmt.Errorf("%s: %w", err, storage.ErrValidation)
	}
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}

	// opErr lets the closure commit the denial audit row while the
	// operation itself still fails.
	var link *types.JuniorLink
	var opErr error
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(
			"SELECT "+linkColumns+" FROM master_junior_links WHERE id = ?"), linkID)
		l, err := scanLink(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("link %d: %w", linkID, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load link %d: %w", linkID, err)
		}

		var count int
		if err := tx.QueryRowContext(ctx, s.rebind(
			"SELECT COUNT(*) FROM master_junior_links WHERE master_id = ? AND is_active"), l.MasterID).Scan(&count); err != nil {
			return fmt.Errorf("failed to count links: %w", err)
		}
		allowed := false
		if actor.IsActive {
			switch {
			case canManageUsers(actor.Role):
				allowed = true
			case actorID == l.MasterID:
				allowed = count > 1
			case actor.Role == types.RoleAdmin:
				allowed = count <= 1
			}
		}
		if !allowed {
			entityID := strconv.FormatInt(linkID, 10)
			if err := s.recordAuditEvent(ctx, tx, &actorID, types.ActionPermissionDenied, types.EntityJuniorLink, &entityID, map[string]any{
				"operation": "set_link_percent",
			}); err != nil {
				return err
			}
			opErr = fmt.Errorf("set_link_percent: %w", storage.ErrDenied)
			return nil
		}

		before := l.Percent
		ts := now()
		if _, err := tx.ExecContext(ctx, s.rebind(
			"UPDATE master_junior_links SET percent = ?, updated_at = ? WHERE id = ?"),
			decimalArg(percent), ts, linkID); err != nil {
			return fmt.Errorf("failed to set link percent: %w", err)
		}
		entityID := strconv.FormatInt(linkID, 10)
		if err := s.recordAuditEvent(ctx, tx, &actorID, types.ActionJuniorPercentChanged, types.EntityJuniorLink, &entityID, map[string]any{
			"before": before.StringFixed(2),
			"after":  percent.StringFixed(2),
		}); err != nil {
			return err
		}
		l.Percent = percent
		l.UpdatedAt = ts
		link = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	return link, nil
}

// DisableLink deactivates a link.
func (s *Store) DisableLink(ctx context.Context, linkID, actorID int64) (*types.JuniorLink, error) {
	entityID := strconv.FormatInt(linkID, 10)
	if _, err := s.requireLinkAdmin(ctx, actorID, "disable_link", &entityID); err != nil {
		return nil, err
	}

	var link *types.JuniorLink
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.rebind(
			"SELECT "+linkColumns+" FROM master_junior_links WHERE id = ?"), linkID)
		l, err := scanLink(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("link %d: %w", linkID, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load link %d: %w", linkID, err)
		}

		ts := now()
		if _, err := tx.ExecContext(ctx, s.rebind(
			"UPDATE master_junior_links SET is_active = FALSE, updated_at = ? WHERE id = ?"), ts, linkID); err != nil {
			return fmt.Errorf("failed to disable link: %w", err)
		}
		if err := s.recordAuditEvent(ctx, tx, &actorID, types.ActionJuniorLinkDisabled, types.EntityJuniorLink, &entityID, map[string]any{
			"master_id":        l.MasterID,
			"junior_master_id": l.JuniorMasterID,
		}); err != nil {
			return err
		}
		l.IsActive = false
		l.UpdatedAt = ts
		link = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// ActiveJuniorsForMaster lists a master's active links.
func (s *Store) ActiveJuniorsForMaster(ctx context.Context, masterID int64) ([]*types.JuniorLink, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT "+linkColumns+" FROM master_junior_links WHERE master_id = ? AND is_active ORDER BY id"), masterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	defer rows.Close()

	var links []*types.JuniorLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// ActiveLinkForJunior returns the junior's active link, or ErrNotFound.
func (s *Store) ActiveLinkForJunior(ctx context.Context, juniorID int64) (*types.JuniorLink, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT "+linkColumns+" FROM master_junior_links WHERE junior_master_id = ? AND is_active"), juniorID)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no active link for junior %d: %w", juniorID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active link: %w", err)
	}
	return l, nil
}
