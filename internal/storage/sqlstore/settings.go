package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/fieldops/dispatch/internal/storage"
	"github.com/fieldops/dispatch/internal/types"
)

const settingsColumns = `id, requests_chat_id, currency, rounding_mode, thresholds, created_at, updated_at`

func defaultThresholds() map[string]int {
	return map[string]int{
		types.ThresholdLargeExpense:        types.DefaultLargeExpense,
		types.ThresholdTransferPendingDays: types.DefaultTransferPendingDays,
	}
}

func scanSettings(row interface{ Scan(...any) error }) (*types.ProjectSettings, error) {
	var (
		ps         types.ProjectSettings
		chatID     sql.NullInt64
		thresholds sql.NullString
	)
	err := row.Scan(&ps.ID, &chatID, &ps.Currency, &ps.RoundingMode, &thresholds,
		&ps.CreatedAt, &ps.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ps.RequestsChatID = int64OrNil(chatID)
	if thresholds.Valid && thresholds.String != "" {
		if err := json.Unmarshal([]byte(thresholds.String), &ps.Thresholds); err != nil {
			return nil, fmt.Errorf("failed to unmarshal thresholds: %w", err)
		}
	}
	ps.CreatedAt = ps.CreatedAt.UTC()
	ps.UpdatedAt = ps.UpdatedAt.UTC()
	return &ps, nil
}

func (s *Store) getSettingsTx(ctx context.Context, tx *sql.Tx) (*types.ProjectSettings, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+settingsColumns+" FROM project_settings ORDER BY id LIMIT 1")
	ps, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return s.seedSettingsTx(ctx, tx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project settings: %w", err)
	}
	return ps, nil
}

// seedSettingsTx inserts the default singleton row: RUB, HALF_UP rounding
// and the stock thresholds.
func (s *Store) seedSettingsTx(ctx context.Context, tx *sql.Tx) (*types.ProjectSettings, error) {
	thresholds := defaultThresholds()
	data, err := json.Marshal(thresholds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal thresholds: %w", err)
	}
	ts := now()
	var id int64
	err = tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO project_settings (requests_chat_id, currency, rounding_mode, thresholds, created_at, updated_at)
		VALUES (NULL, 'RUB', 'HALF_UP', ?, ?, ?)
		RETURNING id
	`), string(data), ts, ts).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to seed project settings: %w", err)
	}
	return &types.ProjectSettings{
		ID:           id,
		Currency:     "RUB",
		RoundingMode: "HALF_UP",
		Thresholds:   thresholds,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}, nil
}

// GetProjectSettings returns the singleton settings row, creating it with
// defaults on first access.
func (s *Store) GetProjectSettings(ctx context.Context) (*types.ProjectSettings, error) {
	var settings *types.ProjectSettings
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		settings, err = s.getSettingsTx(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return settings, nil
}

// UpdateProjectSettings applies a partial update to the singleton row.
// Recognized keys: requests_chat_id (int64 or nil), currency,
// rounding_mode, thresholds (map[string]int). Requires SYS_ADMIN or above.
func (s *Store) UpdateProjectSettings(ctx context.Context, updates map[string]any, actorID int64) (*types.ProjectSettings, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.IsActive || !canManageUsers(actor.Role) {
		if err := s.auditDenied(ctx, actorID, "update_project_settings", types.EntityProjectSettings, nil); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("update_project_settings: %w", storage.ErrDenied)
	}

	var settings *types.ProjectSettings
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getSettingsTx(ctx, tx)
		if err != nil {
			return err
		}

		next := *cur
		if next.Thresholds != nil {
			next.Thresholds = make(map[string]int, len(cur.Thresholds))
			for k, v := range cur.Thresholds {
				next.Thresholds[k] = v
			}
		}
		for key, value := range updates {
			switch key {
			case "requests_chat_id":
				switch v := value.(type) {
				case nil:
					next.RequestsChatID = nil
				case int64:
					next.RequestsChatID = &v
				case int:
					id := int64(v)
					next.RequestsChatID = &id
				default:
					return fmt.Errorf("requests_chat_id must be an integer: %w", storage.ErrValidation)
				}
			case "currency":
				v, ok := value.(string)
				if !ok || v == "" {
					return fmt.Errorf("currency must be a non-empty string: %w", storage.ErrValidation)
				}
				next.Currency = v
			case "rounding_mode":
				v, ok := value.(string)
				if !ok || v == "" {
					return fmt.Errorf("rounding_mode must be a non-empty string: %w", storage.ErrValidation)
				}
				next.RoundingMode = v
			case "thresholds":
				v, ok := value.(map[string]int)
				if !ok {
					return fmt.Errorf("thresholds must be a string-to-int map: %w", storage.ErrValidation)
				}
				next.Thresholds = v
			default:
				return fmt.Errorf("unknown settings key %q: %w", key, storage.ErrValidation)
			}
		}

		data, err := json.Marshal(next.Thresholds)
		if err != nil {
			return fmt.Errorf("failed to marshal thresholds: %w", err)
		}
		ts := now()
		var chatID any
		if next.RequestsChatID != nil {
			chatID = *next.RequestsChatID
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE project_settings SET requests_chat_id = ?, currency = ?, rounding_mode = ?, thresholds = ?, updated_at = ?
			WHERE id = ?
		`), chatID, next.Currency, next.RoundingMode, string(data), ts, cur.ID); err != nil {
			return fmt.Errorf("failed to update project settings: %w", err)
		}

		entityID := strconv.FormatInt(cur.ID, 10)
		if err := s.recordAuditEvent(ctx, tx, &actorID, types.ActionSettingsUpdated, types.EntityProjectSettings, &entityID, map[string]any{
			"updated_keys": settingsKeys(updates),
		}); err != nil {
			return err
		}
		next.UpdatedAt = ts
		settings = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settings, nil
}

func settingsKeys(updates map[string]any) []string {
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Threshold returns a named threshold, falling back to the given default
// when the key is absent.
func (s *Store) Threshold(ctx context.Context, key string, def int) (int, error) {
	settings, err := s.GetProjectSettings(ctx)
	if err != nil {
		return 0, err
	}
	if v, ok := settings.Thresholds[key]; ok {
		return v, nil
	}
	return def, nil
}

// RequestsChatID returns the configured routing chat for request cards,
// or the fallback when unset.
func (s *Store) RequestsChatID(ctx context.Context, fallback int64) (int64, error) {
	settings, err := s.GetProjectSettings(ctx)
	if err != nil {
		return 0, err
	}
	if settings.RequestsChatID != nil {
		return *settings.RequestsChatID, nil
	}
	return fallback, nil
}
