package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// execer is the subset of *sql.DB and *sql.Tx the query helpers need, so
// readers can run either inside or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func strOrNil(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func int64OrNil(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func timeOrNil(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// decimalOrNil parses a NUMERIC column scanned as text. Values coming from
// the SQLite backend may carry float noise, so everything is re-rounded to
// two places.
func decimalOrNil(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, fmt.Errorf("invalid numeric value %q: %w", ns.String, err)
	}
	d = d.Round(2)
	return &d, nil
}

func decimalOrZero(ns sql.NullString) (decimal.Decimal, error) {
	d, err := decimalOrNil(ns)
	if err != nil {
		return decimal.Zero, err
	}
	if d == nil {
		return decimal.Zero, nil
	}
	return *d, nil
}

// decimalArg renders a decimal for a NUMERIC placeholder. Passing the
// string form keeps exact values on both backends.
func decimalArg(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func decimalArgPtr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return decimalArg(*d)
}

// encodeIDList renders a ticket ID slice as a comma-separated string for
// the repeat_ticket_ids column.
func encodeIDList(ids []int64) *string {
	if len(ids) == 0 {
		return nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	s := strings.Join(parts, ",")
	return &s
}

func decodeIDList(ns sql.NullString) []int64 {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	parts := strings.Split(ns.String, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// encodeJSON marshals a payload map for a TEXT column. Nil maps become
// SQL NULL.
func encodeJSON(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(data), nil
}

func decodeJSON(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return m, nil
}

func encodeStringMap(v map[string]string) (string, error) {
	if v == nil {
		v = map[string]string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta: %w", err)
	}
	return string(data), nil
}

func decodeStringMap(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" || ns.String == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meta: %w", err)
	}
	return m, nil
}
