// Package sqlstore implements the storage interface over database/sql.
//
// Two backends are supported:
//   - Embedded SQLite via modernc.org/sqlite (no server required); the
//     default for local use and tests. Opened with WAL and foreign keys.
//   - PostgreSQL via lib/pq, selected when the connection string carries a
//     postgres:// or postgresql:// scheme.
//
// Every public write operation runs as one transaction: permission check,
// conditional update with the preconditions in the WHERE clause, event and
// audit records. Mutual exclusion comes from those predicates, not from
// long-held locks; losers observe zero rows affected.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	sqlite "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store implements storage.Storage over an embedded SQLite database or a
// PostgreSQL server.
type Store struct {
	db      *sql.DB
	dialect dialect

	superAdminID int64
	sysAdminIDs  map[int64]bool

	closePhotoLimit int
}

// Config holds store configuration.
type Config struct {
	// URL is either a postgres:// connection string or a SQLite path
	// (file path or ":memory:").
	URL string

	// SuperAdminID is the single privileged external ID promoted to
	// SUPER_ADMIN on contact. Zero means unset.
	SuperAdminID int64
	// SysAdminIDs are promoted to SYS_ADMIN on contact unless already
	// ranked at SYS_ADMIN or above.
	SysAdminIDs []int64

	// ClosePhotoLimit caps photos per close. Zero means DefaultClosePhotoLimit.
	ClosePhotoLimit int

	// MaxOpenConns tunes the pool for the postgres backend.
	MaxOpenConns int
}

// DefaultClosePhotoLimit caps close photos when the config leaves it unset.
const DefaultClosePhotoLimit = 10

const openMaxElapsed = 15 * time.Second

func newOpenBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = openMaxElapsed
	return bo
}

// Open opens the store, applies pending schema migrations and seeds the
// settings row.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}

	s := &Store{
		superAdminID:    cfg.SuperAdminID,
		sysAdminIDs:     make(map[int64]bool, len(cfg.SysAdminIDs)),
		closePhotoLimit: cfg.ClosePhotoLimit,
	}
	for _, id := range cfg.SysAdminIDs {
		s.sysAdminIDs[id] = true
	}
	if s.closePhotoLimit <= 0 {
		s.closePhotoLimit = DefaultClosePhotoLimit
	}

	var err error
	if strings.HasPrefix(cfg.URL, "postgres://") || strings.HasPrefix(cfg.URL, "postgresql://") {
		s.dialect = dialectPostgres
		s.db, err = sql.Open("postgres", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			s.db.SetMaxOpenConns(cfg.MaxOpenConns)
			s.db.SetMaxIdleConns(cfg.MaxOpenConns)
		}
		s.db.SetConnMaxLifetime(30 * time.Minute)
	} else {
		s.dialect = dialectSQLite
		s.db, err = sql.Open("sqlite", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// Serialize writes through one connection; SQLite allows a single
		// writer and the database/sql pool would otherwise hand out
		// connections that fight over the write lock.
		s.db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := s.db.ExecContext(ctx, pragma); err != nil {
				s.db.Close()
				return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
			}
		}
	}

	// A freshly started server may not accept connections yet; retry the
	// ping with exponential backoff before giving up.
	ping := func() error { return s.db.PingContext(ctx) }
	if err := backoff.Retry(ping, backoff.WithContext(newOpenBackoff(), ctx)); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ?-style placeholders to the $n form the postgres driver
// expects. SQLite queries pass through unchanged.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// inTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // No-op after successful commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// isUniqueViolation reports whether err is a unique-index violation on
// either backend.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		// SQLITE_CONSTRAINT_UNIQUE / SQLITE_CONSTRAINT_PRIMARYKEY
		return liteErr.Code() == 2067 || liteErr.Code() == 1555
	}
	return false
}

// now returns the store's write timestamp. Always UTC since the timestamp
// columns lose timezone info on the SQLite backend.
func now() time.Time {
	return time.Now().UTC()
}
