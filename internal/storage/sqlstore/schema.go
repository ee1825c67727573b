package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

// migrate applies pending schema migrations, tracked in schema_migrations.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

type migration struct {
	version int
	sql     string
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	ddl := strings.ReplaceAll(m.sql, "__PK__", s.pkColumn())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range strings.Split(ddl, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w (statement: %.80s)", err, stmt)
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		"INSERT INTO schema_migrations (version) VALUES (?)"), m.version); err != nil {
		return err
	}
	return tx.Commit()
}

// pkColumn returns the auto-increment primary key fragment for the backend.
func (s *Store) pkColumn() string {
	if s.dialect == dialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

var migrations = []migration{
	{1, schemaV1},
}

// schemaV1 is the baseline schema: twelve tables with partial unique
// indexes on active links and shares, plus the digits-only phone column
// that backs phone-substring search on both backends.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS users (
	id             BIGINT PRIMARY KEY,
	role           TEXT NOT NULL DEFAULT 'USER' CHECK (role IN
		('USER','JUNIOR_ADMIN','JUNIOR_MASTER','MASTER','ADMIN','SYS_ADMIN','SUPER_ADMIN')),
	is_active      BOOLEAN NOT NULL DEFAULT TRUE,
	display_name   TEXT,
	username       TEXT,
	master_percent NUMERIC(5,2),
	admin_percent  NUMERIC(5,2),
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tickets (
	id                   __PK__,
	public_id            TEXT NOT NULL UNIQUE,
	status               TEXT NOT NULL CHECK (status IN
		('READY_FOR_WORK','IN_WORK','TAKEN','IN_PROGRESS','WAITING','CLOSED','CANCELLED')),
	category             TEXT NOT NULL CHECK (category IN
		('PC','TV','PHONE','PRINTER','OTHER')),
	scheduled_at         TIMESTAMP,
	preferred_date_dm    TEXT,
	client_name          TEXT,
	client_age_estimate  BIGINT,
	client_phone         TEXT NOT NULL,
	client_phone_digits  TEXT NOT NULL,
	client_address       TEXT,
	address_details      TEXT,
	problem_text         TEXT NOT NULL,
	special_note         TEXT,
	ad_source            TEXT NOT NULL DEFAULT 'UNKNOWN' CHECK (ad_source IN
		('AVITO','LEAFLET','BUSINESS_CARD','OTHER','UNKNOWN')),
	is_repeat            BOOLEAN NOT NULL DEFAULT FALSE,
	repeat_ticket_ids    TEXT,
	created_by_admin_id  BIGINT NOT NULL REFERENCES users(id),
	assigned_executor_id BIGINT REFERENCES users(id),
	taken_at             TIMESTAMP,
	closed_at            TIMESTAMP,
	closed_by_user_id    BIGINT REFERENCES users(id),
	closed_comment       TEXT,
	revenue              NUMERIC(12,2),
	expense              NUMERIC(12,2),
	net_profit           NUMERIC(12,2),
	transfer_status      TEXT CHECK (transfer_status IN
		('NOT_SENT','SENT','CONFIRMED','REJECTED')),
	transfer_sent_at       TIMESTAMP,
	transfer_confirmed_at  TIMESTAMP,
	transfer_confirmed_by  BIGINT REFERENCES users(id),
	junior_master_id       BIGINT REFERENCES users(id),
	junior_master_percent_at_close NUMERIC(5,2),
	junior_master_earned_amount    NUMERIC(12,2),
	executor_percent_at_close      NUMERIC(5,2),
	admin_percent_at_close         NUMERIC(5,2),
	executor_earned_amount         NUMERIC(12,2),
	admin_earned_amount            NUMERIC(12,2),
	project_take_amount            NUMERIC(12,2),
	created_at           TIMESTAMP NOT NULL,
	updated_at           TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_tickets_client_phone ON tickets (client_phone);

CREATE INDEX IF NOT EXISTS ix_tickets_client_phone_digits ON tickets (client_phone_digits);

CREATE INDEX IF NOT EXISTS ix_tickets_status ON tickets (status);

CREATE TABLE IF NOT EXISTS ticket_events (
	id         __PK__,
	ticket_id  BIGINT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
	actor_id   BIGINT,
	action     TEXT NOT NULL,
	payload    TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_ticket_events_ticket ON ticket_events (ticket_id);

CREATE TABLE IF NOT EXISTS ticket_close_photos (
	id             __PK__,
	ticket_id      BIGINT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
	file_id        TEXT NOT NULL,
	file_unique_id TEXT,
	created_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_ticket_close_photos_ticket ON ticket_close_photos (ticket_id);

CREATE TABLE IF NOT EXISTS ticket_money_operations (
	id                __PK__,
	ticket_id         BIGINT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
	op_type           TEXT NOT NULL CHECK (op_type IN ('INCOME','EXPENSE')),
	amount            NUMERIC(12,2) NOT NULL,
	category_snapshot TEXT NOT NULL,
	comment           TEXT,
	created_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_ticket_money_operations_ticket ON ticket_money_operations (ticket_id);

CREATE TABLE IF NOT EXISTS audit_events (
	id          __PK__,
	actor_id    BIGINT,
	action      TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id   TEXT,
	payload     TEXT,
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_audit_events_entity ON audit_events (entity_type, entity_id);

CREATE TABLE IF NOT EXISTS leads (
	id                  TEXT PRIMARY KEY,
	source              TEXT NOT NULL,
	client_name         TEXT,
	client_phone        TEXT,
	preferred_datetime  TIMESTAMP,
	client_age_estimate BIGINT,
	problem_text        TEXT NOT NULL,
	special_note        TEXT,
	ad_source           TEXT NOT NULL DEFAULT 'UNKNOWN' CHECK (ad_source IN
		('AVITO','LEAFLET','BUSINESS_CARD','OTHER','UNKNOWN')),
	status              TEXT NOT NULL CHECK (status IN
		('NEW_RAW','NEED_INFO','CONVERTED','SPAM')),
	meta                TEXT NOT NULL DEFAULT '{}',
	converted_ticket_id BIGINT REFERENCES tickets(id),
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_leads_status_created_at ON leads (status, created_at);

CREATE TABLE IF NOT EXISTS daily_counters (
	counter_date TEXT PRIMARY KEY,
	counter      BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS master_junior_links (
	id               __PK__,
	master_id        BIGINT NOT NULL REFERENCES users(id),
	junior_master_id BIGINT NOT NULL REFERENCES users(id),
	percent          NUMERIC(5,2) NOT NULL,
	is_active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_by       BIGINT NOT NULL REFERENCES users(id),
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_master_junior_links_active_junior
	ON master_junior_links (junior_master_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS project_transactions (
	id          __PK__,
	type        TEXT NOT NULL CHECK (type IN ('INCOME','EXPENSE')),
	amount      NUMERIC(12,2) NOT NULL,
	category    TEXT NOT NULL,
	comment     TEXT,
	occurred_at TIMESTAMP NOT NULL,
	created_by  BIGINT NOT NULL REFERENCES users(id),
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS project_shares (
	id        __PK__,
	user_id   BIGINT NOT NULL REFERENCES users(id),
	percent   NUMERIC(5,2) NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	set_by    BIGINT NOT NULL REFERENCES users(id),
	set_at    TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_project_shares_active_user
	ON project_shares (user_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS project_settings (
	id               __PK__,
	requests_chat_id BIGINT,
	currency         TEXT NOT NULL DEFAULT 'RUB',
	rounding_mode    TEXT NOT NULL DEFAULT 'HALF_UP',
	thresholds       TEXT,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
)
`
