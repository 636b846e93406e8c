/*
Package sqlstore provides the relational implementation of coop.TxStore.

PURPOSE:
  One gateway for sqlite (default, tests, single-node installs) and
  postgres (shared by several server instances). Both dialects run the same
  statements; only column types, placeholders and row locks differ.

DIALECTS:
  sqlite3:  hours and money in TEXT columns holding canonical decimal
            strings, so no float affinity ever touches them. One pooled
            connection, BEGIN IMMEDIATE transactions: every transaction
            holds the database write lock, which stands in for row locks.
  postgres: NUMERIC columns, TIMESTAMPTZ, SELECT ... FOR UPDATE.

KEY TABLES:
  schools, parents, volunteer_opportunities, signups,
  purchase_credits, hour_adjustments, billing_records,
  admin_settings, admin_users

INDEXES THAT CARRY INVARIANTS:
  - idx_parents_school_email:     one account per email per school
  - idx_signups_one_confirmed:    one confirmed signup per (opportunity, parent)
  - idx_billing_parent_year:      one bill per (parent, academic year)

CASCADES:
  school -> parents, opportunities, settings
  opportunity -> signups
  parent -> signups, purchase credits, adjustments, billing records

USAGE:
  store, err := sqlstore.Open("sqlite3", "./data/coop.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on Open. Every statement is idempotent.

SEE ALSO:
  - coop/store.go: Interface definitions and locking contract
  - queries.go: Per-table statements
*/
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/parentcoop/hours-engine/coop"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store implements coop.TxStore.
type Store struct {
	queries
	db *sqlx.DB
}

var _ coop.TxStore = (*Store)(nil)

// New opens a sqlite database at path. Use ":memory:" for an in-memory database.
func New(path string) (*Store, error) {
	return Open(DriverSQLite, path)
}

// Open connects with driver ("sqlite3" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	store := &Store{queries: queries{ext: db, dialect: d}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func sqliteDSN(path string) string {
	params := "_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn in a transaction, committing if fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(coop.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{ext: tx, dialect: s.dialect}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// DIALECTS
// =============================================================================

type dialect struct {
	name      string
	decimal   string
	timestamp string
	forUpdate string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, "":
		return dialect{name: DriverSQLite, decimal: "TEXT", timestamp: "TIMESTAMP"}, nil
	case DriverPostgres:
		return dialect{name: DriverPostgres, decimal: "NUMERIC", timestamp: "TIMESTAMPTZ", forUpdate: " FOR UPDATE"}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported driver %q", driver)
	}
}

// isUniqueViolation reports whether err comes from a unique index.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// =============================================================================
// SCHEMA
// =============================================================================

func (s *Store) migrate() error {
	schema := strings.NewReplacer(
		"{{DECIMAL}}", s.dialect.decimal,
		"{{TIMESTAMP}}", s.dialect.timestamp,
	).Replace(schemaTemplate)

	_, err := s.db.Exec(schema)
	return err
}

const schemaTemplate = `
	CREATE TABLE IF NOT EXISTS schools (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		required_hours_per_year {{DECIMAL}} NOT NULL DEFAULT '30',
		hours_per_student {{DECIMAL}} NOT NULL DEFAULT '12',
		max_family_hours {{DECIMAL}} NOT NULL DEFAULT '30',
		billing_rate_per_hour {{DECIMAL}} NOT NULL DEFAULT '30.00',
		academic_year_start_month INTEGER NOT NULL DEFAULT 9,
		billing_deadline_month INTEGER NOT NULL DEFAULT 4,
		current_academic_year TEXT NOT NULL DEFAULT '',
		crm_location_id TEXT NOT NULL DEFAULT '',
		created_at {{TIMESTAMP}} NOT NULL,
		updated_at {{TIMESTAMP}} NOT NULL
	);

	CREATE TABLE IF NOT EXISTS parents (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
		email TEXT NOT NULL,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		student_names TEXT NOT NULL DEFAULT '',
		student_count INTEGER NOT NULL DEFAULT 1 CHECK (student_count >= 1),
		required_hours_override {{DECIMAL}},
		rollover_hours {{DECIMAL}} NOT NULL DEFAULT '0',
		academic_year TEXT NOT NULL,
		total_hours_completed {{DECIMAL}} NOT NULL DEFAULT '0',
		enrollment_date TEXT NOT NULL DEFAULT '',
		prorated BOOLEAN NOT NULL DEFAULT FALSE,
		crm_contact_id TEXT NOT NULL DEFAULT '',
		created_at {{TIMESTAMP}} NOT NULL,
		updated_at {{TIMESTAMP}} NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_parents_school_email
		ON parents(school_id, email);
	CREATE INDEX IF NOT EXISTS idx_parents_school_year
		ON parents(school_id, academic_year);

	CREATE TABLE IF NOT EXISTS volunteer_opportunities (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		event_date TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT NOT NULL,
		hours_credit {{DECIMAL}} NOT NULL,
		total_slots INTEGER NOT NULL CHECK (total_slots >= 1),
		slots_remaining INTEGER NOT NULL CHECK (slots_remaining >= 0 AND slots_remaining <= total_slots),
		status TEXT NOT NULL DEFAULT 'active',
		created_at {{TIMESTAMP}} NOT NULL,
		updated_at {{TIMESTAMP}} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_opportunities_school_date
		ON volunteer_opportunities(school_id, event_date);

	CREATE TABLE IF NOT EXISTS signups (
		id TEXT PRIMARY KEY,
		opportunity_id TEXT NOT NULL REFERENCES volunteer_opportunities(id) ON DELETE CASCADE,
		parent_id TEXT NOT NULL REFERENCES parents(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'confirmed',
		attended BOOLEAN NOT NULL DEFAULT FALSE,
		hours_credited {{DECIMAL}} NOT NULL DEFAULT '0',
		reminder_sent BOOLEAN NOT NULL DEFAULT FALSE,
		notes TEXT NOT NULL DEFAULT '',
		signup_date {{TIMESTAMP}} NOT NULL,
		updated_at {{TIMESTAMP}} NOT NULL
	);

	-- Re-signing after a cancellation inserts a new row; only one may be confirmed.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_signups_one_confirmed
		ON signups(opportunity_id, parent_id) WHERE status = 'confirmed';
	CREATE INDEX IF NOT EXISTS idx_signups_parent
		ON signups(parent_id);

	CREATE TABLE IF NOT EXISTS purchase_credits (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL REFERENCES parents(id) ON DELETE CASCADE,
		school_id TEXT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
		amount_spent {{DECIMAL}} NOT NULL,
		hours_credited {{DECIMAL}} NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		receipt_url TEXT NOT NULL DEFAULT '',
		academic_year TEXT NOT NULL,
		credited_by TEXT NOT NULL DEFAULT '',
		created_at {{TIMESTAMP}} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchase_credits_parent_year
		ON purchase_credits(parent_id, academic_year);
	CREATE INDEX IF NOT EXISTS idx_purchase_credits_school_year
		ON purchase_credits(school_id, academic_year);

	CREATE TABLE IF NOT EXISTS hour_adjustments (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL REFERENCES parents(id) ON DELETE CASCADE,
		adjustment_type TEXT NOT NULL,
		hours {{DECIMAL}} NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		academic_year TEXT NOT NULL,
		adjusted_by TEXT NOT NULL DEFAULT '',
		created_at {{TIMESTAMP}} NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_hour_adjustments_parent_year
		ON hour_adjustments(parent_id, academic_year);

	CREATE TABLE IF NOT EXISTS billing_records (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL REFERENCES parents(id) ON DELETE CASCADE,
		school_id TEXT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
		academic_year TEXT NOT NULL,
		hours_short {{DECIMAL}} NOT NULL DEFAULT '0',
		rate_per_hour {{DECIMAL}} NOT NULL,
		amount_due {{DECIMAL}} NOT NULL DEFAULT '0',
		status TEXT NOT NULL DEFAULT 'pending',
		billed_date TEXT NOT NULL DEFAULT '',
		paid_date TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at {{TIMESTAMP}} NOT NULL,
		updated_at {{TIMESTAMP}} NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_parent_year
		ON billing_records(parent_id, academic_year);
	CREATE INDEX IF NOT EXISTS idx_billing_school_year
		ON billing_records(school_id, academic_year);

	CREATE TABLE IF NOT EXISTS admin_settings (
		school_id TEXT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
		setting_key TEXT NOT NULL,
		setting_value TEXT NOT NULL DEFAULT '',
		updated_at {{TIMESTAMP}} NOT NULL,
		PRIMARY KEY (school_id, setting_key)
	);

	CREATE TABLE IF NOT EXISTS admin_users (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL REFERENCES schools(id) ON DELETE CASCADE,
		email TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		created_at {{TIMESTAMP}} NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_admin_users_email
		ON admin_users(school_id, email);
`
