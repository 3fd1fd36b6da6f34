package lease

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const defaultBusyTimeoutMS = 5000

// schemaVersion tracks which of the migrations below have been applied,
// recorded in schema_migrations so restarts never re-run a migration.
const schemaVersion = 1

// openStore opens (creating if absent) a single-writer SQLite database at
// dbPath, WAL-journaled for read concurrency, and applies any pending
// migration. Mirrors the teacher's OpenSQLite writer DSN.
func openStore(dbPath string) (*sqlx.DB, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("prepare lease db directory: %w", err)
	}
	if err := ensureFile(normalized); err != nil {
		return nil, fmt.Errorf("create lease db file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized, defaultBusyTimeoutMS,
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open lease db: %w", err)
	}

	// Single writer connection: SQLite serializes writes behind the OS file
	// lock; one connection avoids SQLITE_BUSY entirely rather than relying
	// on busy_timeout retries under concurrent acquires.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate lease db: %w", err)
	}
	return db, nil
}

func migrate(db *sqlx.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL
		);
	`); err != nil {
		return err
	}

	var current int
	_ = db.Get(&current, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS leases (
			id             TEXT PRIMARY KEY,
			file_path      TEXT NOT NULL,
			agent_id       TEXT NOT NULL,
			created_at     DATETIME NOT NULL,
			expires_at     DATETIME NOT NULL,
			ttl_ms         INTEGER NOT NULL,
			status         TEXT NOT NULL,
			renewal_count  INTEGER NOT NULL DEFAULT 0,
			max_renewals   INTEGER NOT NULL DEFAULT -1
		);
		CREATE INDEX IF NOT EXISTS idx_leases_path_status ON leases(file_path, status);
		CREATE INDEX IF NOT EXISTS idx_leases_agent_status ON leases(agent_id, status);

		CREATE TABLE IF NOT EXISTS lease_history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			lease_id    TEXT NOT NULL,
			event_type  TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			occurred_at DATETIME NOT NULL,
			FOREIGN KEY (lease_id) REFERENCES leases(id)
		);
		CREATE INDEX IF NOT EXISTS idx_lease_history_lease ON lease_history(lease_id);

		CREATE TABLE IF NOT EXISTS lease_configs (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		schemaVersion, time.Now().UTC(),
	); err != nil {
		return err
	}

	return tx.Commit()
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	f, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}

// leaseRow mirrors the leases table for sqlx scans.
type leaseRow struct {
	ID           string    `db:"id"`
	FilePath     string    `db:"file_path"`
	AgentID      string    `db:"agent_id"`
	CreatedAt    time.Time `db:"created_at"`
	ExpiresAt    time.Time `db:"expires_at"`
	TTLMS        int64     `db:"ttl_ms"`
	Status       string    `db:"status"`
	RenewalCount int       `db:"renewal_count"`
	MaxRenewals  int       `db:"max_renewals"`
}

func (r leaseRow) toLease() Lease {
	return Lease{
		ID:           r.ID,
		FilePath:     r.FilePath,
		AgentID:      r.AgentID,
		CreatedAt:    r.CreatedAt,
		ExpiresAt:    r.ExpiresAt,
		TTL:          time.Duration(r.TTLMS) * time.Millisecond,
		Status:       Status(r.Status),
		RenewalCount: r.RenewalCount,
		MaxRenewals:  r.MaxRenewals,
	}
}
