package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Database wraps the sql.DB handle together with the driver name, which
// repositories need for placeholder rebinding and locking clauses.
type Database struct {
	db     *sql.DB
	driver string
}

func NewDatabase(driver, dsn string) (*Database, error) {
	if dsn == "" {
		return nil, errors.New("database DSN is required")
	}
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		// SQLite serializes writers; a single pooled connection avoids
		// SQLITE_BUSY under concurrent claims and keeps :memory: DSNs
		// pointing at one database.
		db.SetMaxOpenConns(1)
	}

	// Verify we can actually connect to the database
	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("ping failed: %w, close failed: %v", err, closeErr)
		}
		return nil, err
	}

	if err := createTables(db, driver); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("create tables failed: %w, close failed: %v", err, closeErr)
		}
		return nil, err
	}

	return &Database{db: db, driver: driver}, nil
}

// GetDB returns the underlying sql.DB handle for repository constructors.
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// Driver returns the driver name the database was opened with.
func (d *Database) Driver() string {
	return d.driver
}

func (d *Database) Close() error {
	if d == nil {
		return errors.New("database is nil")
	}
	if d.db == nil {
		return errors.New("database already closed")
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func createTables(db *sql.DB, driver string) error {
	autoPK := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == DriverPostgres {
		autoPK = "BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			channel_user_id TEXT UNIQUE NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL REFERENCES contacts(id),
			mode TEXT NOT NULL DEFAULT 'ai_active',
			assigned_operator_id TEXT,
			last_message_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_mode_log (
			id ` + autoPK + `,
			conversation_id TEXT NOT NULL,
			from_mode TEXT NOT NULL,
			to_mode TEXT NOT NULL,
			actor TEXT NOT NULL,
			at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			author TEXT NOT NULL,
			content TEXT NOT NULL,
			media_type TEXT NOT NULL DEFAULT 'text',
			status TEXT NOT NULL DEFAULT 'queued',
			external_id TEXT,
			sent_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS work_queue (
			id ` + autoPK + `,
			queue_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			priority INTEGER NOT NULL DEFAULT 10,
			scheduled_at BIGINT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			claimed_at BIGINT,
			claimed_by TEXT,
			last_error TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_queue_claim
			ON work_queue (queue_name, status, scheduled_at, priority)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages (conversation_id, sent_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts '?' placeholders to the dialect's placeholder style.
// Queries in this package are written with '?'; postgres needs $1..$n.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns "?, ?, ..." with n entries, for IN clauses.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
