package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore implements RunStateStore, Ledger and JobStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
	log *logrus.Entry
}

var (
	_ RunStateStore = (*SQLiteStore)(nil)
	_ Ledger        = (*SQLiteStore)(nil)
	_ JobStore      = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{
		db:  db,
		ttl: o.RunStateTTL,
		now: o.Now,
		log: o.Logger.WithField("component", "sqlite_store"),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS run_states (
			kind TEXT NOT NULL,
			run_key TEXT NOT NULL,
			user_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			response_id TEXT,
			owner_instance_id TEXT NOT NULL,
			meta TEXT,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (kind, run_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_states_status_activity ON run_states(status, last_activity_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_states_expires ON run_states(expires_at)`,
		`CREATE TABLE IF NOT EXISTS credit_balances (
			user_id TEXT PRIMARY KEY,
			balance_cents INTEGER NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			topic TEXT NOT NULL DEFAULT '',
			mp_name TEXT NOT NULL DEFAULT '',
			research_status TEXT NOT NULL DEFAULT 'idle',
			research_content TEXT NOT NULL DEFAULT '',
			research_response_id TEXT NOT NULL DEFAULT '',
			letter_status TEXT NOT NULL DEFAULT 'idle',
			letter_subject TEXT NOT NULL DEFAULT '',
			letter_content TEXT NOT NULL DEFAULT '',
			letter_response_id TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_active ON jobs(user_id, active, updated_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Add new columns for existing DBs (SQLite has limited ALTER TABLE support).
	if err := s.ensureColumn("jobs", "constituency", "ALTER TABLE jobs ADD COLUMN constituency TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
