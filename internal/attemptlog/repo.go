// Package attemptlog keeps a local history of attempts in SQLite for
// diagnostics. The spreadsheet stays the source of truth; this database
// only answers "what has this worker been doing" without burning sheet
// quota.
package attemptlog

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one attempt record.
type Entry struct {
	TsNs       int64
	WorkerID   string
	RowNumber  int
	Account    string // PII-safe log key, never the raw address
	Intent     string
	Kind       string
	Class      string
	Detail     string
	DurationMs int64
}

// Repo owns the attempts database.
type Repo struct {
	db *sql.DB
}

// Open creates or reuses the database under dir and applies migrations.
func Open(dir string) (*Repo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("attemptlog: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "attempts.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("attemptlog: open %s: %w", path, err)
	}
	// Single writer, matching the flush goroutine.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("attemptlog: %q on %s: %w", pragma, path, err)
		}
	}

	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func migrateDB(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("attemptlog: init migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("attemptlog: init migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("attemptlog: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("attemptlog: migrate up: %w", err)
	}
	return nil
}

func (r *Repo) Close() error {
	return r.db.Close()
}

// InsertBatch writes a batch of entries in one transaction. Returns the
// number inserted.
func (r *Repo) InsertBatch(entries []Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("attemptlog: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT INTO attempts (
		ts_ns, worker_id, row_number, account, intent, kind, class, detail, duration_ms
	) VALUES (?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("attemptlog: prepare: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, e := range entries {
		if _, err := stmt.Exec(e.TsNs, e.WorkerID, e.RowNumber, e.Account,
			e.Intent, e.Kind, e.Class, e.Detail, e.DurationMs); err != nil {
			return n, fmt.Errorf("attemptlog: insert: %w", err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("attemptlog: commit: %w", err)
	}
	return n, nil
}

// Prune deletes entries older than the retention window.
func (r *Repo) Prune(retain time.Duration, now time.Time) (int64, error) {
	cutoff := now.Add(-retain).UnixNano()
	res, err := r.db.Exec(`DELETE FROM attempts WHERE ts_ns < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("attemptlog: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecentByAccount returns the newest entries for one account, newest first.
func (r *Repo) RecentByAccount(account string, limit int) ([]Entry, error) {
	rows, err := r.db.Query(`SELECT ts_ns, worker_id, row_number, account,
		intent, kind, class, detail, duration_ms
		FROM attempts WHERE account = ? ORDER BY ts_ns DESC LIMIT ?`, account, limit)
	if err != nil {
		return nil, fmt.Errorf("attemptlog: query account: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// CountByKindSince aggregates outcomes over a window; feeds the periodic
// stats line.
func (r *Repo) CountByKindSince(since time.Time) (map[string]int, error) {
	rows, err := r.db.Query(`SELECT kind, COUNT(*) FROM attempts
		WHERE ts_ns >= ? GROUP BY kind`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("attemptlog: count: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TsNs, &e.WorkerID, &e.RowNumber, &e.Account,
			&e.Intent, &e.Kind, &e.Class, &e.Detail, &e.DurationMs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
