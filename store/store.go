// Package store persists crawl targets, stations, heard events, geocode
// quarantine entries, and run bookkeeping in a single SQLite file.
//
// The database is opened with one connection. Inside InTx every query must go
// through the *Tx handed to the callback; calling back into the Store from
// there blocks until the transaction ends.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"packetmap/sqliteutil"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrConflict reports a natural-key collision with a row written by
	// someone else. It is never swallowed.
	ErrConflict = errors.New("store: persistence conflict")
	// ErrNeedsCheck is returned when a write targets a port that is waiting
	// for its label to be re-confirmed.
	ErrNeedsCheck = errors.New("store: target awaiting port check")
)

// Options tune the SQLite connection.
type Options struct {
	BusyTimeout      time.Duration
	PreflightTimeout time.Duration
	SkipPreflight    bool
}

func (o Options) withDefaults() Options {
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.PreflightTimeout <= 0 {
		o.PreflightTimeout = 5 * time.Second
	}
	return o
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries carries the full query surface. Store and Tx both embed it.
type queries struct {
	ex execer
}

// Store owns the database handle for one process.
type Store struct {
	queries
	db   *sql.DB
	path string
}

// Tx is a transaction-scoped view with the same methods as Store.
type Tx struct {
	queries
	tx *sql.Tx
}

// Open prepares the database at path: preflight check, pragmas, schema.
func Open(path string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: ensure dir: %w", err)
	}
	if !opts.SkipPreflight {
		if _, err := sqliteutil.Preflight(path, "crawl", opts.PreflightTimeout, nil); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{queries: queries{ex: db}, db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&Tx{queries: queries{ex: tx}, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", mapErr(err))
	}
	return nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`create table if not exists crawl_targets (
			id integer primary key autoincrement,
			node_id text not null,
			port integer not null,
			port_name text not null default '',
			last_crawled integer,
			needs_check integer not null default 0,
			active_port integer not null default 1,
			uid text
		)`,
		`create unique index if not exists idx_targets_active_checked
			on crawl_targets(node_id, port) where active_port = 1 and needs_check = 0`,
		`create index if not exists idx_targets_eligible on crawl_targets(active_port, needs_check, last_crawled)`,
		`create table if not exists stations (
			id integer primary key autoincrement,
			kind text not null,
			scope text not null,
			call text not null,
			ssid integer,
			alias text,
			last_heard integer,
			last_checked integer,
			lat real,
			lon real,
			grid text,
			parent_target text not null default '',
			port_name text,
			uid text,
			repeated integer not null default 0,
			heard_ports text not null default '',
			bands text not null default '',
			level integer not null default 0
		)`,
		`drop index if exists idx_stations_key`,
		`create unique index if not exists idx_stations_call on stations(kind, scope, call)`,
		`create table if not exists heard_events (
			id integer primary key autoincrement,
			scope text not null,
			parent_target text not null default '',
			call text not null,
			base_call text not null,
			ssid integer,
			heard_time integer not null,
			path text,
			port_name text,
			event_hash integer not null
		)`,
		`create unique index if not exists idx_heard_hash on heard_events(event_hash)`,
		`create index if not exists idx_heard_call_time on heard_events(call, heard_time)`,
		`create table if not exists geocode_quarantine (
			subject text primary key,
			alias text,
			last_checked integer not null,
			reason text not null,
			parent_target text
		)`,
		`create table if not exists crawl_runs (
			id integer primary key autoincrement,
			mode text not null,
			node_id text,
			port integer,
			target_uid text,
			status text not null,
			started_at integer not null,
			finished_at integer not null,
			events_added integer not null default 0,
			stations_added integer not null default 0,
			stations_updated integer not null default 0,
			quarantined integer not null default 0,
			detail text
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: schema: %w", err)
		}
	}
	return migrateColumns(db)
}

// optionalColumns were added after the first schema shipped. They are always
// nullable or defaulted so older readers keep working.
var optionalColumns = []struct {
	table, name, decl string
}{
	{"stations", "path", "text"},
	{"heard_events", "uid", "text"},
	{"heard_events", "band", "text"},
	{"heard_events", "update_time", "integer"},
}

func migrateColumns(db *sql.DB) error {
	for _, col := range optionalColumns {
		have, err := hasColumn(db, col.table, col.name)
		if err != nil {
			return fmt.Errorf("store: inspect %s: %w", col.table, err)
		}
		if have {
			continue
		}
		if _, err := db.Exec(fmt.Sprintf("alter table %s add column %s %s", col.table, col.name, col.decl)); err != nil {
			return fmt.Errorf("store: add %s.%s: %w", col.table, col.name, err)
		}
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("pragma table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, ctype      string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// mapErr turns unique-constraint failures into ErrConflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return err
}

func unixOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Unix()
}

func timeFromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
