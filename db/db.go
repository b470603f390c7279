package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/quartz"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"

	"chatbridge/models"
)

// SchemaVersion is stamped into schema_version when the store is created.
const SchemaVersion = 1

var ErrNotFound = errors.New("no rows found")

type DB struct {
	conn  *sqlx.DB
	clock quartz.Clock
}

// New opens the store at path, creating the schema on first use. A store
// stamped with any other schema version is refused with a *VersionError.
func New(ctx context.Context, path string, clock quartz.Clock) (*DB, error) {
	conn, err := open(path)
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, clock: clock}
	if err := db.init(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Reset drops every table in the store at path, including tables from
// older layouts, and recreates the current schema. Everything in flight
// is lost.
func Reset(ctx context.Context, path string) error {
	conn, err := open(path)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	for _, table := range knownTables {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return xerrors.Errorf("drop %s: %w", table, err)
		}
	}
	if err := createSchema(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

func open(path string) (*sqlx.DB, error) {
	// _txlock=immediate makes every transaction take the write lock at
	// BEGIN, which TakeOldestForRemote relies on.
	dsn := path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}
	return conn, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

var schemaQueries = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		local_user TEXT,
		remote_user TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		status INTEGER NOT NULL,
		start_message TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS local_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES sessions(id),
		post_time INTEGER NOT NULL,
		send_time INTEGER,
		payload TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS remote_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL REFERENCES sessions(id),
		post_time INTEGER NOT NULL,
		send_time INTEGER,
		payload TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS presence (
		local_user TEXT NOT NULL,
		resource TEXT NOT NULL DEFAULT '',
		online INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (local_user, resource)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_local_user ON sessions(local_user, status)`,
	`CREATE INDEX IF NOT EXISTS idx_local_queue_pending ON local_queue(send_time, id)`,
	`CREATE INDEX IF NOT EXISTS idx_remote_queue_pending ON remote_queue(session_id, send_time, id)`,
}

// knownTables covers the current layout and the unversioned layout the
// store used before schema_version existed.
var knownTables = []string{
	"schema_version",
	"local_queue",
	"remote_queue",
	"presence",
	"sessions",
	"chat",
	"localmessagequeue",
	"remotemessagequeue",
	"onlineuser",
}

func createSchema(ctx context.Context, tx *sqlx.Tx) error {
	for _, query := range schemaQueries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return xerrors.Errorf("create schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", SchemaVersion); err != nil {
		return xerrors.Errorf("stamp schema version: %w", err)
	}
	return nil
}

func (db *DB) init(ctx context.Context) error {
	version, err := db.storedVersion(ctx)
	if err != nil {
		return err
	}

	switch version {
	case SchemaVersion:
		return nil
	case versionEmpty:
		tx, err := db.conn.BeginTxx(ctx, nil)
		if err != nil {
			return xerrors.Errorf("begin init: %w", err)
		}
		defer tx.Rollback()
		if err := createSchema(ctx, tx); err != nil {
			return err
		}
		return tx.Commit()
	default:
		verr := &VersionError{Found: version, Expected: SchemaVersion}
		stats, err := db.inflight(ctx, version)
		if err == nil {
			verr.Stats = &stats
		}
		return verr
	}
}

const versionEmpty = -1

// storedVersion returns versionEmpty for a store with no tables at all
// and 0 for one that predates schema_version.
func (db *DB) storedVersion(ctx context.Context) (int, error) {
	var tables []string
	if err := db.conn.SelectContext(ctx, &tables, "SELECT name FROM sqlite_master WHERE type = 'table'"); err != nil {
		return 0, xerrors.Errorf("list tables: %w", err)
	}

	hasVersion, hasOther := false, false
	for _, name := range tables {
		switch {
		case name == "schema_version":
			hasVersion = true
		case !strings.HasPrefix(name, "sqlite_"):
			hasOther = true
		}
	}

	if !hasVersion {
		if hasOther {
			return 0, nil
		}
		return versionEmpty, nil
	}

	var version int
	err := db.conn.GetContext(ctx, &version, "SELECT version FROM schema_version LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// VersionError is returned by New when the store was written by a
// different schema version. Stats is nil when the old layout could not be
// counted.
type VersionError struct {
	Found    int
	Expected int
	Stats    *models.StoreStats
}

func (e *VersionError) Error() string {
	msg := fmt.Sprintf("store schema version %d does not match expected version %d", e.Found, e.Expected)
	if e.Stats == nil {
		return msg + "; in-flight rows could not be counted"
	}
	s := e.Stats
	return fmt.Sprintf("%s: %d waiting, %d notified, %d open sessions; %d undelivered local, %d undelivered remote messages",
		msg,
		s.Sessions[models.StatusWaiting],
		s.Sessions[models.StatusNotified],
		s.Sessions[models.StatusOpen],
		s.UndeliveredLocal,
		s.UndeliveredRemote,
	)
}

type countQueries struct {
	statuses string
	local    string
	remote   string
}

var currentCounts = countQueries{
	statuses: "SELECT status, COUNT(*) FROM sessions GROUP BY status",
	local:    "SELECT COUNT(*) FROM local_queue WHERE send_time IS NULL",
	remote:   "SELECT COUNT(*) FROM remote_queue WHERE send_time IS NULL",
}

var legacyCounts = map[int]countQueries{
	0: {
		statuses: "SELECT status, COUNT(*) FROM chat GROUP BY status",
		local:    "SELECT COUNT(*) FROM localmessagequeue WHERE sendtime IS NULL",
		remote:   "SELECT COUNT(*) FROM remotemessagequeue WHERE sendtime IS NULL",
	},
}

func (db *DB) inflight(ctx context.Context, version int) (models.StoreStats, error) {
	queries, ok := legacyCounts[version]
	if !ok {
		queries = currentCounts
	}
	return db.count(ctx, queries)
}

func (db *DB) count(ctx context.Context, queries countQueries) (models.StoreStats, error) {
	stats := models.StoreStats{Sessions: make(map[models.Status]int)}

	rows, err := db.conn.QueryContext(ctx, queries.statuses)
	if err != nil {
		return stats, xerrors.Errorf("count sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, xerrors.Errorf("scan session count: %w", err)
		}
		stats.Sessions[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return stats, xerrors.Errorf("count sessions: %w", err)
	}

	if err := db.conn.GetContext(ctx, &stats.UndeliveredLocal, queries.local); err != nil {
		return stats, xerrors.Errorf("count local queue: %w", err)
	}
	if err := db.conn.GetContext(ctx, &stats.UndeliveredRemote, queries.remote); err != nil {
		return stats, xerrors.Errorf("count remote queue: %w", err)
	}
	return stats, nil
}

// Stats counts sessions per status, undelivered messages per queue and
// the local users currently available to accept a request.
func (db *DB) Stats(ctx context.Context) (models.StoreStats, error) {
	stats, err := db.count(ctx, currentCounts)
	if err != nil {
		return stats, err
	}
	stats.Reachable, err = db.ListReachableLocalUsers(ctx)
	return stats, err
}

func (db *DB) now() int64 {
	return db.clock.Now().UnixNano()
}
