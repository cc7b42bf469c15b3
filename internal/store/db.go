// Package store persists users, chat messages, registered scripts and
// script tasks. It speaks SQLite (modernc.org/sqlite) by default and
// PostgreSQL (lib/pq) when configured.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("unique constraint violated")
)

// ConflictError reports which unique column rejected a write.
type ConflictError struct {
	Table  string
	Column string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Table, e.Column, ErrConflict)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type DB struct {
	conn   *sql.DB
	driver string
}

// NewDB opens the database, applies connection settings and creates the
// schema if it does not exist.
func NewDB(driver, dsn string) (*DB, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY
		// between the router, the workers and the REST handlers.
		conn.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA busy_timeout = 5000",
			"PRAGMA foreign_keys = ON",
			"PRAGMA journal_mode = WAL",
		} {
			if _, err := conn.Exec(pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{conn: conn, driver: driver}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.driver == DriverPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS users (
		id %[1]s,
		username TEXT NOT NULL UNIQUE,
		nickname TEXT NOT NULL DEFAULT '',
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id %[1]s,
		content TEXT NOT NULL,
		is_command BOOLEAN NOT NULL DEFAULT FALSE,
		author_id BIGINT NOT NULL REFERENCES users(id),
		room_id TEXT NOT NULL DEFAULT 'general',
		command_result TEXT,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);

	CREATE TABLE IF NOT EXISTS scripts (
		id %[1]s,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		command_pattern TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_scripts_active_pattern
		ON scripts(command_pattern) WHERE is_active = TRUE;

	CREATE TABLE IF NOT EXISTS tasks (
		id %[1]s,
		script_id BIGINT NOT NULL REFERENCES scripts(id),
		user_id BIGINT NOT NULL REFERENCES users(id),
		status TEXT NOT NULL DEFAULT 'pending',
		exit_code INTEGER,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`, idColumn)

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// QueryRow runs a raw query; it exists for tests and diagnostics.
func (db *DB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRow(db.rebind(query), args...)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
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

// conflict translates a driver unique-constraint error into a
// *ConflictError. Other errors are returned unchanged.
func conflict(err error, table string, columns ...string) error {
	if err == nil {
		return nil
	}

	var unique bool
	var pgErr *pq.Error
	var liteErr *sqlite.Error
	switch {
	case errors.As(err, &pgErr):
		unique = pgErr.Code == "23505"
	case errors.As(err, &liteErr):
		unique = liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	if !unique {
		return err
	}

	msg := err.Error()
	if pgErr != nil {
		msg = pgErr.Constraint + " " + pgErr.Detail
	}
	for _, column := range columns {
		if strings.Contains(msg, column) {
			return &ConflictError{Table: table, Column: column}
		}
	}
	return &ConflictError{Table: table, Column: columns[len(columns)-1]}
}
