package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/metorial/chatops/internal/models"
)

const scriptColumns = `id, name, description, path, command_pattern, is_active, created_at`

// CreateScript inserts an active script and fills in its ID. A name or
// active pattern collision yields a *ConflictError.
func (db *DB) CreateScript(ctx context.Context, script *models.Script) error {
	if script.CreatedAt.IsZero() {
		script.CreatedAt = time.Now().UTC()
	}
	script.IsActive = true

	query := `INSERT INTO scripts (name, description, path, command_pattern, is_active, created_at)
	          VALUES (?, ?, ?, ?, ?, ?)
	          RETURNING id`
	err := db.conn.QueryRowContext(ctx, db.rebind(query),
		script.Name, script.Description, script.Path, script.CommandPattern, script.IsActive, script.CreatedAt,
	).Scan(&script.ID)
	return conflict(err, "scripts", "name", "command_pattern")
}

// GetScriptByName returns the named script whether or not it is active.
func (db *DB) GetScriptByName(ctx context.Context, name string) (*models.Script, error) {
	return db.scanScript(db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT `+scriptColumns+` FROM scripts WHERE name = ?`), name))
}

// GetActiveScriptByPattern looks up the active script registered for an
// exact trigger pattern.
func (db *DB) GetActiveScriptByPattern(ctx context.Context, pattern string) (*models.Script, error) {
	return db.scanScript(db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT `+scriptColumns+` FROM scripts WHERE command_pattern = ? AND is_active = TRUE`), pattern))
}

func (db *DB) ListActiveScripts(ctx context.Context) ([]models.Script, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+scriptColumns+` FROM scripts WHERE is_active = TRUE ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scripts []models.Script
	for rows.Next() {
		var s models.Script
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.Path, &s.CommandPattern, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, err
		}
		scripts = append(scripts, s)
	}
	return scripts, rows.Err()
}

// DeactivateScript marks the named script inactive. Deactivating an
// already inactive script is a no-op.
func (db *DB) DeactivateScript(ctx context.Context, name string) error {
	res, err := db.conn.ExecContext(ctx, db.rebind(`UPDATE scripts SET is_active = FALSE WHERE name = ?`), name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) CountScripts(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM scripts`).Scan(&count)
	return count, err
}

func (db *DB) scanScript(row *sql.Row) (*models.Script, error) {
	var s models.Script
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.Path, &s.CommandPattern, &s.IsActive, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
