package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/metorial/chatops/internal/models"
)

// GetOrCreateUser returns the user with the given username, creating it on
// first sight. Concurrent callers for the same username get the same row.
func (db *DB) GetOrCreateUser(ctx context.Context, username, nickname string) (*models.User, error) {
	query := `INSERT INTO users (username, nickname, created_at) VALUES (?, ?, ?)
	          ON CONFLICT (username) DO NOTHING`
	if _, err := db.conn.ExecContext(ctx, db.rebind(query), username, nickname, time.Now().UTC()); err != nil {
		return nil, err
	}

	return db.GetUserByUsername(ctx, username)
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT id, username, nickname, is_admin, created_at FROM users WHERE username = ?`

	var u models.User
	err := db.conn.QueryRowContext(ctx, db.rebind(query), username).
		Scan(&u.ID, &u.Username, &u.Nickname, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
