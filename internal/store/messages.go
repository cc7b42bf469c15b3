package store

import (
	"context"
	"time"

	"github.com/metorial/chatops/internal/models"
)

// CreateMessage inserts msg and fills in its ID. CreatedAt defaults to now.
func (db *DB) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.RoomID == "" {
		msg.RoomID = "general"
	}

	query := `INSERT INTO messages (content, is_command, author_id, room_id, command_result, error_message, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)
	          RETURNING id`
	return db.conn.QueryRowContext(ctx, db.rebind(query),
		msg.Content, msg.IsCommand, msg.AuthorID, msg.RoomID,
		msg.CommandResult, msg.ErrorMessage, msg.CreatedAt,
	).Scan(&msg.ID)
}

// SetMessageOutcome records the result or error of a command message.
func (db *DB) SetMessageOutcome(ctx context.Context, id int64, commandResult, errorMessage *string) error {
	query := `UPDATE messages SET command_result = ?, error_message = ? WHERE id = ?`
	res, err := db.conn.ExecContext(ctx, db.rebind(query), commandResult, errorMessage, id)
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

// ListMessages returns the most recent limit messages of a room in
// chronological order.
func (db *DB) ListMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	query := `SELECT m.id, m.content, m.is_command, m.author_id, m.room_id, m.command_result,
	                 m.error_message, m.created_at, u.id, u.username, u.nickname, u.is_admin, u.created_at
	          FROM messages m
	          JOIN users u ON m.author_id = u.id
	          WHERE m.room_id = ?
	          ORDER BY m.created_at DESC, m.id DESC
	          LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var u models.User
		err := rows.Scan(&m.ID, &m.Content, &m.IsCommand, &m.AuthorID, &m.RoomID, &m.CommandResult,
			&m.ErrorMessage, &m.CreatedAt, &u.ID, &u.Username, &u.Nickname, &u.IsAdmin, &u.CreatedAt)
		if err != nil {
			return nil, err
		}
		m.Author = &u
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
