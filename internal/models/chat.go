package models

import "time"

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Nickname  string    `json:"nickname"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a persisted chat line. CommandResult holds the JSON-encoded
// result of a built-in command; ErrorMessage holds a command failure.
type Message struct {
	ID            int64     `json:"id"`
	Content       string    `json:"content"`
	IsCommand     bool      `json:"is_command"`
	AuthorID      int64     `json:"author_id"`
	RoomID        string    `json:"room_id"`
	CommandResult *string   `json:"command_result"`
	ErrorMessage  *string   `json:"error_message"`
	CreatedAt     time.Time `json:"created_at"`
	Author        *User     `json:"author,omitempty"`
}
