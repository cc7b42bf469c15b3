package models

import "time"

type Script struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Path           string    `json:"path"`
	Description    string    `json:"description,omitempty"`
	CommandPattern string    `json:"command_pattern"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one execution attempt of a Script. ExitCode and CompletedAt stay
// nil until the task is resolved.
type Task struct {
	ID          int64      `json:"id"`
	ScriptID    int64      `json:"script_id"`
	UserID      int64      `json:"user_id"`
	Status      TaskStatus `json:"status"`
	ExitCode    *int       `json:"exit_code"`
	Output      string     `json:"output"`
	Error       string     `json:"error"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}
