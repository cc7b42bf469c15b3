package models

import "time"

type EventType string

const (
	EventUserJoin      EventType = "user_join"
	EventUserLeave     EventType = "user_leave"
	EventMessage       EventType = "message"
	EventCommandResult EventType = "command_result"
	EventError         EventType = "error"
)

// Event is an outbound frame published to every subscriber of a room.
type Event struct {
	Type   EventType `json:"type"`
	Data   any       `json:"data"`
	UserID int64     `json:"user_id,omitempty"`
}

// InboundFrame is a client frame read from a room connection.
type InboundFrame struct {
	Type    string `json:"type,omitempty"`
	Content string `json:"content"`
	Token   string `json:"token,omitempty"`
}

type UserSummary struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
}

func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Username: u.Username, Nickname: u.Nickname}
}

type UserJoinData struct {
	User      UserSummary `json:"user"`
	Timestamp time.Time   `json:"timestamp"`
}

type UserLeaveData struct {
	UserID    int64     `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageData struct {
	ID            int64       `json:"id"`
	Content       string      `json:"content"`
	IsCommand     bool        `json:"is_command"`
	AuthorID      int64       `json:"author_id"`
	RoomID        string      `json:"room_id"`
	CommandResult *string     `json:"command_result"`
	ErrorMessage  *string     `json:"error_message"`
	CreatedAt     time.Time   `json:"created_at"`
	Author        UserSummary `json:"author"`
}

type CommandResultData struct {
	Command string `json:"command"`
	Result  any    `json:"result"`
}

type ErrorData struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

// Result payloads carried in CommandResultData.Result, discriminated by Type.
const (
	ResultListScripts     = "list_scripts"
	ResultTaskStatus      = "task_status"
	ResultScriptStarted   = "script_started"
	ResultScriptCompleted = "script_completed"
)

type ScriptListing struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Command     string `json:"command"`
}

type ListScriptsResult struct {
	Type    string          `json:"type"`
	Scripts []ScriptListing `json:"scripts"`
}

type TaskSnapshot struct {
	ID       int64      `json:"id"`
	Status   TaskStatus `json:"status"`
	ExitCode *int       `json:"exit_code"`
	Output   string     `json:"output"`
	Error    string     `json:"error"`
}

type TaskStatusResult struct {
	Type string       `json:"type"`
	Task TaskSnapshot `json:"task"`
}

type ScriptStartedResult struct {
	Type    string `json:"type"`
	TaskID  int64  `json:"task_id"`
	Script  string `json:"script"`
	Message string `json:"message"`
}

type ScriptCompletedResult struct {
	Type     string     `json:"type"`
	TaskID   int64      `json:"task_id"`
	Script   string     `json:"script"`
	Status   TaskStatus `json:"status"`
	ExitCode *int       `json:"exit_code"`
	Output   string     `json:"output"`
	Error    string     `json:"error"`
}
