// Package chat implements the per-connection command loop and the
// WebSocket sessions that feed it.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/metorial/chatops/internal/models"
)

const (
	CommandMarker = "/"

	listCommand   = "/list"
	statusCommand = "/status"

	DefaultPollInterval = 500 * time.Millisecond
	// DefaultWaitLimit bounds how long a connection waits for a script
	// task to finish when no limit is configured.
	DefaultWaitLimit = 330 * time.Second
)

type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	SetMessageOutcome(ctx context.Context, id int64, commandResult, errorMessage *string) error
}

type ScriptLookup interface {
	ListActive(ctx context.Context) ([]models.Script, error)
	FindByPattern(ctx context.Context, pattern string) (*models.Script, error)
}

type TaskExecutor interface {
	Execute(ctx context.Context, script *models.Script, userID int64) (*models.Task, error)
	GetTask(ctx context.Context, id int64) (*models.Task, error)
}

type Publisher interface {
	Publish(ctx context.Context, room string, event models.Event)
}

// Router processes one inbound chat message at a time for a connection.
// A script command holds the connection for at most waitLimit; after that
// the task keeps running and can be checked with /status.
type Router struct {
	messages     MessageStore
	scripts      ScriptLookup
	executor     TaskExecutor
	publisher    Publisher
	pollInterval time.Duration
	waitLimit    time.Duration
	logger       *zap.Logger
}

func NewRouter(messages MessageStore, scripts ScriptLookup, executor TaskExecutor, publisher Publisher, pollInterval, waitLimit time.Duration, logger *zap.Logger) *Router {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if waitLimit <= 0 {
		waitLimit = DefaultWaitLimit
	}
	return &Router{
		messages:     messages,
		scripts:      scripts,
		executor:     executor,
		publisher:    publisher,
		pollInterval: pollInterval,
		waitLimit:    waitLimit,
		logger:       logger.Named("router"),
	}
}

// Handle persists content as a message from user in room, then either
// relays it or runs the command it names. A script command does not
// return until the script reaches a terminal state or ctx is done.
//
// The returned error is only for failures that left the room without an
// outcome, such as the store being unavailable.
func (r *Router) Handle(ctx context.Context, user *models.User, room, content string) error {
	msg := &models.Message{
		Content:   content,
		IsCommand: strings.HasPrefix(content, CommandMarker),
		AuthorID:  user.ID,
		RoomID:    room,
	}
	if err := r.messages.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	if !msg.IsCommand {
		r.publisher.Publish(ctx, room, models.Event{
			Type: models.EventMessage,
			Data: messageData(msg, user),
		})
		return nil
	}

	parts := strings.Fields(content)
	var pattern string
	if len(parts) > 0 {
		pattern = parts[0]
	}

	switch {
	case pattern == listCommand:
		return r.listScripts(ctx, user, room, msg)
	case pattern == statusCommand && len(parts) > 1:
		return r.taskStatus(ctx, user, room, msg, parts[1])
	}

	script, err := r.scripts.FindByPattern(ctx, pattern)
	if err != nil {
		return err
	}
	if script == nil {
		r.fail(ctx, room, msg, fmt.Sprintf("Unknown command: %s. Use %s to see available commands.", pattern, listCommand))
		return nil
	}
	return r.runScript(ctx, user, room, msg, script)
}

func (r *Router) listScripts(ctx context.Context, user *models.User, room string, msg *models.Message) error {
	scripts, err := r.scripts.ListActive(ctx)
	if err != nil {
		return err
	}

	result := models.ListScriptsResult{
		Type:    models.ResultListScripts,
		Scripts: make([]models.ScriptListing, 0, len(scripts)),
	}
	for _, s := range scripts {
		result.Scripts = append(result.Scripts, models.ScriptListing{
			Name:        s.Name,
			Description: s.Description,
			Command:     s.CommandPattern,
		})
	}

	r.succeed(ctx, user, room, msg, result)
	return nil
}

func (r *Router) taskStatus(ctx context.Context, user *models.User, room string, msg *models.Message, arg string) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		r.fail(ctx, room, msg, "Invalid task ID")
		return nil
	}

	task, err := r.executor.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task == nil {
		r.fail(ctx, room, msg, fmt.Sprintf("Task %d not found", id))
		return nil
	}

	r.succeed(ctx, user, room, msg, models.TaskStatusResult{
		Type: models.ResultTaskStatus,
		Task: models.TaskSnapshot{
			ID:       task.ID,
			Status:   task.Status,
			ExitCode: task.ExitCode,
			Output:   task.Output,
			Error:    task.Error,
		},
	})
	return nil
}

// runScript starts script and waits for its task by polling. No other
// message from this connection is handled meanwhile.
func (r *Router) runScript(ctx context.Context, user *models.User, room string, msg *models.Message, script *models.Script) error {
	task, err := r.executor.Execute(ctx, script, user.ID)
	if err != nil {
		return fmt.Errorf("execute %s: %w", script.Name, err)
	}

	r.publishResult(ctx, user, room, msg, models.ScriptStartedResult{
		Type:    models.ResultScriptStarted,
		TaskID:  task.ID,
		Script:  script.Name,
		Message: fmt.Sprintf("Script '%s' started", script.Name),
	})

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(r.waitLimit)
	defer deadline.Stop()

	for !task.Status.Terminal() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			r.logger.Warn("Gave up waiting for task",
				zap.Int64("task_id", task.ID),
				zap.String("status", string(task.Status)),
				zap.Duration("waited", r.waitLimit))
			r.publisher.Publish(ctx, room, models.Event{
				Type: models.EventError,
				Data: models.ErrorData{
					Command: msg.Content,
					Message: fmt.Sprintf("Task %d did not finish within %s. Use %s %d to check on it.", task.ID, r.waitLimit, statusCommand, task.ID),
				},
			})
			return nil
		case <-ticker.C:
		}

		current, err := r.executor.GetTask(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("poll task %d: %w", task.ID, err)
		}
		if current == nil {
			return fmt.Errorf("poll task %d: task disappeared", task.ID)
		}
		task = current
	}

	r.publishResult(ctx, user, room, msg, models.ScriptCompletedResult{
		Type:     models.ResultScriptCompleted,
		TaskID:   task.ID,
		Script:   script.Name,
		Status:   task.Status,
		ExitCode: task.ExitCode,
		Output:   task.Output,
		Error:    task.Error,
	})
	return nil
}

// succeed records result on msg and publishes it.
func (r *Router) succeed(ctx context.Context, user *models.User, room string, msg *models.Message, result any) {
	if encoded, err := json.Marshal(result); err != nil {
		r.logger.Error("Failed to encode command result", zap.Int64("message_id", msg.ID), zap.Error(err))
	} else {
		text := string(encoded)
		r.writeBack(ctx, msg, &text, nil)
	}
	r.publishResult(ctx, user, room, msg, result)
}

// fail records text as msg's error and publishes an error event.
func (r *Router) fail(ctx context.Context, room string, msg *models.Message, text string) {
	r.writeBack(ctx, msg, nil, &text)
	r.publisher.Publish(ctx, room, models.Event{
		Type: models.EventError,
		Data: models.ErrorData{Command: msg.Content, Message: text},
	})
}

func (r *Router) publishResult(ctx context.Context, user *models.User, room string, msg *models.Message, result any) {
	r.publisher.Publish(ctx, room, models.Event{
		Type:   models.EventCommandResult,
		Data:   models.CommandResultData{Command: msg.Content, Result: result},
		UserID: user.ID,
	})
}

func (r *Router) writeBack(ctx context.Context, msg *models.Message, result, errText *string) {
	if err := r.messages.SetMessageOutcome(ctx, msg.ID, result, errText); err != nil {
		r.logger.Warn("Failed to record command outcome", zap.Int64("message_id", msg.ID), zap.Error(err))
		return
	}
	msg.CommandResult = result
	msg.ErrorMessage = errText
}

func messageData(msg *models.Message, author *models.User) models.MessageData {
	return models.MessageData{
		ID:            msg.ID,
		Content:       msg.Content,
		IsCommand:     msg.IsCommand,
		AuthorID:      msg.AuthorID,
		RoomID:        msg.RoomID,
		CommandResult: msg.CommandResult,
		ErrorMessage:  msg.ErrorMessage,
		CreatedAt:     msg.CreatedAt,
		Author:        author.Summary(),
	}
}
