package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/metorial/chatops/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := t.TempDir() + "/test.db"
	db, err := NewDB(DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createUser(t *testing.T, db *DB, name string) *models.User {
	t.Helper()
	user, err := db.GetOrCreateUser(context.Background(), name, name)
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return user
}

func TestNewDB(t *testing.T) {
	db := setupTestDB(t)

	if db.conn == nil {
		t.Fatal("Database connection is nil")
	}

	if _, err := NewDB("mysql", "x"); err == nil {
		t.Error("Expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	lite := &DB{driver: DriverSQLite}
	pg := &DB{driver: DriverPostgres}

	query := "SELECT a FROM t WHERE b = ? AND c IN (?, ?)"
	if got := lite.rebind(query); got != query {
		t.Errorf("Expected sqlite query unchanged, got %s", got)
	}
	want := "SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)"
	if got := pg.rebind(query); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestGetOrCreateUser(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first, err := db.GetOrCreateUser(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if first.ID == 0 {
		t.Fatal("Expected non-zero ID")
	}

	second, err := db.GetOrCreateUser(ctx, "alice", "Someone Else")
	if err != nil {
		t.Fatalf("Failed to fetch user: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Expected same ID for same username, got %d and %d", first.ID, second.ID)
	}
	if second.Nickname != "Alice" {
		t.Errorf("Expected original nickname to be kept, got %s", second.Nickname)
	}

	if _, err := db.GetUserByUsername(ctx, "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListMessagesChronological(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	user := createUser(t, db, "alice")

	base := time.Now().UTC().Add(-time.Hour)
	for i, content := range []string{"one", "two", "three", "four"} {
		msg := &models.Message{
			Content:   content,
			AuthorID:  user.ID,
			RoomID:    "general",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("Failed to create message: %v", err)
		}
	}
	other := &models.Message{Content: "elsewhere", AuthorID: user.ID, RoomID: "ops"}
	if err := db.CreateMessage(ctx, other); err != nil {
		t.Fatalf("Failed to create message: %v", err)
	}

	messages, err := db.ListMessages(ctx, "general", 3)
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}

	if len(messages) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(messages))
	}
	want := []string{"two", "three", "four"}
	for i, m := range messages {
		if m.Content != want[i] {
			t.Errorf("Expected message %d to be %s, got %s", i, want[i], m.Content)
		}
		if m.Author == nil || m.Author.Username != "alice" {
			t.Errorf("Expected author alice on message %d", i)
		}
	}
}

func TestSetMessageOutcome(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	user := createUser(t, db, "alice")

	msg := &models.Message{Content: "/status 9", IsCommand: true, AuthorID: user.ID, RoomID: "general"}
	if err := db.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("Failed to create message: %v", err)
	}

	errText := "Task 9 not found"
	if err := db.SetMessageOutcome(ctx, msg.ID, nil, &errText); err != nil {
		t.Fatalf("Failed to set outcome: %v", err)
	}

	messages, err := db.ListMessages(ctx, "general", 10)
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}
	if messages[0].ErrorMessage == nil || *messages[0].ErrorMessage != errText {
		t.Errorf("Expected error message %q, got %v", errText, messages[0].ErrorMessage)
	}
	if !messages[0].IsCommand {
		t.Error("Expected message to be flagged as command")
	}

	if err := db.SetMessageOutcome(ctx, 999, nil, &errText); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestScriptUniqueness(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	first := &models.Script{Name: "deploy", Path: "deploy.sh", CommandPattern: "/deploy"}
	if err := db.CreateScript(ctx, first); err != nil {
		t.Fatalf("Failed to create script: %v", err)
	}

	err := db.CreateScript(ctx, &models.Script{Name: "deploy", Path: "other.sh", CommandPattern: "/other"})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) || conflictErr.Column != "name" {
		t.Fatalf("Expected name conflict, got %v", err)
	}

	err = db.CreateScript(ctx, &models.Script{Name: "deploy2", Path: "deploy2.sh", CommandPattern: "/deploy"})
	if !errors.As(err, &conflictErr) || conflictErr.Column != "command_pattern" {
		t.Fatalf("Expected pattern conflict, got %v", err)
	}
	if !errors.Is(err, ErrConflict) {
		t.Error("Expected ConflictError to unwrap to ErrConflict")
	}

	// The pattern is only reserved among active scripts.
	if err := db.DeactivateScript(ctx, "deploy"); err != nil {
		t.Fatalf("Failed to deactivate: %v", err)
	}
	if err := db.CreateScript(ctx, &models.Script{Name: "deploy2", Path: "deploy2.sh", CommandPattern: "/deploy"}); err != nil {
		t.Fatalf("Expected pattern to be reusable after deactivation, got %v", err)
	}
}

func TestActiveScriptLookup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	script := &models.Script{Name: "hello", Path: "hello.sh", CommandPattern: "/hello", Description: "say hi"}
	if err := db.CreateScript(ctx, script); err != nil {
		t.Fatalf("Failed to create script: %v", err)
	}

	found, err := db.GetActiveScriptByPattern(ctx, "/hello")
	if err != nil {
		t.Fatalf("Failed to find script: %v", err)
	}
	if found.ID != script.ID || !found.IsActive || found.Description != "say hi" {
		t.Errorf("Unexpected script: %+v", found)
	}

	if err := db.DeactivateScript(ctx, "hello"); err != nil {
		t.Fatalf("Failed to deactivate: %v", err)
	}
	if _, err := db.GetActiveScriptByPattern(ctx, "/hello"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after deactivation, got %v", err)
	}

	active, err := db.ListActiveScripts(ctx)
	if err != nil {
		t.Fatalf("Failed to list scripts: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("Expected no active scripts, got %d", len(active))
	}

	count, err := db.CountScripts(ctx)
	if err != nil {
		t.Fatalf("Failed to count scripts: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 script row, got %d", count)
	}

	if err := db.DeactivateScript(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	user := createUser(t, db, "alice")

	script := &models.Script{Name: "hello", Path: "hello.sh", CommandPattern: "/hello"}
	if err := db.CreateScript(ctx, script); err != nil {
		t.Fatalf("Failed to create script: %v", err)
	}

	task := &models.Task{ScriptID: script.ID, UserID: user.ID}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if got.Status != models.TaskPending || got.ExitCode != nil || got.CompletedAt != nil {
		t.Fatalf("Expected unresolved pending task, got %+v", got)
	}

	if err := db.TransitionTask(ctx, task.ID, models.TaskPending, models.TaskRunning); err != nil {
		t.Fatalf("Failed to mark running: %v", err)
	}
	if err := db.TransitionTask(ctx, task.ID, models.TaskPending, models.TaskRunning); !errors.Is(err, ErrStaleState) {
		t.Errorf("Expected ErrStaleState on repeated transition, got %v", err)
	}

	code := 0
	task.Status = models.TaskCompleted
	task.ExitCode = &code
	task.Output = "hello\n"
	if err := db.ResolveTask(ctx, task); err != nil {
		t.Fatalf("Failed to resolve task: %v", err)
	}

	task.Status = models.TaskFailed
	task.CompletedAt = nil
	if err := db.ResolveTask(ctx, task); !errors.Is(err, ErrStaleState) {
		t.Errorf("Expected second resolution to be rejected, got %v", err)
	}

	got, err = db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if got.Status != models.TaskCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %v", got.ExitCode)
	}
	if got.CompletedAt == nil {
		t.Error("Expected completion time")
	}
	if got.Output != "hello\n" {
		t.Errorf("Expected output hello, got %q", got.Output)
	}

	if _, err := db.GetTask(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := db.TransitionTask(ctx, 42, models.TaskPending, models.TaskRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing task, got %v", err)
	}
}

func TestFailUnfinishedTasks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	user := createUser(t, db, "alice")

	script := &models.Script{Name: "hello", Path: "hello.sh", CommandPattern: "/hello"}
	if err := db.CreateScript(ctx, script); err != nil {
		t.Fatalf("Failed to create script: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := db.CreateTask(ctx, &models.Task{ScriptID: script.ID, UserID: user.ID}); err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
	}

	n, err := db.FailUnfinishedTasks(ctx, "interrupted")
	if err != nil {
		t.Fatalf("Failed to recover tasks: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 recovered tasks, got %d", n)
	}

	counts, err := db.TaskCounts(ctx)
	if err != nil {
		t.Fatalf("Failed to count tasks: %v", err)
	}
	if counts[models.TaskFailed] != 2 || counts[models.TaskPending] != 0 {
		t.Errorf("Unexpected counts: %v", counts)
	}
}
