package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/metorial/chatops/internal/models"
)

// ErrStaleState is returned when a conditional task update finds the row
// no longer in the expected state.
var ErrStaleState = errors.New("task not in expected state")

// CreateTask inserts a pending task and fills in its ID.
func (db *DB) CreateTask(ctx context.Context, task *models.Task) error {
	if task.StartedAt.IsZero() {
		task.StartedAt = time.Now().UTC()
	}
	task.Status = models.TaskPending

	query := `INSERT INTO tasks (script_id, user_id, status, started_at)
	          VALUES (?, ?, ?, ?)
	          RETURNING id`
	return db.conn.QueryRowContext(ctx, db.rebind(query),
		task.ScriptID, task.UserID, task.Status, task.StartedAt,
	).Scan(&task.ID)
}

// TransitionTask moves a task from one non-terminal status to another.
func (db *DB) TransitionTask(ctx context.Context, id int64, from, to models.TaskStatus) error {
	query := `UPDATE tasks SET status = ? WHERE id = ? AND status = ?`
	res, err := db.conn.ExecContext(ctx, db.rebind(query), to, id, from)
	if err != nil {
		return err
	}
	return db.expectOne(ctx, res, id)
}

// ResolveTask writes the terminal outcome of a task. It only succeeds while
// the task has no completion time, so the outcome is recorded exactly once.
func (db *DB) ResolveTask(ctx context.Context, task *models.Task) error {
	if task.CompletedAt == nil {
		now := time.Now().UTC()
		task.CompletedAt = &now
	}

	query := `UPDATE tasks SET status = ?, exit_code = ?, output = ?, error = ?, completed_at = ?
	          WHERE id = ? AND completed_at IS NULL`
	res, err := db.conn.ExecContext(ctx, db.rebind(query),
		task.Status, task.ExitCode, task.Output, task.Error, *task.CompletedAt, task.ID)
	if err != nil {
		return err
	}
	return db.expectOne(ctx, res, task.ID)
}

func (db *DB) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	query := `SELECT id, script_id, user_id, status, exit_code, output, error, started_at, completed_at
	          FROM tasks WHERE id = ?`

	var t models.Task
	var exitCode sql.NullInt64
	var completedAt sql.NullTime
	err := db.conn.QueryRowContext(ctx, db.rebind(query), id).Scan(
		&t.ID, &t.ScriptID, &t.UserID, &t.Status, &exitCode, &t.Output, &t.Error, &t.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		t.ExitCode = &code
	}
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	return &t, nil
}

// TaskCounts returns the number of tasks in each status.
func (db *DB) TaskCounts(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[models.TaskStatus]int{
		models.TaskPending:   0,
		models.TaskRunning:   0,
		models.TaskCompleted: 0,
		models.TaskFailed:    0,
	}
	for rows.Next() {
		var status models.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// FailUnfinishedTasks marks every pending or running task as failed. It is
// run at startup: no resolver from a previous process is still alive.
func (db *DB) FailUnfinishedTasks(ctx context.Context, reason string) (int64, error) {
	query := `UPDATE tasks SET status = ?, error = ?, completed_at = ?
	          WHERE status IN (?, ?) AND completed_at IS NULL`
	res, err := db.conn.ExecContext(ctx, db.rebind(query),
		models.TaskFailed, reason, time.Now().UTC(), models.TaskPending, models.TaskRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) expectOne(ctx context.Context, res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := db.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrStaleState
}
