package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/metorial/chatops/internal/logging"
	"github.com/metorial/chatops/internal/models"
	"github.com/metorial/chatops/internal/runner"
	"github.com/metorial/chatops/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	db      *store.DB
	dir     string
	userID  int64
	service *Service
}

func newFixture(t *testing.T, r Runner, opts Options) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewDB(store.DriverSQLite, filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)

	user, err := db.GetOrCreateUser(context.Background(), "alice", "Alice")
	require.NoError(t, err)

	if r == nil {
		r = runner.New(zap.NewNop())
	}
	opts.ScriptsDir = dir
	if opts.MaxRuntime == 0 {
		opts.MaxRuntime = 5 * time.Second
	}

	svc := New(db, r, opts, logging.MustMetrics(), zap.NewNop())
	t.Cleanup(func() {
		svc.Close()
		db.Close()
	})

	return &fixture{db: db, dir: dir, userID: user.ID, service: svc}
}

// script writes an executable shell script into the scripts directory and
// registers it under a relative path.
func (f *fixture) script(t *testing.T, name, body string) *models.Script {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, name+".sh"), []byte("#!/bin/sh\n"+body+"\n"), 0o700))
	s := &models.Script{Name: name, Path: name + ".sh", CommandPattern: "/" + name}
	require.NoError(t, f.db.CreateScript(context.Background(), s))
	return s
}

func (f *fixture) wait(t *testing.T, id int64) *models.Task {
	t.Helper()
	var task *models.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = f.service.GetTask(context.Background(), id)
		return err == nil && task != nil && task.Status.Terminal()
	}, 15*time.Second, 20*time.Millisecond)
	return task
}

func TestExecuteCompletes(t *testing.T) {
	f := newFixture(t, nil, Options{})
	script := f.script(t, "hello", "echo hello from $(basename $(pwd))")

	task, err := f.service.Execute(context.Background(), script, f.userID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Nil(t, task.ExitCode)
	assert.Nil(t, task.CompletedAt)

	done := f.wait(t, task.ID)
	assert.Equal(t, models.TaskCompleted, done.Status)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	assert.Equal(t, "hello from "+filepath.Base(f.dir)+"\n", done.Output)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, script.ID, done.ScriptID)
	assert.Equal(t, f.userID, done.UserID)
}

func TestExecuteNonZeroExit(t *testing.T) {
	f := newFixture(t, nil, Options{})
	script := f.script(t, "broken", "echo partial\necho 'disk full' >&2\nexit 3")

	task, err := f.service.Execute(context.Background(), script, f.userID)
	require.NoError(t, err)

	done := f.wait(t, task.ID)
	assert.Equal(t, models.TaskFailed, done.Status)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 3, *done.ExitCode)
	assert.Equal(t, "partial\n", done.Output)
	assert.Equal(t, "disk full\n", done.Error)
}

func TestExecuteTimeout(t *testing.T) {
	f := newFixture(t, nil, Options{MaxRuntime: time.Second})
	script := f.script(t, "slow", "sleep 30")

	task, err := f.service.Execute(context.Background(), script, f.userID)
	require.NoError(t, err)

	done := f.wait(t, task.ID)
	assert.Equal(t, models.TaskFailed, done.Status)
	assert.Nil(t, done.ExitCode)
	assert.Equal(t, "Script execution timed out after 1 seconds", done.Error)
	assert.NotNil(t, done.CompletedAt)
}

func TestExecuteSpawnFailure(t *testing.T) {
	f := newFixture(t, nil, Options{})
	script := &models.Script{Name: "ghost", Path: "ghost.sh", CommandPattern: "/ghost"}
	require.NoError(t, f.db.CreateScript(context.Background(), script))

	task, err := f.service.Execute(context.Background(), script, f.userID)
	require.NoError(t, err)

	done := f.wait(t, task.ID)
	assert.Equal(t, models.TaskFailed, done.Status)
	assert.Nil(t, done.ExitCode)
	assert.Contains(t, done.Error, "ghost.sh")
}

func TestExecuteAbsolutePath(t *testing.T) {
	f := newFixture(t, nil, Options{})
	other := t.TempDir()
	path := filepath.Join(other, "abs.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho absolute\n"), 0o700))
	script := &models.Script{Name: "abs", Path: path, CommandPattern: "/abs"}
	require.NoError(t, f.db.CreateScript(context.Background(), script))

	task, err := f.service.Execute(context.Background(), script, f.userID)
	require.NoError(t, err)

	done := f.wait(t, task.ID)
	assert.Equal(t, models.TaskCompleted, done.Status)
	assert.Equal(t, "absolute\n", done.Output)
}

func TestGetTaskMissing(t *testing.T) {
	f := newFixture(t, nil, Options{})

	task, err := f.service.GetTask(context.Background(), 42)
	assert.NoError(t, err)
	assert.Nil(t, task)
}

func TestGetTaskStableAfterResolution(t *testing.T) {
	f := newFixture(t, nil, Options{})
	script := f.script(t, "date", "date +%s")

	task, err := f.service.Execute(context.Background(), script, f.userID)
	require.NoError(t, err)
	first := f.wait(t, task.ID)

	for i := 0; i < 3; i++ {
		again, err := f.service.GetTask(context.Background(), task.ID)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("task snapshot changed after resolution (-first +again):\n%s", diff)
		}
	}
}

// blockingRunner holds every run until release is closed.
type blockingRunner struct {
	release chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, path, dir string, timeout time.Duration) (*runner.Result, error) {
	<-b.release
	return &runner.Result{Stdout: "ok"}, nil
}

func TestExecuteDoesNotBlockWhenSaturated(t *testing.T) {
	r := &blockingRunner{release: make(chan struct{})}
	f := newFixture(t, r, Options{Workers: 1})
	script := f.script(t, "wait", "true")

	var ids []int64
	start := time.Now()
	for i := 0; i < 20; i++ {
		task, err := f.service.Execute(context.Background(), script, f.userID)
		require.NoError(t, err)
		assert.Equal(t, models.TaskPending, task.Status)
		ids = append(ids, task.ID)
	}
	assert.Less(t, time.Since(start), 5*time.Second)

	close(r.release)
	for _, id := range ids {
		done := f.wait(t, id)
		assert.Equal(t, models.TaskCompleted, done.Status)
	}
}

func TestCloseWaitsForScheduledTasks(t *testing.T) {
	r := &blockingRunner{release: make(chan struct{})}
	f := newFixture(t, r, Options{Workers: 2})
	script := f.script(t, "wait", "true")

	task, err := f.service.Execute(context.Background(), script, f.userID)
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		f.service.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a task was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(r.release)
	<-closed

	done, err := f.service.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, done.Status)

	_, err = f.service.Execute(context.Background(), script, f.userID)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from, to models.TaskStatus
		valid    bool
	}{
		{models.TaskPending, models.TaskRunning, true},
		{models.TaskRunning, models.TaskCompleted, true},
		{models.TaskRunning, models.TaskFailed, true},
		{models.TaskPending, models.TaskCompleted, false},
		{models.TaskRunning, models.TaskPending, false},
		{models.TaskCompleted, models.TaskFailed, false},
		{models.TaskFailed, models.TaskRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := checkTransition(tt.from, tt.to)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestOutcome(t *testing.T) {
	t.Run("spawn error", func(t *testing.T) {
		task := outcome(7, nil, &runner.SpawnError{Path: "x.sh", Err: errors.New("permission denied")})
		assert.Equal(t, int64(7), task.ID)
		assert.Equal(t, models.TaskFailed, task.Status)
		assert.Nil(t, task.ExitCode)
		assert.Equal(t, "failed to start x.sh: permission denied", task.Error)
	})

	t.Run("timeout keeps partial output", func(t *testing.T) {
		task := outcome(8, nil, &runner.TimeoutError{Limit: 300 * time.Second, Stdout: "step 1\n"})
		assert.Equal(t, models.TaskFailed, task.Status)
		assert.Nil(t, task.ExitCode)
		assert.Equal(t, "step 1\n", task.Output)
		assert.Equal(t, "Script execution timed out after 300 seconds", task.Error)
	})
}

// flakyStore fails the first few task updates with a transient error.
type flakyStore struct {
	*store.DB
	transitionFailures atomic.Int32
	resolveFailures    atomic.Int32
	resolveCalls       atomic.Int32
}

var errLocked = errors.New("database is locked")

func (s *flakyStore) TransitionTask(ctx context.Context, id int64, from, to models.TaskStatus) error {
	if s.transitionFailures.Add(-1) >= 0 {
		return errLocked
	}
	return s.DB.TransitionTask(ctx, id, from, to)
}

func (s *flakyStore) ResolveTask(ctx context.Context, task *models.Task) error {
	s.resolveCalls.Add(1)
	if s.resolveFailures.Add(-1) >= 0 {
		return errLocked
	}
	return s.DB.ResolveTask(ctx, task)
}

func newFlakyService(t *testing.T, f *fixture, fs *flakyStore, window time.Duration) *Service {
	t.Helper()
	svc := New(fs, runner.New(zap.NewNop()), Options{
		ScriptsDir:  f.dir,
		MaxRuntime:  5 * time.Second,
		RetryWindow: window,
	}, logging.MustMetrics(), zap.NewNop())
	t.Cleanup(svc.Close)
	return svc
}

func TestResolveRetriesTransientStoreErrors(t *testing.T) {
	f := newFixture(t, nil, Options{})
	script := f.script(t, "hi", "echo hi")

	fs := &flakyStore{DB: f.db}
	fs.transitionFailures.Store(1)
	fs.resolveFailures.Store(1)
	svc := newFlakyService(t, f, fs, 10*time.Second)

	task, err := svc.Execute(context.Background(), script, f.userID)
	require.NoError(t, err)

	done := f.wait(t, task.ID)
	assert.Equal(t, models.TaskCompleted, done.Status)
	assert.Equal(t, "hi\n", done.Output)
	require.NotNil(t, done.ExitCode)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, int32(2), fs.resolveCalls.Load())
}

func TestResolveGivesUpAfterRetryWindow(t *testing.T) {
	f := newFixture(t, nil, Options{})
	script := f.script(t, "hi", "echo hi")

	fs := &flakyStore{DB: f.db}
	fs.resolveFailures.Store(1 << 20)
	svc := newFlakyService(t, f, fs, 300*time.Millisecond)

	task, err := svc.Execute(context.Background(), script, f.userID)
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		svc.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not return after the retry window")
	}

	assert.Greater(t, fs.resolveCalls.Load(), int32(1))
	stuck, err := f.db.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, stuck.Status)

	// Startup recovery terminates what the worker could not record.
	n, err := f.db.FailUnfinishedTasks(context.Background(), "interrupted by server restart")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
