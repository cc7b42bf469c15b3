// Package executor turns accepted script commands into tracked tasks and
// resolves them in the background.
//
// A task moves pending -> running -> completed|failed. Execute only creates
// the pending row and posts a job; a worker owns every later write to that
// task.
package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/metorial/chatops/internal/logging"
	"github.com/metorial/chatops/internal/models"
	"github.com/metorial/chatops/internal/runner"
	"github.com/metorial/chatops/internal/store"
)

var (
	ErrClosed            = errors.New("execution service is closed")
	ErrInvalidTransition = errors.New("invalid task transition")
)

const (
	DefaultWorkers     = 4
	DefaultRetryWindow = time.Minute

	retryInitial = 50 * time.Millisecond
	retryMax     = 2 * time.Second
)

// Store is the task persistence the service needs.
type Store interface {
	CreateTask(ctx context.Context, task *models.Task) error
	TransitionTask(ctx context.Context, id int64, from, to models.TaskStatus) error
	ResolveTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id int64) (*models.Task, error)
}

// Runner runs one script to exit or timeout.
type Runner interface {
	Run(ctx context.Context, path, dir string, timeout time.Duration) (*runner.Result, error)
}

type job struct {
	taskID int64
	script models.Script
}

type Service struct {
	store      Store
	runner     Runner
	scriptsDir  string
	maxRuntime  time.Duration
	retryWindow time.Duration
	metrics    *logging.Metrics
	logger     *zap.Logger

	jobs     chan job
	mu       sync.RWMutex
	closed   bool
	workers  sync.WaitGroup
	overflow sync.WaitGroup
}

type Options struct {
	ScriptsDir string
	MaxRuntime time.Duration
	Workers    int
	// RetryWindow bounds how long a worker keeps retrying a failed task
	// update before leaving the task for startup recovery.
	RetryWindow time.Duration
}

func New(s Store, r Runner, opts Options, metrics *logging.Metrics, logger *zap.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.RetryWindow <= 0 {
		opts.RetryWindow = DefaultRetryWindow
	}
	// os/exec resolves a relative Path against Dir.
	if abs, err := filepath.Abs(opts.ScriptsDir); err == nil {
		opts.ScriptsDir = abs
	}

	svc := &Service{
		store:      s,
		runner:     r,
		scriptsDir:  opts.ScriptsDir,
		maxRuntime:  opts.MaxRuntime,
		retryWindow: opts.RetryWindow,
		metrics:     metrics,
		logger:      logger.Named("executor"),
		jobs:        make(chan job, opts.Workers*4),
	}

	for i := 0; i < opts.Workers; i++ {
		svc.workers.Add(1)
		go svc.work()
	}

	return svc
}

// Execute records a pending task for script and schedules it. It returns
// as soon as the task row exists; it never waits for the script.
func (s *Service) Execute(ctx context.Context, script *models.Script, userID int64) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	task := &models.Task{ScriptID: script.ID, UserID: userID}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	s.metrics.TasksStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("script", script.Name)))

	j := job{taskID: task.ID, script: *script}
	select {
	case s.jobs <- j:
	default:
		// Pool saturated. Resolve on a dedicated goroutine instead of
		// making the caller wait for a free slot.
		s.overflow.Add(1)
		go func() {
			defer s.overflow.Done()
			s.resolve(j)
		}()
	}

	s.logger.Info("Task accepted",
		zap.Int64("task_id", task.ID),
		zap.String("script", script.Name),
		zap.Int64("user_id", userID))

	snapshot := *task
	return &snapshot, nil
}

// GetTask returns the task with id, or nil if it was never created.
func (s *Service) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Close stops accepting tasks and waits for every scheduled task to reach
// a terminal state.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()

	s.workers.Wait()
	s.overflow.Wait()
}

func (s *Service) work() {
	defer s.workers.Done()
	for j := range s.jobs {
		s.resolve(j)
	}
}

// resolve drives one task from pending to a terminal state. Resolution is
// detached from whoever called Execute, so it uses its own context.
func (s *Service) resolve(j job) {
	ctx := context.Background()
	log := s.logger.With(zap.Int64("task_id", j.taskID), zap.String("script", j.script.Name))

	err := s.retry(log, "mark running", func() error {
		return s.advance(ctx, j.taskID, models.TaskPending, models.TaskRunning)
	})
	if errors.Is(err, store.ErrStaleState) {
		// An earlier attempt may have committed before reporting an error.
		if current, getErr := s.store.GetTask(ctx, j.taskID); getErr == nil && current.Status == models.TaskRunning {
			err = nil
		}
	}
	if err != nil {
		log.Error("Failed to mark task running", zap.Error(err))
		return
	}

	started := time.Now()
	result, err := s.runner.Run(ctx, s.scriptPath(j.script), s.scriptsDir, s.maxRuntime)
	task := outcome(j.taskID, result, err)

	if err := checkTransition(models.TaskRunning, task.Status); err != nil {
		log.Error("Refusing task outcome", zap.Error(err))
		return
	}
	// ResolveTask stamps CompletedAt on the first attempt; retries reuse it.
	err = s.retry(log, "record outcome", func() error {
		return s.store.ResolveTask(ctx, task)
	})
	switch {
	case errors.Is(err, store.ErrStaleState):
		log.Warn("Task outcome already recorded", zap.Error(err))
		return
	case err != nil:
		log.Error("Failed to record task outcome", zap.Error(err))
		return
	}

	elapsed := time.Since(started)
	attrs := metric.WithAttributes(attribute.String("script", j.script.Name))
	s.metrics.TaskDuration.Record(ctx, elapsed.Seconds(), attrs)
	if task.Status == models.TaskCompleted {
		s.metrics.TasksCompleted.Add(ctx, 1, attrs)
	} else {
		s.metrics.TasksFailed.Add(ctx, 1, attrs)
	}

	fields := []zap.Field{zap.String("status", string(task.Status)), zap.Duration("elapsed", elapsed)}
	if task.ExitCode != nil {
		fields = append(fields, zap.Int("exit_code", *task.ExitCode))
	}
	log.Info("Task resolved", fields...)
}

// retry runs op until it succeeds, fails permanently, or the retry window
// has passed, backing off exponentially between attempts.
func (s *Service) retry(log *zap.Logger, what string, op func() error) error {
	deadline := time.Now().Add(s.retryWindow)
	delay := retryInitial
	for {
		err := op()
		if err == nil || permanent(err) || time.Now().Add(delay).After(deadline) {
			return err
		}
		log.Warn("Task update failed, retrying",
			zap.String("op", what),
			zap.Duration("backoff", delay),
			zap.Error(err))
		time.Sleep(delay)
		delay = min(delay*2, retryMax)
	}
}

func permanent(err error) bool {
	return errors.Is(err, store.ErrStaleState) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition)
}

func (s *Service) advance(ctx context.Context, id int64, from, to models.TaskStatus) error {
	if err := checkTransition(from, to); err != nil {
		return err
	}
	return s.store.TransitionTask(ctx, id, from, to)
}

func (s *Service) scriptPath(script models.Script) string {
	if filepath.IsAbs(script.Path) {
		return script.Path
	}
	return filepath.Join(s.scriptsDir, script.Path)
}

// outcome maps a runner result to the terminal fields of a task. Only a
// process that ran and exited gets an exit code.
func outcome(id int64, result *runner.Result, err error) *models.Task {
	task := &models.Task{ID: id}

	var timeoutErr *runner.TimeoutError
	switch {
	case err == nil:
		code := result.ExitCode
		task.ExitCode = &code
		task.Output = result.Stdout
		task.Error = result.Stderr
		task.Status = models.TaskFailed
		if code == 0 {
			task.Status = models.TaskCompleted
		}
	case errors.As(err, &timeoutErr):
		task.Status = models.TaskFailed
		task.Output = timeoutErr.Stdout
		task.Error = timeoutErr.Error()
	default:
		task.Status = models.TaskFailed
		task.Error = err.Error()
	}

	return task
}

func checkTransition(from, to models.TaskStatus) error {
	switch from {
	case models.TaskPending:
		if to == models.TaskRunning {
			return nil
		}
	case models.TaskRunning:
		if to.Terminal() {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
