// Package scheduler promotes pending Task notes to active in priority order,
// bounded by a mutable concurrency limit, and runs their tools.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/starford/notegraph/internal/activity"
	"github.com/starford/notegraph/internal/apperr"
	"github.com/starford/notegraph/internal/models"
)

// InterruptedMessage is recorded on tasks found active at start-up.
const InterruptedMessage = "interrupted: engine restarted"

// Store is the subset of the note store the scheduler needs.
type Store interface {
	Get(ctx context.Context, id string) (*models.Note, error)
	List(ctx context.Context) ([]*models.Note, error)
	Mutate(ctx context.Context, id string, fn func(*models.Note) error) (*models.Note, error)
}

// Executor runs a tool by id.
type Executor interface {
	Execute(ctx context.Context, toolID string, input any) (any, error)
}

var errNotPending = errors.New("scheduler: task is no longer pending")

// Scheduler admits tasks from a single loop goroutine. Slots are reserved
// before promotion so the number of running tasks never exceeds the limit.
type Scheduler struct {
	store  Store
	exec   Executor
	log    *activity.Log
	logger *slog.Logger

	mu      sync.Mutex
	limit   int
	active  map[string]struct{}
	started bool
	stopped bool

	kick     chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}
	tasks    sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithActivityLog records task transitions to l.
func WithActivityLog(l *activity.Log) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler with the given concurrency limit (>= 1).
func New(store Store, exec Executor, limit int, opts ...Option) (*Scheduler, error) {
	if limit < 1 {
		return nil, apperr.NewValidation("concurrency limit must be at least 1")
	}
	s := &Scheduler{
		store:    store,
		exec:     exec,
		logger:   slog.Default(),
		limit:    limit,
		active:   make(map[string]struct{}),
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start recovers tasks left active by a previous process and starts the
// admission loop. Task executions are detached from ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler: already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.recoverOrphans(ctx); err != nil {
		return err
	}

	go s.loop(context.WithoutCancel(ctx))
	s.Kick()
	return nil
}

// Kick requests an admission pass. Requests coalesce.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// SetConcurrencyLimit changes the limit and triggers admission. Lowering it
// below the running count does not preempt running tasks.
func (s *Scheduler) SetConcurrencyLimit(n int) error {
	if n < 1 {
		return apperr.NewValidation("concurrency limit must be at least 1")
	}
	s.mu.Lock()
	s.limit = n
	s.mu.Unlock()
	s.logger.Info("scheduler: concurrency limit changed", slog.Int("limit", n))
	s.Kick()
	return nil
}

// ConcurrencyLimit returns the current limit.
func (s *Scheduler) ConcurrencyLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Running returns the number of tasks holding a slot.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Requeue resets a completed or failed task to pending. Requeueing a pending
// task is a no-op; an active task cannot be requeued.
func (s *Scheduler) Requeue(ctx context.Context, id string) (*models.Note, error) {
	n, err := s.store.Mutate(ctx, id, func(n *models.Note) error {
		if !n.IsTask() {
			return apperr.NewValidation(fmt.Sprintf("note %s is not a Task", id))
		}
		switch n.Status {
		case models.StatusActive:
			return apperr.NewConflict(fmt.Sprintf("task %s is running", id))
		case models.StatusPending:
			return nil
		}
		n.Status = models.StatusPending
		n.LastError = ""
		n.Output = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Kick()
	return n, nil
}

// Stop halts admission and waits for running tasks to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.stopCh)
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		<-s.loopDone
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: stop: %w", ctx.Err())
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.kick:
			if err := s.admit(ctx); err != nil {
				s.logger.Error("scheduler: admission failed", slog.String("error", err.Error()))
			}
		}
	}
}

// admit promotes pending tasks in priority order until no slot or candidate
// remains.
func (s *Scheduler) admit(ctx context.Context) error {
	if !s.hasFreeSlot() {
		return nil
	}
	notes, err := s.store.List(ctx)
	if err != nil {
		return err
	}

	candidates := make([]*models.Note, 0)
	for _, n := range notes {
		if n.IsTask() && n.Status == models.StatusPending {
			candidates = append(candidates, n)
		}
	}
	SortByPriority(candidates)

	for _, n := range candidates {
		reserved, full := s.reserve(n.ID)
		if full {
			return nil
		}
		if !reserved {
			continue
		}
		promoted, err := s.store.Mutate(ctx, n.ID, func(cur *models.Note) error {
			if cur.Status != models.StatusPending || !cur.IsTask() {
				return errNotPending
			}
			cur.Status = models.StatusActive
			cur.LastError = ""
			return nil
		})
		if err != nil {
			s.release(n.ID)
			if !errors.Is(err, errNotPending) && !errors.Is(err, apperr.ErrNotFound) {
				s.logger.Warn("scheduler: promote failed", slog.String("task_id", n.ID), slog.String("error", err.Error()))
			}
			continue
		}

		s.record(activity.Entry{Kind: activity.KindTaskStarted, NoteID: promoted.ID, Message: "task started: " + promoted.Title})
		s.tasks.Add(1)
		go s.run(ctx, promoted)
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, task *models.Note) {
	defer s.tasks.Done()
	defer s.Kick()
	defer s.release(task.ID)
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("scheduler: task panicked", slog.String("task_id", task.ID), slog.Any("panic", p))
			s.finish(ctx, task, task.ToolID, nil, apperr.NewExecution(fmt.Errorf("tool panicked: %v", p)))
		}
	}()

	toolID, err := s.resolveTool(ctx, task)
	if err != nil {
		s.finish(ctx, task, "", nil, err)
		return
	}
	if toolID == "" {
		s.finish(ctx, task, "", nil, nil)
		return
	}
	out, err := s.exec.Execute(ctx, toolID, TaskInput(task))
	s.finish(ctx, task, toolID, out, err)
}

func (s *Scheduler) finish(ctx context.Context, task *models.Note, toolID string, out any, execErr error) {
	_, err := s.store.Mutate(ctx, task.ID, func(cur *models.Note) error {
		if execErr != nil {
			cur.Status = models.StatusFailed
			cur.LastError = execErr.Error()
			return nil
		}
		cur.Status = models.StatusCompleted
		cur.Output = out
		cur.LastError = ""
		return nil
	})
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		// The result could not be stored (e.g. output the backend cannot
		// encode). Fail the task so it does not stay active.
		s.logger.Warn("scheduler: record result failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		execErr = apperr.NewExecution(fmt.Errorf("record result: %w", err))
		if _, err := s.store.Mutate(ctx, task.ID, func(cur *models.Note) error {
			cur.Status = models.StatusFailed
			cur.Output = nil
			cur.LastError = execErr.Error()
			return nil
		}); err != nil {
			s.logger.Error("scheduler: mark task failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		}
	}

	if execErr != nil {
		s.logger.Info("scheduler: task failed", slog.String("task_id", task.ID), slog.String("error", execErr.Error()))
		s.record(activity.Entry{Kind: activity.KindTaskFailed, NoteID: task.ID, ToolID: toolID, Message: execErr.Error()})
		return
	}
	s.logger.Debug("scheduler: task completed", slog.String("task_id", task.ID))
	s.record(activity.Entry{Kind: activity.KindTaskCompleted, NoteID: task.ID, ToolID: toolID, Message: "task completed: " + task.Title})
}

// resolveTool returns the task's dedicated tool id, else its first reference
// that is a Tool note, else "".
func (s *Scheduler) resolveTool(ctx context.Context, task *models.Note) (string, error) {
	if task.ToolID != "" {
		return task.ToolID, nil
	}
	for _, ref := range task.References {
		n, err := s.store.Get(ctx, ref)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if n.IsTool() {
			return n.ID, nil
		}
	}
	return "", nil
}

func (s *Scheduler) recoverOrphans(ctx context.Context) error {
	notes, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: recover: %w", err)
	}
	for _, n := range notes {
		if !n.IsTask() || n.Status != models.StatusActive {
			continue
		}
		_, err := s.store.Mutate(ctx, n.ID, func(cur *models.Note) error {
			cur.Status = models.StatusFailed
			cur.LastError = InterruptedMessage
			return nil
		})
		if err != nil {
			return fmt.Errorf("scheduler: recover %s: %w", n.ID, err)
		}
		s.logger.Warn("scheduler: interrupted task marked failed", slog.String("task_id", n.ID))
		s.record(activity.Entry{Kind: activity.KindTaskRecovered, NoteID: n.ID, Message: InterruptedMessage})
	}
	return nil
}

func (s *Scheduler) hasFreeSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped && len(s.active) < s.limit
}

// reserve takes a slot for id. full reports that no slot is left.
func (s *Scheduler) reserve(id string) (reserved, full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.active) >= s.limit {
		return false, true
	}
	if _, busy := s.active[id]; busy {
		return false, false
	}
	s.active[id] = struct{}{}
	return true, false
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *Scheduler) record(e activity.Entry) {
	if s.log != nil {
		s.log.Add(e)
	}
}

// SortByPriority orders tasks by priority descending, then createdAt
// ascending, then id.
func SortByPriority(tasks []*models.Note) {
	slices.SortStableFunc(tasks, func(a, b *models.Note) int {
		switch {
		case a.Priority > b.Priority:
			return -1
		case a.Priority < b.Priority:
			return 1
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// TaskInput is config.input when present, else {"input": content}.
func TaskInput(task *models.Note) any {
	if in, ok := task.Config["input"]; ok {
		return in
	}
	return map[string]any{"input": task.Content}
}
