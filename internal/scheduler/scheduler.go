package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"chaincore/internal/config"
	"chaincore/internal/domain"
	"chaincore/internal/models"
	"chaincore/internal/worker"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	ErrTaskNotFound = errors.New("sync task not found")
	ErrInvalidTask  = errors.New("invalid sync task")

	ErrSchedulerClosed = errors.New("scheduler is shut down")
)

const errAlreadyRunning = "already running"

type Options struct {
	StartupJitter time.Duration
	ResultTTL     time.Duration
	HistoryLimit  int
}

func OptionsFromConfig(cfg config.SchedulerConfig) Options {
	return Options{
		StartupJitter: time.Duration(cfg.StartupJitterMs) * time.Millisecond,
		ResultTTL:     time.Duration(cfg.ResultCacheTTLSeconds) * time.Second,
		HistoryLimit:  cfg.HistoryLimit,
	}
}

// Status is the aggregate view returned by GetStatus.
type Status struct {
	Running      bool      `json:"running"`
	TotalTasks   int       `json:"total_tasks"`
	ActiveTasks  int       `json:"active_tasks"`
	RunningTasks int       `json:"running_tasks"`
	NextRuns     []NextRun `json:"next_runs"`
}

type NextRun struct {
	TaskID     string            `json:"task_id"`
	EntityType models.EntityType `json:"task_type"`
	At         time.Time         `json:"next_run"`
}

// Scheduler owns the registry of sync tasks and their timers. A deployment
// runs exactly one instance; it is built once in main and shared.
type Scheduler struct {
	repo    domain.TaskRepository
	history domain.HistoryRepository
	cache   domain.Cache
	handler worker.Handler
	events  domain.EventPublisher
	logger  *zerolog.Logger
	opts    Options

	mu      sync.Mutex
	tasks   map[string]*models.SyncTask
	timers  map[string]context.CancelFunc
	running bool
	closed  bool
	baseCtx context.Context
	cancel  context.CancelFunc

	// storeMu orders task row writes against RemoveTask. Taken before mu.
	storeMu  sync.Mutex
	inflight sync.WaitGroup

	now    func() time.Time
	jitter func(max time.Duration) time.Duration
}

func New(repo domain.TaskRepository, history domain.HistoryRepository, cache domain.Cache,
	handler worker.Handler, events domain.EventPublisher, opts Options, logger *zerolog.Logger) *Scheduler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = models.DefaultHistoryLimit
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = models.DefaultResultCacheTTL * time.Second
	}
	return &Scheduler{
		repo:    repo,
		history: history,
		cache:   cache,
		handler: handler,
		events:  events,
		logger:  logger,
		opts:    opts,
		tasks:   make(map[string]*models.SyncTask),
		timers:  make(map[string]context.CancelFunc),
		now:     time.Now,
		jitter:  randomJitter,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// Start loads persisted tasks and arms every active one. Calling it on a
// running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	loaded := s.loadTasks(ctx)

	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return
	}

	for _, t := range loaded {
		if _, ok := s.tasks[t.ID]; ok {
			continue
		}
		s.tasks[t.ID] = t
	}
	var defaults []string
	if len(s.tasks) == 0 {
		for _, t := range defaultTasks() {
			s.tasks[t.ID] = t
			defaults = append(defaults, t.ID)
		}
		s.logger.Info().Int("tasks", len(s.tasks)).Msg("using default sync tasks")
	}

	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, t := range s.tasks {
		s.arm(t)
	}
	s.logger.Info().Int("tasks", len(s.tasks)).Int("armed", len(s.timers)).Msg("sync scheduler started")
	s.mu.Unlock()

	for _, id := range defaults {
		s.store(ctx, id)
	}
}

func (s *Scheduler) loadTasks(ctx context.Context) []*models.SyncTask {
	tasks, err := s.repo.ListTasks(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load sync tasks")
		return nil
	}
	for _, t := range tasks {
		// a run cannot survive a restart
		if t.Status == models.TaskRunning {
			t.Status = models.TaskIdle
		}
	}
	return tasks
}

func defaultTasks() []*models.SyncTask {
	defs := []struct {
		entity   models.EntityType
		interval time.Duration
	}{
		{models.EntityProducts, 30 * time.Minute},
		{models.EntityInventory, 15 * time.Minute},
		{models.EntityTransactions, 5 * time.Minute},
		{models.EntityEmployees, 60 * time.Minute},
	}
	tasks := make([]*models.SyncTask, 0, len(defs))
	for i, d := range defs {
		tasks = append(tasks, &models.SyncTask{
			ID:              fmt.Sprintf("%s_all_default", d.entity),
			EntityType:      d.entity,
			ScheduleKind:    models.ScheduleInterval,
			IntervalSeconds: int(d.interval / time.Second),
			IsActive:        true,
			Priority:        i + 1,
			Status:          models.TaskIdle,
		})
	}
	return tasks
}

// Stop disarms every timer. Runs already in flight finish and record their results.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	for id := range s.timers {
		s.disarm(id)
	}
	s.cancel()
	s.running = false
	s.logger.Info().Msg("sync scheduler stopped")
}

// Shutdown stops the scheduler for good and waits for in-flight runs until
// ctx is done. Runs requested afterwards are refused.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Stop()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddTask registers, persists and (when the scheduler runs) arms a new task.
func (s *Scheduler) AddTask(ctx context.Context, spec models.TaskSpec) (string, error) {
	task, err := newTask(spec)
	if err != nil {
		return "", err
	}
	if err := s.repo.SaveTask(ctx, task); err != nil {
		return "", fmt.Errorf("persist task: %w", err)
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	if s.running {
		s.arm(task)
	}
	s.mu.Unlock()

	s.logger.Info().Str("task_id", task.ID).Str("entity", string(task.EntityType)).Msg("sync task added")
	return task.ID, nil
}

func newTask(spec models.TaskSpec) (*models.SyncTask, error) {
	if _, ok := models.ParseEntityType(string(spec.EntityType)); !ok {
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidTask, spec.EntityType)
	}
	kind := spec.ScheduleKind
	if kind == "" {
		kind = models.ScheduleInterval
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown schedule type %q", ErrInvalidTask, kind)
	}

	task := &models.SyncTask{
		ID:           models.NewTaskID(spec.EntityType, spec.BranchID),
		EntityType:   spec.EntityType,
		BranchID:     spec.BranchID,
		ScheduleKind: kind,
		IsActive:     spec.IsActive == nil || *spec.IsActive,
		Priority:     spec.Priority,
		Status:       models.TaskIdle,
	}

	switch kind {
	case models.ScheduleInterval:
		task.IntervalSeconds = spec.IntervalSeconds
		if task.IntervalSeconds <= 0 {
			task.IntervalSeconds = spec.IntervalMinutes * 60
		}
		if task.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidTask)
		}
	case models.ScheduleCron:
		if _, err := cron.ParseStandard(spec.CronExpression); err != nil {
			return nil, fmt.Errorf("%w: cron expression %q: %w", ErrInvalidTask, spec.CronExpression, err)
		}
		task.CronExpression = spec.CronExpression
	}
	return task, nil
}

// RemoveTask disarms and deletes a task. It reports whether the task existed.
func (s *Scheduler) RemoveTask(ctx context.Context, id string) bool {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	s.mu.Lock()
	_, ok := s.tasks[id]
	if ok {
		s.disarm(id)
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	if err := s.repo.DeleteTask(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn().Err(err).Str("task_id", id).Msg("failed to delete persisted task")
	}
	s.logger.Info().Str("task_id", id).Msg("sync task removed")
	return true
}

// RunTaskNow executes a task out of band under the same guard as timed runs.
func (s *Scheduler) RunTaskNow(ctx context.Context, id string) (*models.SyncResult, error) {
	s.mu.Lock()
	_, ok := s.tasks[id]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSchedulerClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	res := s.execute(ctx, id)
	return &res, nil
}

// GetTasks returns copies of every task ordered by priority, then id.
func (s *Scheduler) GetTasks() []*models.SyncTask {
	s.mu.Lock()
	out := make([]*models.SyncTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Scheduler) GetTask(id string) (*models.SyncTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// GetTaskHistory returns the latest results of a task, newest first.
func (s *Scheduler) GetTaskHistory(ctx context.Context, id string, limit int) ([]models.SyncResult, error) {
	if _, ok := s.GetTask(id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if limit <= 0 {
		limit = s.opts.HistoryLimit
	}
	entries, err := s.history.ListHistory(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	results := make([]models.SyncResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, e.Result())
	}
	return results, nil
}

func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Running: s.running, TotalTasks: len(s.tasks), NextRuns: []NextRun{}}
	for _, t := range s.tasks {
		if t.IsActive {
			st.ActiveTasks++
			if t.NextRun != nil {
				st.NextRuns = append(st.NextRuns, NextRun{TaskID: t.ID, EntityType: t.EntityType, At: *t.NextRun})
			}
		}
		if t.Status == models.TaskRunning {
			st.RunningTasks++
		}
	}
	sort.Slice(st.NextRuns, func(i, j int) bool {
		if st.NextRuns[i].At.Equal(st.NextRuns[j].At) {
			return st.NextRuns[i].TaskID < st.NextRuns[j].TaskID
		}
		return st.NextRuns[i].At.Before(st.NextRuns[j].At)
	})
	return st
}
