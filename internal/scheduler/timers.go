package scheduler

import (
	"context"
	"time"

	"chaincore/internal/metrics"
	"chaincore/internal/models"

	"github.com/robfig/cron/v3"
)

// arm starts the timer goroutine of a task, replacing any previous one.
// Callers hold s.mu.
func (s *Scheduler) arm(task *models.SyncTask) {
	s.disarm(task.ID)
	if !task.IsActive || task.ScheduleKind == models.ScheduleManual {
		return
	}

	delay, ok := s.firstDelay(task, s.now())
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.timers[task.ID] = cancel
	metrics.SetArmedTasks(len(s.timers))
	go s.loop(ctx, task.ID, delay)
}

// disarm cancels the timer of a task. Callers hold s.mu.
func (s *Scheduler) disarm(id string) {
	if cancel, ok := s.timers[id]; ok {
		cancel()
		delete(s.timers, id)
		metrics.SetArmedTasks(len(s.timers))
	}
}

func (s *Scheduler) armedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// firstDelay computes how long to wait before the first run after arming.
func (s *Scheduler) firstDelay(task *models.SyncTask, now time.Time) (time.Duration, bool) {
	switch task.ScheduleKind {
	case models.ScheduleCron:
		next, ok := s.nextFire(task, now)
		if !ok {
			return 0, false
		}
		task.NextRun = &next
		return next.Sub(now), true
	case models.ScheduleInterval:
		if task.Interval() <= 0 {
			s.logger.Warn().Str("task_id", task.ID).Msg("interval task without interval not armed")
			return 0, false
		}
		if task.LastRun == nil || task.NextRun == nil || now.After(*task.NextRun) {
			delay := s.jitter(s.opts.StartupJitter)
			next := now.Add(delay)
			task.NextRun = &next
			return delay, true
		}
		return task.NextRun.Sub(now), true
	default:
		return 0, false
	}
}

// nextFire is the run time following now for a recurring task.
func (s *Scheduler) nextFire(task *models.SyncTask, now time.Time) (time.Time, bool) {
	switch task.ScheduleKind {
	case models.ScheduleInterval:
		if task.Interval() <= 0 {
			return time.Time{}, false
		}
		return now.Add(task.Interval()), true
	case models.ScheduleCron:
		schedule, err := cron.ParseStandard(task.CronExpression)
		if err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Str("cron", task.CronExpression).Msg("invalid cron expression")
			return time.Time{}, false
		}
		next := schedule.Next(now)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	default:
		return time.Time{}, false
	}
}

// loop fires a task until its context is cancelled. Each run is followed by a
// wait until the task's recorded next run.
func (s *Scheduler) loop(ctx context.Context, id string, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// a run that started is allowed to finish after Stop
		s.execute(context.WithoutCancel(ctx), id)

		next, ok := s.delayAfterRun(id)
		if !ok {
			return
		}
		timer.Reset(next)
	}
}

func (s *Scheduler) delayAfterRun(id string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || !task.IsActive {
		return 0, false
	}
	now := s.now()
	if task.NextRun != nil && task.NextRun.After(now) {
		return task.NextRun.Sub(now), true
	}
	// skipped by the guard, NextRun was not advanced
	next, ok := s.nextFire(task, now)
	if !ok {
		return 0, false
	}
	return next.Sub(now), true
}
