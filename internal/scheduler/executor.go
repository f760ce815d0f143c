package scheduler

import (
	"context"
	"errors"
	"fmt"

	"chaincore/internal/domain"
	"chaincore/internal/events"
	"chaincore/internal/metrics"
	"chaincore/internal/models"
	"chaincore/internal/repository"
)

var errNoHandler = errors.New("no sync handler configured")

// execute runs one task under the per-task guard and records the outcome.
// It never returns an error: handler failures and panics become failed results.
func (s *Scheduler) execute(ctx context.Context, id string) models.SyncResult {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		now := s.now()
		return models.SyncResult{TaskID: id, Error: ErrSchedulerClosed.Error(), StartedAt: now, CompletedAt: now}
	}
	task, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return models.SyncResult{TaskID: id, Error: ErrTaskNotFound.Error(), CompletedAt: s.now()}
	}
	if task.Status == models.TaskRunning {
		entity := string(task.EntityType)
		s.mu.Unlock()
		metrics.IncSyncSkipped(entity)
		s.logger.Debug().Str("task_id", id).Msg("sync task already running, skipped")
		now := s.now()
		return models.SyncResult{TaskID: id, Error: errAlreadyRunning, StartedAt: now, CompletedAt: now}
	}

	started := s.now()
	task.Status = models.TaskRunning
	task.LastRun = &started
	snapshot := task.Clone()
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	s.store(ctx, id)

	log := s.logger.With().Str("task_id", id).Str("entity", string(snapshot.EntityType)).Logger()
	log.Debug().Msg("sync task started")

	records, runErr := s.runHandler(ctx, *snapshot)

	completed := s.now()
	result := models.SyncResult{
		TaskID:           id,
		Success:          runErr == nil,
		RecordsProcessed: records,
		DurationMs:       completed.Sub(started).Milliseconds(),
		StartedAt:        started,
		CompletedAt:      completed,
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	s.mu.Lock()
	if task, ok := s.tasks[id]; ok {
		task.Status = models.TaskCompleted
		if runErr != nil {
			task.Status = models.TaskFailed
		}
		if next, ok := s.nextFire(task, completed); ok {
			task.NextRun = &next
		}
		snapshot = task.Clone()
	}
	s.mu.Unlock()

	s.cacheResult(ctx, result)
	s.appendHistory(ctx, snapshot, result)
	s.store(ctx, id)

	metrics.ObserveSyncRun(string(snapshot.EntityType), result.Success, records, completed.Sub(started))
	s.publish(snapshot, result)

	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr)
	}
	ev.Int("records", records).Int64("duration_ms", result.DurationMs).Msg("sync task finished")
	return result
}

func (s *Scheduler) runHandler(ctx context.Context, task models.SyncTask) (records int, err error) {
	defer func() {
		if r := recover(); r != nil {
			records = 0
			err = fmt.Errorf("sync handler panic: %v", r)
		}
	}()
	if s.handler == nil {
		return 0, errNoHandler
	}
	return s.handler.Sync(ctx, task)
}

// store writes the current state of a task, or deletes its row when the task
// was removed in the meantime.
func (s *Scheduler) store(ctx context.Context, id string) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	s.mu.Lock()
	var snapshot *models.SyncTask
	if task, ok := s.tasks[id]; ok {
		snapshot = task.Clone()
	}
	s.mu.Unlock()

	if snapshot == nil {
		if err := s.repo.DeleteTask(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn().Err(err).Str("task_id", id).Msg("failed to delete removed task")
		}
		return
	}
	if err := s.repo.SaveTask(ctx, snapshot); err != nil {
		s.logger.Warn().Err(err).Str("task_id", id).Msg("failed to persist task state")
	}
}

func (s *Scheduler) cacheResult(ctx context.Context, result models.SyncResult) {
	if s.cache == nil {
		return
	}
	if err := repository.SetJSON(ctx, s.cache, repository.ResultKey(result.TaskID), result, s.opts.ResultTTL); err != nil {
		s.logger.Warn().Err(err).Str("task_id", result.TaskID).Msg("failed to cache sync result")
	}
}

func (s *Scheduler) appendHistory(ctx context.Context, task *models.SyncTask, result models.SyncResult) {
	if s.history == nil {
		return
	}
	entry := &models.SyncHistoryEntry{
		TaskID:          result.TaskID,
		IntegrationType: models.IntegrationBranch,
		EntityType:      task.EntityType,
		SyncStatus:      string(models.TaskCompleted),
		RecordsSynced:   result.RecordsProcessed,
		StartedAt:       result.StartedAt,
		CompletedAt:     result.CompletedAt,
	}
	if !result.Success {
		entry.SyncStatus = string(models.TaskFailed)
		msg := result.Error
		entry.ErrorMessage = &msg
	}
	if err := s.history.AppendHistory(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("task_id", result.TaskID).Msg("failed to append sync history")
	}
}

func (s *Scheduler) publish(task *models.SyncTask, result models.SyncResult) {
	if s.events == nil {
		return
	}
	eventType := events.EventSyncTaskCompleted
	if !result.Success {
		eventType = events.EventSyncTaskFailed
	}
	payload := events.TaskEventPayload{
		TaskID:           result.TaskID,
		EntityType:       string(task.EntityType),
		BranchID:         task.BranchID,
		Success:          result.Success,
		RecordsProcessed: result.RecordsProcessed,
		Error:            result.Error,
		DurationMs:       result.DurationMs,
		CompletedAt:      result.CompletedAt,
	}
	if err := s.events.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("event handler failed")
	}
}

// LastResult returns the cached outcome of the latest run, if still cached.
func (s *Scheduler) LastResult(ctx context.Context, id string) (*models.SyncResult, bool, error) {
	if s.cache == nil {
		return nil, false, nil
	}
	var res models.SyncResult
	found, err := repository.GetJSON(ctx, s.cache, repository.ResultKey(id), &res)
	if err != nil || !found {
		return nil, false, err
	}
	return &res, true, nil
}
