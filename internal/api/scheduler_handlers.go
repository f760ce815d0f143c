package api

import (
	"fmt"
	"net/http"
	"strconv"

	"chaincore/internal/models"
	"chaincore/internal/scheduler"
)

func (s *HTTPServer) handleSchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Scheduler.GetStatus())
}

func (s *HTTPServer) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.svc.Scheduler.GetTasks()})
}

func (s *HTTPServer) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var spec models.TaskSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	id, err := s.svc.Scheduler.AddTask(r.Context(), spec)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	task, _ := s.svc.Scheduler.GetTask(id)
	writeJSON(w, http.StatusCreated, map[string]any{"task_id": id, "task": task})
}

func (s *HTTPServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, ok := s.svc.Scheduler.GetTask(id)
	if !ok {
		s.writeServiceError(w, r, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id))
		return
	}

	resp := map[string]any{"task": task}
	// the cached result is a convenience; a cache outage only drops it
	if last, found, err := s.svc.Scheduler.LastResult(r.Context(), id); err == nil && found {
		resp["last_result"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.svc.Scheduler.RemoveTask(r.Context(), id) {
		s.writeServiceError(w, r, fmt.Errorf("%w: %s", scheduler.ErrTaskNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "removed": true})
}

func (s *HTTPServer) handleRunTask(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Scheduler.RunTaskNow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeServiceError(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = n
	}

	id := r.PathValue("id")
	history, err := s.svc.Scheduler.GetTaskHistory(r.Context(), id, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "history": history})
}
