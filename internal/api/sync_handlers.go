package api

import (
	"fmt"
	"net/http"
	"time"

	"chaincore/internal/models"
	"chaincore/internal/protocol"
)

type syncRequestBody struct {
	SyncType string     `json:"sync_type"`
	Since    *time.Time `json:"since,omitempty"`
}

type syncProgressBody struct {
	RecordsProcessed int `json:"records_processed"`
	RecordsTotal     int `json:"records_total"`
}

type syncCompleteBody struct {
	Status           string `json:"status"`
	RecordsProcessed int    `json:"records_processed"`
	RecordsTotal     int    `json:"records_total"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

type healthBody struct {
	Status      string         `json:"status"`
	SystemInfo  map[string]any `json:"system_info"`
	NetworkInfo map[string]any `json:"network_info"`
}

type pingBody struct {
	Timestamp int64 `json:"timestamp"`
	Sequence  int64 `json:"sequence"`
}

var errBranchRequired = fmt.Errorf("%w: branch id is required (api key binding or %s header)", errBadRequest, branchIDHeader)

func (s *HTTPServer) handleSyncRequest(w http.ResponseWriter, r *http.Request) {
	branchID, ok := callerBranch(r)
	if !ok {
		s.writeServiceError(w, r, errBranchRequired)
		return
	}
	var body syncRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	session, err := s.svc.Protocol.RequestSync(r.Context(), branchID, models.EntityType(body.SyncType), body.Since)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sync_id": session.ID,
		"status":  session.Status,
	})
}

func (s *HTTPServer) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *HTTPServer) handleSyncProgress(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ownedSession(r); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var body syncProgressBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	session, err := s.svc.Protocol.ReportProgress(r.Context(), r.PathValue("id"), body.RecordsProcessed, body.RecordsTotal)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *HTTPServer) handleSyncComplete(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ownedSession(r); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var body syncCompleteBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	session, err := s.svc.Protocol.CompleteSync(r.Context(), r.PathValue("id"),
		models.SessionStatus(body.Status), body.RecordsProcessed, body.RecordsTotal, body.ErrorMessage)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// ownedSession loads the session named in the path. Keys pinned to a branch
// only see that branch's sessions.
func (s *HTTPServer) ownedSession(r *http.Request) (*models.SyncSession, error) {
	id := r.PathValue("id")
	session, err := s.svc.Protocol.GetSync(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if bound := boundBranch(r); bound > 0 && session.BranchID != bound {
		return nil, fmt.Errorf("%w: %s", protocol.ErrSyncNotFound, id)
	}
	return session, nil
}

func (s *HTTPServer) handleReportHealth(w http.ResponseWriter, r *http.Request) {
	branchID, ok := callerBranch(r)
	if !ok {
		s.writeServiceError(w, r, errBranchRequired)
		return
	}
	var body healthBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	snap := &models.HealthSnapshot{
		BranchID:    branchID,
		Status:      body.Status,
		SystemInfo:  body.SystemInfo,
		NetworkInfo: body.NetworkInfo,
	}
	if err := s.svc.Protocol.ReportHealth(r.Context(), snap); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "reported_at": snap.ReportedAt})
}

func (s *HTTPServer) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	branchID, ok := callerBranch(r)
	if !ok {
		s.writeServiceError(w, r, errBranchRequired)
		return
	}
	snap, err := s.svc.Protocol.GetHealth(r.Context(), branchID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *HTTPServer) handlePing(w http.ResponseWriter, r *http.Request) {
	var body pingBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Protocol.Ping(body.Timestamp, body.Sequence))
}
