package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"chaincore/internal/dispatcher"
)

func (s *HTTPServer) handleBranchConnection(w http.ResponseWriter, r *http.Request) {
	branchID, err := pathInt64(r, "id")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeResult(w, s.svc.Branches.TestConnection(r.Context(), branchID))
}

func (s *HTTPServer) handleBranchStatus(w http.ResponseWriter, r *http.Request) {
	branchID, err := pathInt64(r, "id")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeResult(w, s.svc.Branches.GetBranchStatus(r.Context(), branchID))
}

// handleBranchSync forwards the request body verbatim as the sync payload.
func (s *HTTPServer) handleBranchSync(w http.ResponseWriter, r *http.Request) {
	branchID, err := pathInt64(r, "id")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	var payload json.RawMessage
	if err := decodeJSON(w, r, &payload); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	syncType := dispatcher.ParseSyncType(r.PathValue("type"))
	writeResult(w, s.svc.Branches.SyncToBranch(r.Context(), branchID, syncType, payload))
}

// writeResult always sends the dispatch result; only the status code varies.
func writeResult(w http.ResponseWriter, res dispatcher.Result) {
	writeJSON(w, resultStatus(res), res)
}

func resultStatus(res dispatcher.Result) int {
	switch {
	case res.Success:
		return http.StatusOK
	case errors.Is(res.Err, dispatcher.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(res.Err, dispatcher.ErrNetwork), errors.Is(res.Err, dispatcher.ErrHTTPStatus):
		return http.StatusBadGateway
	case res.Status >= 400:
		return res.Status
	default:
		return http.StatusBadGateway
	}
}
