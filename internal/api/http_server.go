package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chaincore/internal/config"
	"chaincore/internal/dispatcher"
	"chaincore/internal/metrics"
	"chaincore/internal/models"
	"chaincore/internal/onec"
	"chaincore/internal/protocol"
	"chaincore/internal/scheduler"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 10 << 20

var errBadRequest = errors.New("bad request")

type SyncProtocol interface {
	RequestSync(ctx context.Context, branchID int64, entity models.EntityType, since *time.Time) (*models.SyncSession, error)
	ReportProgress(ctx context.Context, id string, processed, total int) (*models.SyncSession, error)
	CompleteSync(ctx context.Context, id string, status models.SessionStatus, processed, total int, errMsg string) (*models.SyncSession, error)
	GetSync(ctx context.Context, id string) (*models.SyncSession, error)
	ReportHealth(ctx context.Context, snap *models.HealthSnapshot) error
	GetHealth(ctx context.Context, branchID int64) (*models.HealthSnapshot, error)
	Ping(timestampMs, sequence int64) protocol.PingReply
}

type TaskScheduler interface {
	GetStatus() scheduler.Status
	GetTasks() []*models.SyncTask
	GetTask(id string) (*models.SyncTask, bool)
	AddTask(ctx context.Context, spec models.TaskSpec) (string, error)
	RemoveTask(ctx context.Context, id string) bool
	RunTaskNow(ctx context.Context, id string) (*models.SyncResult, error)
	GetTaskHistory(ctx context.Context, id string, limit int) ([]models.SyncResult, error)
	LastResult(ctx context.Context, id string) (*models.SyncResult, bool, error)
}

type BranchDispatcher interface {
	TestConnection(ctx context.Context, branchID int64) dispatcher.Result
	GetBranchStatus(ctx context.Context, branchID int64) dispatcher.Result
	SyncToBranch(ctx context.Context, branchID int64, syncType dispatcher.SyncType, payload interface{}) dispatcher.Result
}

type OneCIngestor interface {
	IngestProducts(ctx context.Context, products []*models.Product) (int, error)
	IngestInventory(ctx context.Context, items []*models.InventoryItem) (int, error)
	IngestEmployees(ctx context.Context, employees []*models.Employee) (int, error)
}

// Services groups the components served over HTTP. A nil member leaves its
// routes unregistered.
type Services struct {
	Protocol  SyncProtocol
	Scheduler TaskScheduler
	Branches  BranchDispatcher
	OneC      OneCIngestor
}

// HTTPServer exposes the protocol, admin and integration endpoints.
type HTTPServer struct {
	cfg    *config.APIConfig
	svc    Services
	server *http.Server
	auth   *HTTPAuth
	log    zerolog.Logger
}

func NewHTTPServer(cfg *config.APIConfig, svc Services, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{cfg: cfg, svc: svc, auth: NewHTTPAuth(cfg), log: zerolog.Nop()}
	if logger != nil {
		srv.log = logger.With().Str("component", "http").Logger()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	if svc.Protocol != nil {
		mux.HandleFunc("POST /api/v1/sync/request", srv.handleSyncRequest)
		mux.HandleFunc("GET /api/v1/sync/status/{id}", srv.handleSyncStatus)
		mux.HandleFunc("POST /api/v1/sync/progress/{id}", srv.handleSyncProgress)
		mux.HandleFunc("POST /api/v1/sync/complete/{id}", srv.handleSyncComplete)
		mux.HandleFunc("POST /api/v1/sync/health", srv.handleReportHealth)
		mux.HandleFunc("GET /api/v1/sync/health", srv.handleGetHealth)
		mux.HandleFunc("POST /api/v1/sync/ping", srv.handlePing)
	}
	if svc.Scheduler != nil {
		mux.HandleFunc("GET /api/v1/scheduler/status", srv.handleSchedulerStatus)
		mux.HandleFunc("GET /api/v1/scheduler/tasks", srv.handleListTasks)
		mux.HandleFunc("POST /api/v1/scheduler/tasks", srv.handleAddTask)
		mux.HandleFunc("GET /api/v1/scheduler/tasks/{id}", srv.handleGetTask)
		mux.HandleFunc("DELETE /api/v1/scheduler/tasks/{id}", srv.handleRemoveTask)
		mux.HandleFunc("POST /api/v1/scheduler/tasks/{id}/run", srv.handleRunTask)
		mux.HandleFunc("GET /api/v1/scheduler/tasks/{id}/history", srv.handleTaskHistory)
	}
	if svc.Branches != nil {
		mux.HandleFunc("GET /api/v1/branches/{id}/connection", srv.handleBranchConnection)
		mux.HandleFunc("GET /api/v1/branches/{id}/status", srv.handleBranchStatus)
		mux.HandleFunc("POST /api/v1/branches/{id}/sync/{type}", srv.handleBranchSync)
	}
	if svc.OneC != nil {
		mux.HandleFunc("POST /api/v1/integrations/1c/products", srv.handleOneCProducts)
		mux.HandleFunc("POST /api/v1/integrations/1c/inventory", srv.handleOneCInventory)
		mux.HandleFunc("POST /api/v1/integrations/1c/employees", srv.handleOneCEmployees)
	}

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(srv.auth.Wrap(countRequests(mux))),
		ReadHeaderTimeout: 5 * time.Second,
		// branch sync pushes wait on the branch for up to the sync timeout
		WriteTimeout: 60 * time.Second,
	}

	return srv
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// countRequests labels the request counter with the matched route pattern.
func countRequests(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)
	})
}

// writeServiceError maps domain errors to HTTP status codes. Unexpected
// errors are logged and hidden from the caller.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound),
		errors.Is(err, protocol.ErrSyncNotFound),
		errors.Is(err, protocol.ErrHealthNotFound),
		errors.Is(err, dispatcher.ErrBranchServerNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, dispatcher.ErrBranchUnavailable),
		errors.Is(err, scheduler.ErrSchedulerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, errBadRequest),
		errors.Is(err, scheduler.ErrInvalidTask),
		errors.Is(err, protocol.ErrInvalidRequest),
		errors.Is(err, protocol.ErrInvalidStatus),
		errors.Is(err, onec.ErrInvalidPayload),
		errors.Is(err, dispatcher.ErrUnknownSyncType):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", errBadRequest, err)
	}
	return nil
}

func pathInt64(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", errBadRequest, name)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
