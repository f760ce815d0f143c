package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"chaincore/internal/config"
	"chaincore/internal/domain"
	"chaincore/internal/metrics"
	"chaincore/internal/models"

	"github.com/rs/zerolog"
)

var (
	ErrBranchServerNotFound = errors.New("branch server not found")
	ErrBranchUnavailable    = errors.New("branch server unavailable")
	ErrUnknownSyncType      = errors.New("unknown sync type")
	ErrTimeout              = errors.New("branch request timed out")
	ErrNetwork              = errors.New("branch network error")
	ErrHTTPStatus           = errors.New("branch returned error status")
	ErrDirectory            = errors.New("branch directory lookup failed")
)

const (
	endpointHealth = "health"
	endpointStatus = "status"

	maxResponseBytes = 10 << 20
)

// Request is one call to a branch node.
type Request struct {
	BranchID int64
	Endpoint string
	Method   string
	Body     interface{}
	// Timeout overrides the default per-call timeout when positive.
	Timeout time.Duration
}

// Result is the uniform outcome of a dispatch. Failures are reported here, never
// as a returned error, so fan-out callers can treat every call alike.
type Result struct {
	Success        bool        `json:"success"`
	Data           interface{} `json:"data,omitempty"`
	Status         int         `json:"status"`
	BranchID       int64       `json:"branch_id"`
	Error          string      `json:"error,omitempty"`
	Err            error       `json:"-"`
	ResponseTimeMs int64       `json:"response_time_ms"`
}

// DecodeData re-decodes the JSON body of a successful result into v.
func (r Result) DecodeData(v interface{}) error {
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

type Options struct {
	Scheme         string
	Source         string
	DefaultTimeout time.Duration
	SyncTimeout    time.Duration
	HealthTimeout  time.Duration
	Retry          RetryPolicy
}

func OptionsFromConfig(cfg config.DispatcherConfig) Options {
	return Options{
		Scheme:         cfg.Scheme,
		Source:         cfg.SourceName,
		DefaultTimeout: time.Duration(cfg.DefaultTimeoutMs) * time.Millisecond,
		SyncTimeout:    time.Duration(cfg.SyncTimeoutMs) * time.Millisecond,
		HealthTimeout:  time.Duration(cfg.HealthTimeoutMs) * time.Millisecond,
		Retry: RetryPolicy{
			MaxAttempts:   cfg.SyncMaxAttempts,
			InitialDelay:  time.Duration(cfg.RetryInitialMs) * time.Millisecond,
			MaxDelay:      time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
			BackoffFactor: cfg.RetryBackoffFactor,
		},
	}
}

func (o *Options) applyDefaults() {
	if o.Scheme == "" {
		o.Scheme = "http"
	}
	if o.Source == "" {
		o.Source = "chain-core"
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 10 * time.Second
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = 30 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 5 * time.Second
	}
}

// Dispatcher issues authenticated, timeout-bounded calls to branch nodes and
// records every attempt in the connection health log.
type Dispatcher struct {
	directory  domain.BranchDirectory
	healthLog  domain.HealthLogWriter
	httpClient *http.Client
	opts       Options
	logger     *zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(directory domain.BranchDirectory, healthLog domain.HealthLogWriter, opts Options, logger *zerolog.Logger) *Dispatcher {
	opts.applyDefaults()
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Dispatcher{
		directory:  directory,
		healthLog:  healthLog,
		httpClient: &http.Client{},
		opts:       opts,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

// MakeRequest performs one call to a branch. The branch record is read fresh on
// every call because its status may change between calls.
func (d *Dispatcher) MakeRequest(ctx context.Context, req Request) Result {
	endpoint := strings.TrimLeft(req.Endpoint, "/")
	result := Result{BranchID: req.BranchID}

	server, err := d.directory.GetBranchServer(ctx, req.BranchID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fail(result, http.StatusNotFound, fmt.Errorf("%w: branch %d", ErrBranchServerNotFound, req.BranchID))
		}
		return fail(result, http.StatusInternalServerError, fmt.Errorf("%w: %w", ErrDirectory, err))
	}

	if !isHealthProbe(endpoint) && server.Status != models.BranchOnline {
		return fail(result, http.StatusServiceUnavailable,
			fmt.Errorf("%w: branch %d is %s", ErrBranchUnavailable, req.BranchID, server.Status))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	return d.do(ctx, server, method, endpoint, req.Body, timeout)
}

func (d *Dispatcher) do(ctx context.Context, server *models.BranchServer, method, endpoint string, body interface{}, timeout time.Duration) Result {
	result := Result{BranchID: server.BranchID}
	target := d.buildURL(server, endpoint)

	payload, err := encodeBody(body)
	if err != nil {
		return fail(result, http.StatusBadRequest, fmt.Errorf("encode request body: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, method, target, reader)
	if err != nil {
		return fail(result, http.StatusBadRequest, fmt.Errorf("build request: %w", err))
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	addHeaders(httpReq, server)

	start := time.Now()
	resp, err := d.httpClient.Do(httpReq)
	elapsed := time.Since(start)
	result.ResponseTimeMs = elapsed.Milliseconds()

	if err != nil {
		logStatus := models.HealthLogError
		wrapped := fmt.Errorf("%w: %w", ErrNetwork, err)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			logStatus = models.HealthLogTimeout
			wrapped = fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
		}
		result.Err = wrapped
		result.Error = wrapped.Error()
		d.record(ctx, server, endpoint, logStatus, elapsed, result.Error, false)
		return result
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	result.Status = resp.StatusCode
	result.Data = decodeBody(resp.Header.Get("Content-Type"), raw)

	logStatus := models.HealthLogSuccess
	switch {
	case readErr != nil:
		logStatus = models.HealthLogError
		result.Err = fmt.Errorf("%w: read body: %w", ErrNetwork, readErr)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			logStatus = models.HealthLogTimeout
			result.Err = fmt.Errorf("%w: read body: %w", ErrTimeout, readErr)
		}
		result.Error = result.Err.Error()
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		logStatus = models.HealthLogFailed
		result.Err = fmt.Errorf("%w: HTTP %d: %s", ErrHTTPStatus, resp.StatusCode, http.StatusText(resp.StatusCode))
		result.Error = result.Err.Error()
	default:
		result.Success = true
	}

	d.record(ctx, server, endpoint, logStatus, elapsed, result.Error, true)
	return result
}

// record writes the health log row and, when the branch answered, its latency.
// Failures here are logged and swallowed.
func (d *Dispatcher) record(ctx context.Context, server *models.BranchServer, endpoint, status string, elapsed time.Duration, errMsg string, answered bool) {
	metrics.ObserveDispatch(endpointLabel(endpoint), status, elapsed)

	// bookkeeping must survive a caller that already gave up
	bg := context.WithoutCancel(ctx)
	now := time.Now()

	if d.healthLog != nil {
		entry := &models.ConnectionHealthLog{
			Source:         d.opts.Source,
			Target:         fmt.Sprintf("branch-%d", server.BranchID),
			BranchID:       server.BranchID,
			Endpoint:       endpoint,
			Status:         status,
			ResponseTimeMs: elapsed.Milliseconds(),
			ErrorMessage:   errMsg,
			CreatedAt:      now,
		}
		if err := d.healthLog.AppendHealthLog(bg, entry); err != nil {
			d.logger.Warn().Err(err).Int64("branch_id", server.BranchID).Msg("failed to write connection health log")
		}
	}

	if answered {
		if err := d.directory.TouchBranchServer(bg, server.BranchID, elapsed.Milliseconds(), now); err != nil {
			d.logger.Warn().Err(err).Int64("branch_id", server.BranchID).Msg("failed to update branch response time")
		}
	}

	ev := d.logger.Debug()
	if status != models.HealthLogSuccess {
		ev = d.logger.Warn()
	}
	ev.Int64("branch_id", server.BranchID).
		Str("endpoint", endpoint).
		Str("status", status).
		Dur("elapsed", elapsed).
		Str("error", errMsg).
		Msg("branch call")
}

// MakeMultiRequest issues every request concurrently and waits for all of them.
// Results keep the order of reqs; one failure never cancels the others.
func (d *Dispatcher) MakeMultiRequest(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.MakeRequest(ctx, reqs[i])
		}(i)
	}
	wg.Wait()
	return results
}

// SyncToBranch pushes a bulk payload. Transport failures are retried per the
// retry policy; a branch that answered is never retried.
func (d *Dispatcher) SyncToBranch(ctx context.Context, branchID int64, syncType SyncType, payload interface{}) Result {
	endpoint, err := syncType.Endpoint()
	if err != nil {
		return fail(Result{BranchID: branchID}, http.StatusBadRequest, err)
	}

	req := Request{
		BranchID: branchID,
		Endpoint: endpoint,
		Method:   http.MethodPost,
		Body:     payload,
		Timeout:  d.opts.SyncTimeout,
	}

	var res Result
	attempts := d.opts.Retry.attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		res = d.MakeRequest(ctx, req)
		if res.Success || !retryable(res) || attempt == attempts {
			break
		}
		delay := d.opts.Retry.NextDelay(attempt)
		d.logger.Info().
			Int64("branch_id", branchID).
			Str("sync_type", syncType.String()).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("retrying branch sync")
		if err := d.sleep(ctx, delay); err != nil {
			break
		}
	}
	return res
}

// TestConnection probes the branch health endpoint. It bypasses the status
// check so stale statuses can be corrected.
func (d *Dispatcher) TestConnection(ctx context.Context, branchID int64) Result {
	return d.MakeRequest(ctx, Request{
		BranchID: branchID,
		Endpoint: endpointHealth,
		Method:   http.MethodGet,
		Timeout:  d.opts.HealthTimeout,
	})
}

func (d *Dispatcher) GetBranchStatus(ctx context.Context, branchID int64) Result {
	return d.MakeRequest(ctx, Request{
		BranchID: branchID,
		Endpoint: endpointStatus,
		Method:   http.MethodGet,
		Timeout:  d.opts.HealthTimeout,
	})
}

// buildURL picks the address by network type: vpn, then public, then LAN.
func (d *Dispatcher) buildURL(server *models.BranchServer, endpoint string) string {
	host := server.IPAddress
	switch {
	case server.NetworkType == models.NetworkVPN && server.VPNAddress != "":
		host = server.VPNAddress
	case server.NetworkType == models.NetworkPublic && server.PublicAddress != "":
		host = server.PublicAddress
	}
	return fmt.Sprintf("%s://%s:%d/%s", d.opts.Scheme, host, server.APIPort, endpoint)
}

func addHeaders(req *http.Request, server *models.BranchServer) {
	if server.APIKey == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+server.APIKey)
	req.Header.Set("X-API-Key", server.APIKey)
}

func isHealthProbe(endpoint string) bool {
	return endpointLabel(endpoint) == endpointHealth
}

// endpointLabel drops the query string so metric labels stay bounded.
func endpointLabel(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	return strings.Trim(endpoint, "/")
}

func encodeBody(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(body)
	}
}

func decodeBody(contentType string, raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if strings.HasSuffix(mediaType, "json") {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func fail(res Result, status int, err error) Result {
	res.Success = false
	res.Status = status
	res.Err = err
	res.Error = err.Error()
	return res
}
