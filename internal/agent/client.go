package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CenterClient calls the chain center's sync protocol on behalf of one branch.
type CenterClient struct {
	baseURL    string
	branchID   int64
	apiKey     string
	apiExtra   string
	httpClient *http.Client
}

// HealthReport is the body of a health push.
type HealthReport struct {
	Status      string         `json:"status"`
	SystemInfo  map[string]any `json:"system_info"`
	NetworkInfo map[string]any `json:"network_info"`
}

type PingReply struct {
	Pong        bool      `json:"pong"`
	ServerTime  time.Time `json:"server_time"`
	Sequence    int64     `json:"sequence"`
	RoundTripMs int64     `json:"round_trip_ms"`
}

// Session mirrors the center's view of a sync session.
type Session struct {
	SyncID           string `json:"sync_id"`
	SyncType         string `json:"sync_type"`
	Status           string `json:"status"`
	RecordsProcessed int    `json:"records_processed"`
	RecordsTotal     int    `json:"records_total"`
	ErrorMessage     string `json:"error_message,omitempty"`
}

// StatusError is a non-2xx answer from the center.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("center returned http %d", e.Code)
	}
	return fmt.Sprintf("center returned http %d: %s", e.Code, e.Message)
}

func NewCenterClient(baseURL string, branchID int64, apiKey, apiExtra string, timeout time.Duration) *CenterClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CenterClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		branchID:   branchID,
		apiKey:     apiKey,
		apiExtra:   apiExtra,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *CenterClient) ReportHealth(ctx context.Context, report HealthReport) error {
	return c.doPost(ctx, "/api/v1/sync/health", report, nil)
}

// Ping sends a keepalive stamped with the local clock.
func (c *CenterClient) Ping(ctx context.Context, sequence int64) (*PingReply, error) {
	body := map[string]int64{"timestamp": time.Now().UnixMilli(), "sequence": sequence}
	var reply PingReply
	if err := c.doPost(ctx, "/api/v1/sync/ping", body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// RequestSync opens a session for an entity type and returns its id.
func (c *CenterClient) RequestSync(ctx context.Context, syncType string, since *time.Time) (string, error) {
	body := map[string]any{"sync_type": syncType}
	if since != nil {
		body["since"] = since.UTC()
	}
	var resp struct {
		SyncID string `json:"sync_id"`
	}
	if err := c.doPost(ctx, "/api/v1/sync/request", body, &resp); err != nil {
		return "", err
	}
	return resp.SyncID, nil
}

func (c *CenterClient) ReportProgress(ctx context.Context, syncID string, processed, total int) (*Session, error) {
	body := map[string]int{"records_processed": processed, "records_total": total}
	var s Session
	if err := c.doPost(ctx, "/api/v1/sync/progress/"+syncID, body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CompleteSync closes a session. errMsg is only kept by the center for failed sessions.
func (c *CenterClient) CompleteSync(ctx context.Context, syncID, status string, processed, total int, errMsg string) (*Session, error) {
	body := map[string]any{
		"status":            status,
		"records_processed": processed,
		"records_total":     total,
	}
	if errMsg != "" {
		body["error_message"] = errMsg
	}
	var s Session
	if err := c.doPost(ctx, "/api/v1/sync/complete/"+syncID, body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *CenterClient) GetSync(ctx context.Context, syncID string) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/sync/status/"+syncID, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	var s Session
	if err := c.do(req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *CenterClient) doPost(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *CenterClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &apiErr)
		return &StatusError{Code: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *CenterClient) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.apiExtra != "" {
		req.Header.Set("x-api-extra", c.apiExtra)
	}
	if c.branchID > 0 {
		req.Header.Set("X-Branch-ID", strconv.FormatInt(c.branchID, 10))
	}
}
