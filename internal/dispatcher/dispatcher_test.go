package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chaincore/internal/domain"
	"chaincore/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	mu       sync.Mutex
	servers  map[int64]*models.BranchServer
	touched  map[int64]int64
	logs     []*models.ConnectionHealthLog
	err      error
	touchErr error
}

func newFakeDirectory(servers ...*models.BranchServer) *fakeDirectory {
	d := &fakeDirectory{servers: map[int64]*models.BranchServer{}, touched: map[int64]int64{}}
	for _, s := range servers {
		d.servers[s.BranchID] = s
	}
	return d
}

func (f *fakeDirectory) GetBranchServer(_ context.Context, branchID int64) (*models.BranchServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.servers[branchID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeDirectory) ListActiveBranchServers(_ context.Context) ([]*models.BranchServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.BranchServer
	for _, s := range f.servers {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeDirectory) TouchBranchServer(_ context.Context, branchID, ms int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[branchID] = ms
	return f.touchErr
}

func (f *fakeDirectory) AppendHealthLog(_ context.Context, entry *models.ConnectionHealthLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, entry)
	return nil
}

func (f *fakeDirectory) logCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs)
}

func (f *fakeDirectory) lastLog() *models.ConnectionHealthLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.logs) == 0 {
		return nil
	}
	return f.logs[len(f.logs)-1]
}

// branchFor points a branch record at a test server.
func branchFor(t *testing.T, id int64, srv *httptest.Server, status string) *models.BranchServer {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &models.BranchServer{
		BranchID:    id,
		IPAddress:   host,
		APIPort:     port,
		APIKey:      "branch-key",
		NetworkType: models.NetworkLAN,
		Status:      status,
		IsActive:    true,
	}
}

func newTestDispatcher(dir *fakeDirectory) *Dispatcher {
	d := New(dir, dir, Options{
		DefaultTimeout: 2 * time.Second,
		SyncTimeout:    2 * time.Second,
		HealthTimeout:  time.Second,
		Retry:          RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond},
	}, nil)
	d.sleep = func(context.Context, time.Duration) error { return nil }
	return d
}

func TestMakeRequest_Success(t *testing.T) {
	var gotAuth, gotKey, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-API-Key")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "count": 3})
	}))
	defer srv.Close()

	dir := newFakeDirectory(branchFor(t, 1, srv, models.BranchOnline))
	d := newTestDispatcher(dir)

	res := d.MakeRequest(context.Background(), Request{BranchID: 1, Endpoint: "/api/sync/products", Method: http.MethodPost, Body: map[string]int{"a": 1}})

	require.True(t, res.Success, res.Error)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, int64(1), res.BranchID)
	assert.Equal(t, "Bearer branch-key", gotAuth)
	assert.Equal(t, "branch-key", gotKey)
	assert.Equal(t, "/api/sync/products", gotPath)

	data, ok := res.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["ok"])

	var decoded struct {
		Count int `json:"count"`
	}
	require.NoError(t, res.DecodeData(&decoded))
	assert.Equal(t, 3, decoded.Count)

	require.Equal(t, 1, dir.logCount())
	log := dir.lastLog()
	assert.Equal(t, models.HealthLogSuccess, log.Status)
	assert.Equal(t, "chain-core", log.Source)
	assert.Equal(t, "branch-1", log.Target)
	_, touched := dir.touched[1]
	assert.True(t, touched)
}

func TestMakeRequest_TextBodyAndNoKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	branch := branchFor(t, 1, srv, models.BranchOnline)
	branch.APIKey = ""
	d := newTestDispatcher(newFakeDirectory(branch))

	res := d.MakeRequest(context.Background(), Request{BranchID: 1, Endpoint: "status"})
	require.True(t, res.Success)
	assert.Equal(t, "pong", res.Data)
	assert.Empty(t, gotAuth)
}

func TestMakeRequest_NotFound(t *testing.T) {
	dir := newFakeDirectory()
	d := newTestDispatcher(dir)

	res := d.MakeRequest(context.Background(), Request{BranchID: 42, Endpoint: "status"})
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.ErrorIs(t, res.Err, ErrBranchServerNotFound)
	assert.Zero(t, dir.logCount())
}

func TestMakeRequest_DirectoryError(t *testing.T) {
	dir := newFakeDirectory()
	dir.err = errors.New("database is locked")
	d := newTestDispatcher(dir)

	res := d.MakeRequest(context.Background(), Request{BranchID: 1, Endpoint: "status"})
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.ErrorIs(t, res.Err, ErrDirectory)
}

func TestMakeRequest_OfflineSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := newFakeDirectory(branchFor(t, 1, srv, models.BranchOffline))
	d := newTestDispatcher(dir)

	res := d.MakeRequest(context.Background(), Request{BranchID: 1, Endpoint: "api/sync/products", Method: http.MethodPost})
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
	assert.ErrorIs(t, res.Err, ErrBranchUnavailable)
	assert.Zero(t, calls.Load())
	assert.Zero(t, dir.logCount())

	// health probes bypass the status check
	res = d.TestConnection(context.Background(), 1)
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, dir.logCount())
}

func TestMakeRequest_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad payload"}`))
	}))
	defer srv.Close()

	dir := newFakeDirectory(branchFor(t, 1, srv, models.BranchOnline))
	d := newTestDispatcher(dir)

	res := d.MakeRequest(context.Background(), Request{BranchID: 1, Endpoint: "api/sync/prices", Method: http.MethodPost})
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)
	assert.ErrorIs(t, res.Err, ErrHTTPStatus)
	assert.Contains(t, res.Error, "422")
	assert.Equal(t, map[string]any{"error": "bad payload"}, res.Data)
	assert.Equal(t, models.HealthLogFailed, dir.lastLog().Status)
	_, touched := dir.touched[1]
	assert.True(t, touched, "any HTTP response updates the branch record")
}

func TestMakeRequest_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	dir := newFakeDirectory(branchFor(t, 1, srv, models.BranchOnline))
	d := newTestDispatcher(dir)

	start := time.Now()
	res := d.MakeRequest(context.Background(), Request{BranchID: 1, Endpoint: "status", Timeout: 50 * time.Millisecond})
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.Equal(t, models.HealthLogTimeout, dir.lastLog().Status)
	_, touched := dir.touched[1]
	assert.False(t, touched)
}

func TestMakeRequest_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	branch := branchFor(t, 1, srv, models.BranchOnline)
	srv.Close()

	dir := newFakeDirectory(branch)
	d := newTestDispatcher(dir)

	res := d.MakeRequest(context.Background(), Request{BranchID: 1, Endpoint: "status"})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNetwork)
	assert.Equal(t, models.HealthLogError, dir.lastLog().Status)
}

func TestBuildURL_AddressPrecedence(t *testing.T) {
	d := New(newFakeDirectory(), nil, Options{Scheme: "https"}, nil)

	server := &models.BranchServer{
		IPAddress:     "10.0.0.1",
		VPNAddress:    "172.16.0.1",
		PublicAddress: "203.0.113.1",
		APIPort:       8443,
		NetworkType:   models.NetworkVPN,
	}
	assert.Equal(t, "https://172.16.0.1:8443/health", d.buildURL(server, "health"))

	server.NetworkType = models.NetworkPublic
	assert.Equal(t, "https://203.0.113.1:8443/health", d.buildURL(server, "health"))

	server.NetworkType = models.NetworkLAN
	assert.Equal(t, "https://10.0.0.1:8443/health", d.buildURL(server, "health"))

	server.NetworkType = models.NetworkVPN
	server.VPNAddress = ""
	assert.Equal(t, "https://10.0.0.1:8443/health", d.buildURL(server, "health"))
}

func TestMakeRequest_UsesVPNAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	branch := branchFor(t, 1, srv, models.BranchOnline)
	branch.VPNAddress = branch.IPAddress
	branch.PublicAddress = "192.0.2.10"
	branch.IPAddress = "192.0.2.11"
	branch.NetworkType = models.NetworkVPN

	d := newTestDispatcher(newFakeDirectory(branch))
	res := d.MakeRequest(context.Background(), Request{BranchID: 1, Endpoint: "status"})
	assert.True(t, res.Success, res.Error)
	assert.Nil(t, res.Data)
}

func TestMakeMultiRequest_SettlesAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	dir := newFakeDirectory(
		branchFor(t, 1, srv, models.BranchOnline),
		branchFor(t, 2, srv, models.BranchMaintenance),
	)
	d := newTestDispatcher(dir)

	results := d.MakeMultiRequest(context.Background(), []Request{
		{BranchID: 1, Endpoint: "status"},
		{BranchID: 2, Endpoint: "status"},
		{BranchID: 3, Endpoint: "status"},
	})

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.Equal(t, int64(1), results[0].BranchID)
	assert.Equal(t, http.StatusServiceUnavailable, results[1].Status)
	assert.Equal(t, http.StatusNotFound, results[2].Status)
}

func TestSyncToBranch(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(newFakeDirectory(branchFor(t, 1, srv, models.BranchOnline)))
	ctx := context.Background()

	for _, st := range []SyncType{SyncProducts, SyncEmployees, SyncInventory, SyncPrices} {
		res := d.SyncToBranch(ctx, 1, st, []string{"x"})
		assert.True(t, res.Success, st.String())
	}
	assert.Equal(t, []string{"/api/sync/products", "/api/sync/employees", "/api/sync/inventory", "/api/sync/prices"}, paths)
}

func TestSyncToBranch_UnknownType(t *testing.T) {
	dir := newFakeDirectory()
	d := newTestDispatcher(dir)

	res := d.SyncToBranch(context.Background(), 1, ParseSyncType("customers"), nil)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.ErrorIs(t, res.Err, ErrUnknownSyncType)
	assert.Zero(t, dir.logCount())
}

func TestSyncToBranch_RetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			// drop the connection without a response
			hj, ok := w.(http.Hijacker)
			if ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(newFakeDirectory(branchFor(t, 1, srv, models.BranchOnline)))
	res := d.SyncToBranch(context.Background(), 1, SyncInventory, map[string]any{})
	assert.True(t, res.Success, res.Error)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSyncToBranch_NoRetryOnHTTPError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDispatcher(newFakeDirectory(branchFor(t, 1, srv, models.BranchOnline)))
	res := d.SyncToBranch(context.Background(), 1, SyncProducts, nil)
	assert.False(t, res.Success)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSyncToBranch_NoRetryAfterStatusLine(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		// the branch answers, then the body is cut short
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok"`))
	}))
	defer srv.Close()

	d := newTestDispatcher(newFakeDirectory(branchFor(t, 1, srv, models.BranchOnline)))
	res := d.SyncToBranch(context.Background(), 1, SyncProducts, nil)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.ErrorIs(t, res.Err, ErrNetwork)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(Result{Err: ErrNetwork}))
	assert.True(t, retryable(Result{Err: ErrTimeout}))
	assert.False(t, retryable(Result{Status: http.StatusOK, Err: ErrNetwork}))
	assert.False(t, retryable(Result{Status: http.StatusBadGateway, Err: ErrHTTPStatus}))
}

func TestGetBranchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"online","uptime":120}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(newFakeDirectory(branchFor(t, 1, srv, models.BranchOnline)))
	res := d.GetBranchStatus(context.Background(), 1)
	require.True(t, res.Success)
	assert.Equal(t, "online", res.Data.(map[string]any)["status"])
}

func TestBookkeepingFailuresAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := newFakeDirectory(branchFor(t, 1, srv, models.BranchOnline))
	dir.touchErr = errors.New("disk full")
	d := newTestDispatcher(dir)

	res := d.MakeRequest(context.Background(), Request{BranchID: 1, Endpoint: "status"})
	assert.True(t, res.Success)
}

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffFactor: 2}
	assert.Equal(t, 100*time.Millisecond, p.NextDelay(0))
	assert.Equal(t, 100*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 300*time.Millisecond, p.NextDelay(3))

	assert.Equal(t, time.Second, RetryPolicy{}.NextDelay(1))
	assert.Equal(t, 1, RetryPolicy{}.attempts())
}

func TestSyncTypeNames(t *testing.T) {
	assert.Equal(t, SyncPrices, ParseSyncType("prices"))
	assert.Equal(t, SyncType(0), ParseSyncType("bogus"))
	assert.Equal(t, "inventory", SyncInventory.String())

	_, err := SyncType(99).Endpoint()
	assert.ErrorIs(t, err, ErrUnknownSyncType)
}
