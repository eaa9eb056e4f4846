package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/enclave/internal/callback"
	"github.com/GriffinCanCode/enclave/internal/domain/session"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/enclave/internal/policy"
	"github.com/GriffinCanCode/enclave/internal/sandbox"
	"github.com/GriffinCanCode/enclave/internal/shared/id"
	"github.com/GriffinCanCode/enclave/internal/shared/types"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func newTestRouter(t *testing.T, limits policy.ResourceLimits) (*gin.Engine, *session.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	add := callback.Func("add", "Adds two numbers", func(_ context.Context, args addArgs) (any, error) {
		return args.A + args.B, nil
	})
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	sb, err := sandbox.NewBuilder().
		WithCallback(add).
		WithResourceLimits(limits).
		WithMetrics(metrics).
		Build()
	require.NoError(t, err)

	store, err := session.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	mgr := session.NewManager(session.NewRegistry(sb, store, nil, metrics), session.ManagerConfig{MaxSessions: 2}, nil, metrics)

	r := gin.New()
	NewHandlers(mgr, metrics, nil, nil).Register(r)
	return r, mgr
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		data, err := sonic.Marshal(body)
		require.NoError(t, err)
		buf.Write(data)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func createSession(t *testing.T, r http.Handler) id.SessionID {
	t.Helper()
	w := do(t, r, http.MethodPost, "/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[SessionResponse](t, w).ID
}

func TestHealthAndCallbacks(t *testing.T) {
	r, _ := newTestRouter(t, policy.DefaultResourceLimits())

	w := do(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	w = do(t, r, http.MethodGet, "/callbacks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Callbacks []callback.Descriptor `json:"callbacks"`
	}](t, w)
	require.Len(t, body.Callbacks, 1)
	assert.Equal(t, "add", body.Callbacks[0].Name)
}

func TestExecuteFlow(t *testing.T) {
	r, _ := newTestRouter(t, policy.DefaultResourceLimits())
	sid := createSession(t, r)
	base := "/sessions/" + sid.String()

	w := do(t, r, http.MethodPost, base+"/execute", types.ExecuteRequest{Code: `globalThis.total = await add({a: 2, b: 3});`})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[types.ExecuteResponse](t, w)
	assert.Nil(t, resp.Error)
	assert.Equal(t, uint32(1), resp.Stats.CallbackInvocations)

	w = do(t, r, http.MethodPost, base+"/execute", types.ExecuteRequest{Code: `print(total * 2)`})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10\n", decode[types.ExecuteResponse](t, w).Stdout)

	w = do(t, r, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode[SessionResponse](t, w)
	assert.Contains(t, info.Globals, "total")
	assert.Equal(t, uint64(2), info.Stats.ExecutionCount)

	w = do(t, r, http.MethodPost, base+"/clear", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[SessionResponse](t, w).Globals)

	w = do(t, r, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), sid.String())

	w = do(t, r, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, r, http.MethodPost, base+"/execute", types.ExecuteRequest{Code: "1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecuteGuestFailures(t *testing.T) {
	limits := policy.DefaultResourceLimits()
	limits.ExecutionTimeout = 200 * time.Millisecond
	r, _ := newTestRouter(t, limits)
	base := "/sessions/" + createSession(t, r).String()

	tests := []struct {
		name   string
		code   string
		kind   string
		stdout string
	}{
		{"exception", "print('partial');\nthrow new Error('boom');", KindExecutionFailed, "partial\n"},
		{"timeout", "while (true) {}", KindTimeout, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, base+"/execute", types.ExecuteRequest{Code: tt.code})
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			resp := decode[types.ExecuteResponse](t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.kind, resp.Error.Kind)
			assert.Equal(t, tt.stdout, resp.Stdout)
		})
	}
}

func TestRequestErrors(t *testing.T) {
	r, _ := newTestRouter(t, policy.DefaultResourceLimits())
	base := "/sessions/" + createSession(t, r).String()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"malformed id", http.MethodPost, "/sessions/nope/execute", types.ExecuteRequest{Code: "1"}, http.StatusNotFound, KindNotFound},
		{"unknown id", http.MethodGet, "/sessions/" + id.NewSessionID().String(), nil, http.StatusNotFound, KindNotFound},
		{"missing code", http.MethodPost, base + "/execute", map[string]string{}, http.StatusBadRequest, KindInvalidRequest},
		{"invalid utf8", http.MethodPost, base + "/execute", types.ExecuteRequest{Code: "\xff"}, http.StatusBadRequest, KindInvalidRequest},
		{"bad save name", http.MethodPost, base + "/save", types.SaveSessionRequest{Name: "../etc"}, http.StatusBadRequest, KindInvalidRequest},
		{"unknown stored", http.MethodPost, "/stored/ghost/load", nil, http.StatusNotFound, KindNotFound},
		{"empty restore", http.MethodPost, base + "/restore", types.SnapshotPayload{}, http.StatusBadRequest, KindInvalidRequest},
		{"corrupt restore", http.MethodPost, base + "/restore", types.SnapshotPayload{Data: []byte("junk")}, http.StatusUnprocessableEntity, KindSnapshot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.kind, decode[types.ErrorResponse](t, w).Kind)
		})
	}
}

func TestSessionLimit(t *testing.T) {
	r, mgr := newTestRouter(t, policy.DefaultResourceLimits())
	createSession(t, r)
	createSession(t, r)

	// Both sessions were just used, so neither is evicted.
	w := do(t, r, http.MethodPost, "/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, KindTooManySessions, decode[types.ErrorResponse](t, w).Kind)
	assert.Equal(t, 2, mgr.Len())
}

func TestSnapshotAndRestore(t *testing.T) {
	r, _ := newTestRouter(t, policy.DefaultResourceLimits())
	src := "/sessions/" + createSession(t, r).String()
	dst := "/sessions/" + createSession(t, r).String()

	w := do(t, r, http.MethodPost, src+"/execute", types.ExecuteRequest{Code: `var cfg = {retries: 3, hosts: ["a", "b"]}; var fn = () => 1;`})
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, src+"/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)
	payload := decode[types.SnapshotPayload](t, w)
	assert.Equal(t, uint64(1), payload.ExecutionCount)
	assert.Equal(t, []string{"fn"}, payload.Skipped)

	req := httptest.NewRequest(http.MethodGet, src+"/snapshot", nil)
	req.Header.Set("If-None-Match", etag)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotModified, w.Code)

	w = do(t, r, http.MethodPost, dst+"/restore", payload)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, r, http.MethodPost, dst+"/execute", types.ExecuteRequest{Code: `print(cfg.retries, cfg.hosts.join(","))`})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3 a,b\n", decode[types.ExecuteResponse](t, w).Stdout)
}

func TestSaveAndLoadStored(t *testing.T) {
	r, mgr := newTestRouter(t, policy.DefaultResourceLimits())
	sid := createSession(t, r)
	base := "/sessions/" + sid.String()

	w := do(t, r, http.MethodPost, base+"/execute", types.ExecuteRequest{Code: `var counter = 41;`})
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodPost, base+"/save", types.SaveSessionRequest{Name: "work"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, mgr.Delete(sid))

	w = do(t, r, http.MethodGet, "/stored", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"work"`)

	w = do(t, r, http.MethodPost, "/stored/work/load", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	loaded := decode[SessionResponse](t, w)
	assert.True(t, loaded.Loaded)
	assert.Equal(t, "work", loaded.Name)

	w = do(t, r, http.MethodPost, "/sessions/"+loaded.ID.String()+"/execute", types.ExecuteRequest{Code: `print(++counter)`})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "42\n", decode[types.ExecuteResponse](t, w).Stdout)

	w = do(t, r, http.MethodPost, "/sessions", types.CreateSessionRequest{Name: "work"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.True(t, decode[SessionResponse](t, w).Loaded)

	w = do(t, r, http.MethodDelete, "/stored/work", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, r, http.MethodDelete, "/stored/work", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsJSON(t *testing.T) {
	r, _ := newTestRouter(t, policy.DefaultResourceLimits())
	base := "/sessions/" + createSession(t, r).String()
	do(t, r, http.MethodPost, base+"/execute", types.ExecuteRequest{Code: "1"})
	do(t, r, http.MethodPost, base+"/execute", types.ExecuteRequest{Code: "throw 1"})

	w := do(t, r, http.MethodGet, "/metrics/json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[MetricsSummary](t, w)
	assert.Equal(t, int64(2), summary.TotalExecutions)
	assert.Equal(t, int64(1), summary.FailedExecutions)
	assert.InDelta(t, 0.5, summary.ErrorRate, 1e-9)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{&sandbox.ExecutionError{Message: "boom", Line: 3}, http.StatusUnprocessableEntity, KindExecutionFailed},
		{fmt.Errorf("wrapped: %w", sandbox.ErrMemoryLimit), http.StatusUnprocessableEntity, KindMemoryLimit},
		{sandbox.ErrNetworkDisabled, http.StatusConflict, KindNetworkDisabled},
		{session.ErrCorrupt, http.StatusUnprocessableEntity, KindSnapshot},
		{context.Canceled, 499, KindCancelled},
		{errors.New("disk on fire"), http.StatusInternalServerError, KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			status, body := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.kind, body.Kind)
		})
	}
}
