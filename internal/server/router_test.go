package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/redeployr/internal/auth"
	"github.com/loykin/redeployr/internal/deploy"
	"github.com/loykin/redeployr/internal/proxy"
	"github.com/loykin/redeployr/internal/supervisor"
	"github.com/loykin/redeployr/internal/webhook"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeSupervisor struct{}

func (fakeSupervisor) Status(bool) []supervisor.WorkerStatus {
	return []supervisor.WorkerStatus{
		{Name: "app", State: "running", PID: 100, Port: 3000},
		{Name: "webhook", State: "running", PID: 101, Port: 3001},
	}
}

func (f fakeSupervisor) Worker(name string) (supervisor.WorkerStatus, bool) {
	for _, ws := range f.Status(false) {
		if ws.Name == name {
			return ws, true
		}
	}
	return supervisor.WorkerStatus{}, false
}

type fakeOrchestrator struct {
	mu       sync.Mutex
	triggers []deploy.Trigger
	outcome  deploy.Outcome
}

func (f *fakeOrchestrator) Handle(_ context.Context, t deploy.Trigger) deploy.Attempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, t)
	out := f.outcome
	if out == "" {
		out = deploy.OutcomeSuccess
	}
	return deploy.Attempt{ID: "a-1", Trigger: t.Kind, Outcome: out, Actor: t.Actor}
}

func (f *fakeOrchestrator) State() deploy.State { return deploy.Idle }

func (f *fakeOrchestrator) Recent(n int) []deploy.Attempt {
	return []deploy.Attempt{{ID: "a-1", Outcome: deploy.OutcomeSuccess}}[:min(n, 1)]
}

func (f *fakeOrchestrator) last() deploy.Trigger {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggers[len(f.triggers)-1]
}

func newHandler(t *testing.T, orch Orchestrator, opts Options) http.Handler {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "app %s %s", r.Method, r.URL.RequestURI())
	}))
	t.Cleanup(backend.Close)
	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	front, err := proxy.New([]proxy.Route{{Prefix: "/", Worker: "app"}}, map[string]int{"app": port}, nil)
	require.NoError(t, err)

	if opts.BasePath == "" {
		opts.BasePath = "/_redeployr"
	}
	return NewRouter(fakeSupervisor{}, orch, front, opts).Handler()
}

func do(h http.Handler, method, path string, body []byte, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHook_OutcomeStatus(t *testing.T) {
	cases := map[deploy.Outcome]int{
		deploy.OutcomeSuccess:          http.StatusOK,
		deploy.OutcomeSkipped:          http.StatusOK,
		deploy.OutcomeSignatureInvalid: http.StatusForbidden,
		deploy.OutcomePullFailed:       http.StatusInternalServerError,
		deploy.OutcomeBuildFailed:      http.StatusInternalServerError,
		deploy.OutcomeBusy:             http.StatusConflict,
	}
	for outcome, code := range cases {
		t.Run(string(outcome), func(t *testing.T) {
			h := newHandler(t, &fakeOrchestrator{outcome: outcome}, Options{})
			rec := do(h, http.MethodPost, "/_redeployr/hook", []byte(`{}`), nil)
			assert.Equal(t, code, rec.Code)
			var resp hookResp
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, outcome, resp.Outcome)
			assert.Equal(t, "a-1", resp.ID)
		})
	}
}

func TestHook_PassesRawBodyAndHeaders(t *testing.T) {
	orch := &fakeOrchestrator{}
	h := newHandler(t, orch, Options{})
	body := []byte(`{"ref":"refs/heads/main",  "after":"x"}`)
	sig := webhook.Sign(body, "s")
	do(h, http.MethodPost, "/_redeployr/hook", body, map[string]string{
		webhook.HeaderSignature: sig,
		webhook.HeaderEvent:     "push",
		webhook.HeaderDelivery:  "d-9",
	})
	tr := orch.last()
	assert.Equal(t, deploy.TriggerPush, tr.Kind)
	assert.Equal(t, body, tr.Body, "body must reach the verifier byte for byte")
	assert.Equal(t, sig, tr.Signature)
	assert.Equal(t, "d-9", tr.DeliveryID)

	do(h, http.MethodPost, "/_redeployr/hook", []byte(`{"restart_token":"tok"}`), nil)
	tr = orch.last()
	assert.Equal(t, deploy.TriggerManualToken, tr.Kind)
	assert.Equal(t, "tok", tr.Token)
}

func TestHook_BodyLimit(t *testing.T) {
	h := newHandler(t, &fakeOrchestrator{}, Options{MaxBodyBytes: 16})
	rec := do(h, http.MethodPost, "/_redeployr/hook", bytes.Repeat([]byte("x"), 64), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHook_RateLimit(t *testing.T) {
	h := newHandler(t, &fakeOrchestrator{}, Options{RateLimit: 0.001, Burst: 2})
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/_redeployr/hook", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/_redeployr/hook", nil, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodPost, "/_redeployr/hook", nil, nil).Code)
}

func TestAdmin_OpenWithoutAuth(t *testing.T) {
	orch := &fakeOrchestrator{}
	h := newHandler(t, orch, Options{})

	rec := do(h, http.MethodGet, "/_redeployr/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st statusResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "idle", st.DeployState)
	assert.Len(t, st.Workers, 2)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/_redeployr/status/app", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/_redeployr/status/ghost", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/_redeployr/deployments?limit=5", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/_redeployr/deployments?limit=x", nil, nil).Code)

	rec = do(h, http.MethodPost, "/_redeployr/restart", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, deploy.TriggerAdmin, orch.last().Kind)
	assert.Equal(t, "anonymous", orch.last().Actor)
}

func TestAdmin_JWT(t *testing.T) {
	svc, err := auth.NewService(auth.Config{JWTSecret: "k"})
	require.NoError(t, err)
	orch := &fakeOrchestrator{}
	h := newHandler(t, orch, Options{Auth: auth.NewMiddleware(svc)})

	viewer, err := svc.Issue("dash", []string{auth.RoleViewer}, time.Hour)
	require.NoError(t, err)
	op, err := svc.Issue("ci", []string{auth.RoleOperator}, time.Hour)
	require.NoError(t, err)
	bearer := func(tok *auth.Token) map[string]string {
		return map[string]string{"Authorization": "Bearer " + tok.Value}
	}

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/_redeployr/status", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/_redeployr/status", nil, bearer(viewer)).Code)
	assert.Equal(t, http.StatusForbidden, do(h, http.MethodPost, "/_redeployr/restart", nil, bearer(viewer)).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/_redeployr/restart", nil, bearer(op)).Code)
	assert.Equal(t, "ci", orch.last().Actor)

	// The webhook and health endpoints authenticate differently.
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/_redeployr/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodPost, "/_redeployr/hook", nil, nil).Code)
}

func TestNoRoute_Proxies(t *testing.T) {
	h := newHandler(t, &fakeOrchestrator{}, Options{})
	rec := do(h, http.MethodPost, "/api/items?x=1", []byte("payload"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "app POST /api/items?x=1", rec.Body.String())

	rec = do(h, http.MethodGet, "/_redeployr/unknown", nil, nil)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "app GET"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHandler(t, &fakeOrchestrator{}, Options{Metrics: true})
	rec := do(h, http.MethodGet, "/_redeployr/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	b, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(b), "go_goroutines")

	h = newHandler(t, &fakeOrchestrator{}, Options{})
	rec = do(h, http.MethodGet, "/_redeployr/metrics", nil, nil)
	assert.Contains(t, rec.Body.String(), "app GET /_redeployr/metrics", "falls through to the app when disabled")
}

func TestSanitizeBase(t *testing.T) {
	assert.Equal(t, "", normalizeBasePath("/"))
	assert.Equal(t, "/ops", normalizeBasePath("ops/"))
	assert.Equal(t, "/a/b", normalizeBasePath(" /a/b/ "))
}
