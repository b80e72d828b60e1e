package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/execgate/internal/allowlist"
	"github.com/agentsh/execgate/internal/approvals"
	"github.com/agentsh/execgate/internal/auth"
	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/metrics"
	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/internal/store/sqlite"
	"github.com/agentsh/execgate/pkg/types"
)

type testEnv struct {
	app       *App
	handler   http.Handler
	dir       string
	manager   *approvals.Manager
	allowlist *allowlist.FileStore
	store     *sqlite.Store
}

type envOptions struct {
	timeout time.Duration
	auth    *auth.APIKeyAuth
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("executable bit stubs are POSIX only")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	for _, n := range []string{"git", "rm", "sh", "curl"} {
		require.NoError(t, os.WriteFile(filepath.Join(bin, n), []byte("#!/bin/sh\n"), 0o755))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	al := allowlist.NewFileStore(filepath.Join(dir, "allowlist.yaml"), logger)
	require.NoError(t, al.Load())
	_, err := al.AddPatterns("default", []string{filepath.Join(bin, "git")})
	require.NoError(t, err)

	st, err := sqlite.Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	collector := metrics.New()
	broker := events.NewBroker()
	emitter := events.NewEmitter(metrics.WrapEventStore(st, collector), broker, events.NewDefaultSanitizer())

	checker := policy.NewChecker(policy.CheckerConfig{
		Mode:      policy.Mode{Security: policy.SecurityAllowlist, Ask: policy.AskOnMiss, Fallback: policy.SecurityDeny},
		Allowlist: al,
		Logger:    logger,
	})
	mgr := approvals.New(types.ApprovalModeAPI, time.Minute, emitter, logger)
	timeout := opts.timeout
	if timeout == 0 {
		timeout = 20 * time.Millisecond
	}
	gate, err := approvals.NewGate(approvals.GateConfig{
		Checker:  checker,
		Approver: mgr,
		Sink:     al,
		Usage:    al,
		Timeout:  timeout,
		Emitter:  emitter,
		Metrics:  collector,
		Logger:   logger,
	})
	require.NoError(t, err)

	app, err := NewApp(Options{
		Checker:   checker,
		Gate:      gate,
		Approvals: mgr,
		Store:     st,
		Broker:    broker,
		Emitter:   emitter,
		Allowlist: al,
		Metrics:   collector,
		Auth:      opts.auth,
		Logger:    logger,
	})
	require.NoError(t, err)
	return &testEnv{app: app, handler: app.Router(), dir: bin, manager: mgr, allowlist: al, store: st}
}

func (e *testEnv) request(command string) map[string]any {
	return map[string]any{
		"command":  command,
		"cwd":      e.dir,
		"env":      map[string]string{"PATH": e.dir, "HOME": e.dir},
		"platform": "linux",
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestNewApp_RequiresCheckerAndGate(t *testing.T) {
	_, err := NewApp(Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rr := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok\n", rr.Body.String())
}

func TestCheck_AllowlistedCommandIsAllowed(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rr := env.do(t, http.MethodPost, "/api/v1/check", env.request("git status"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	ticket := decodeBody[approvals.Ticket](t, rr)
	assert.Equal(t, approvals.StateAllowed, ticket.State)
	assert.Equal(t, approvals.OutcomeAllowed, ticket.Outcome)
	assert.Empty(t, ticket.ID)

	entries := env.allowlist.Entries("default")
	require.Len(t, entries, 1)
	assert.Equal(t, "git status", entries[0].LastUsedCommand)
}

func TestCheck_Validation(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rr := env.do(t, http.MethodPost, "/api/v1/check", map[string]any{"cwd": "/"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/check", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid check request")
}

func TestCheck_RequestTooLargeReturns413(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 32)
		env.handler.ServeHTTP(w, r)
	})
	body := env.request("git status " + strings.Repeat("x", 200))
	b, _ := json.Marshal(body)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/check", bytes.NewReader(b)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestCheck_PendingThenResolvedAndRechecked(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rr := env.do(t, http.MethodPost, "/api/v1/check", env.request("rm -rf build"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	ticket := decodeBody[approvals.Ticket](t, rr)
	require.NotEmpty(t, ticket.ID)
	assert.Equal(t, approvals.StatePending, ticket.State)
	assert.Equal(t, approvals.OutcomePending, ticket.Outcome)

	rr = env.do(t, http.MethodGet, "/api/v1/approvals", nil)
	pending := decodeBody[[]approvals.Request](t, rr)
	require.Len(t, pending, 1)
	assert.Equal(t, ticket.ID, pending[0].ID)
	assert.Equal(t, "rm -rf build", pending[0].Command)

	rr = env.do(t, http.MethodPost, "/api/v1/approvals/"+ticket.ID, map[string]string{"decision": "allow-always"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.do(t, http.MethodPost, "/api/v1/checks/"+ticket.ID+"/recheck?timeout=1s", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	ticket = decodeBody[approvals.Ticket](t, rr)
	assert.Equal(t, approvals.StateAllowAlways, ticket.State)
	assert.Equal(t, []string{filepath.Join(env.dir, "rm")}, ticket.Persisted)

	rr = env.do(t, http.MethodGet, "/api/v1/approvals/"+ticket.ID, nil)
	view := decodeBody[approvalView](t, rr)
	require.NotNil(t, view.Resolution)
	assert.Equal(t, types.ApprovalAllowAlways, view.Resolution.Decision)
	require.NotNil(t, view.Ticket)
	assert.Equal(t, approvals.StateAllowAlways, view.Ticket.State)

	// The persisted pattern now satisfies the allowlist.
	rr = env.do(t, http.MethodPost, "/api/v1/check", env.request("rm -rf dist"))
	ticket = decodeBody[approvals.Ticket](t, rr)
	assert.Equal(t, approvals.StateAllowed, ticket.State)
}

func TestCheck_DecisionWithinTimeout(t *testing.T) {
	env := newTestEnv(t, envOptions{timeout: 5 * time.Second})

	done := make(chan approvals.Ticket, 1)
	go func() {
		rr := env.do(t, http.MethodPost, "/api/v1/check", env.request("rm -rf build"))
		var ticket approvals.Ticket
		_ = json.Unmarshal(rr.Body.Bytes(), &ticket)
		done <- ticket
	}()

	var id string
	require.Eventually(t, func() bool {
		pending := env.manager.ListPending()
		if len(pending) == 0 {
			return false
		}
		id = pending[0].ID
		return true
	}, 2*time.Second, 5*time.Millisecond)

	rr := env.do(t, http.MethodPost, "/api/v1/approvals/"+id, map[string]string{"decision": "deny", "reason": "not today"})
	require.Equal(t, http.StatusOK, rr.Code)

	select {
	case ticket := <-done:
		assert.Equal(t, approvals.StateDenied, ticket.State)
		assert.Equal(t, approvals.OutcomeDenied, ticket.Outcome)
		assert.Contains(t, ticket.Reason, "not today")
	case <-time.After(3 * time.Second):
		t.Fatal("check did not return after decision")
	}
}

func TestResolveApproval_Errors(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rr := env.do(t, http.MethodPost, "/api/v1/approvals/missing", map[string]string{"decision": "deny"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/check", env.request("rm x"))
	id := decodeBody[approvals.Ticket](t, rr).ID

	rr = env.do(t, http.MethodPost, "/api/v1/approvals/"+id, map[string]string{"decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/approvals/"+id, map[string]string{"decision": "approve"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/approvals/"+id, map[string]string{"decision": "deny"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestParseDecision(t *testing.T) {
	assert.Equal(t, types.ApprovalAllowOnce, parseDecision("approve"))
	assert.Equal(t, types.ApprovalAllowOnce, parseDecision(" Allow-Once "))
	assert.Equal(t, types.ApprovalAllowAlways, parseDecision("always"))
	assert.Equal(t, types.ApprovalDeny, parseDecision("deny"))
	assert.False(t, parseDecision("later").Valid())
}

func TestCancelAndGetCheck(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rr := env.do(t, http.MethodGet, "/api/v1/checks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/check", env.request("rm x"))
	id := decodeBody[approvals.Ticket](t, rr).ID

	rr = env.do(t, http.MethodDelete, "/api/v1/checks/"+id+"?reason=session+reset", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	ticket := decodeBody[approvals.Ticket](t, rr)
	assert.Equal(t, approvals.StateCanceled, ticket.State)
	assert.Equal(t, "session reset", ticket.Reason)

	rr = env.do(t, http.MethodGet, "/api/v1/checks/"+id, nil)
	assert.Equal(t, approvals.StateCanceled, decodeBody[approvals.Ticket](t, rr).State)

	rr = env.do(t, http.MethodPost, "/api/v1/checks/"+id+"/recheck?timeout=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(t, http.MethodPost, "/api/v1/checks/nope/recheck", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAnalyze_DoesNotRegister(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rr := env.do(t, http.MethodPost, "/api/v1/analyze", env.request("curl -s x | sh"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decodeBody[analyzeResponse](t, rr)
	assert.True(t, resp.Analysis.OK)
	assert.Len(t, resp.Analysis.Segments, 2)
	assert.Equal(t, types.DecisionApprove, resp.Result.Decision)
	assert.True(t, resp.Result.Obfuscation.Detected)
	assert.Empty(t, env.manager.ListPending())

	rr = env.do(t, http.MethodGet, "/api/v1/events?type=command_analyzed", nil)
	evs := decodeBody[[]types.Event](t, rr)
	require.Len(t, evs, 1)
	assert.Equal(t, "curl -s x | sh", evs[0].Command)
}

func TestAllowlistEndpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rr := env.do(t, http.MethodPost, "/api/v1/allowlist", map[string]any{"agent": "ci", "patterns": []string{"/usr/bin/make"}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	added := decodeBody[[]allowlist.Entry](t, rr)
	require.Len(t, added, 1)

	rr = env.do(t, http.MethodGet, "/api/v1/allowlist?agent=ci", nil)
	entries := decodeBody[[]allowlist.Entry](t, rr)
	require.Len(t, entries, 1)
	assert.Equal(t, "/usr/bin/make", entries[0].Pattern)

	rr = env.do(t, http.MethodGet, "/api/v1/allowlist", nil)
	all := decodeBody[map[string][]allowlist.Entry](t, rr)
	assert.Contains(t, all, "ci")
	assert.Contains(t, all, "default")

	rr = env.do(t, http.MethodPost, "/api/v1/allowlist", map[string]any{"agent": "ci"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodDelete, "/api/v1/allowlist?agent=ci&pattern=/usr/bin/make", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, http.MethodDelete, "/api/v1/allowlist?agent=ci&pattern=/usr/bin/make", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = env.do(t, http.MethodDelete, "/api/v1/allowlist?agent=ci", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/v1/events?type=allowlist_updated&order=asc", nil)
	evs := decodeBody[[]types.Event](t, rr)
	assert.Len(t, evs, 2)
}

func TestSearchEvents(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_ = env.do(t, http.MethodPost, "/api/v1/check", map[string]any{
		"command":    "git status",
		"cwd":        env.dir,
		"env":        map[string]string{"PATH": env.dir},
		"platform":   "linux",
		"session_id": "s1",
	})

	rr := env.do(t, http.MethodGet, "/api/v1/events?session_id=s1&decision=allow", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	evs := decodeBody[[]types.Event](t, rr)
	require.Len(t, evs, 1)
	assert.Equal(t, "command_checked", evs[0].Type)

	rr = env.do(t, http.MethodGet, "/api/v1/events?session_id=other", nil)
	assert.Equal(t, "[]\n", rr.Body.String())

	rr = env.do(t, http.MethodGet, "/api/v1/events?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestParseEventQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?type=a,b&decision=deny&limit=5&offset=2&order=asc&since=1h&until=2026-01-02T03:04:05Z&text_like=rm", nil)
	q, err := parseEventQuery(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, q.Types)
	require.NotNil(t, q.Decision)
	assert.Equal(t, types.DecisionDeny, *q.Decision)
	assert.Equal(t, 5, q.Limit)
	assert.Equal(t, 2, q.Offset)
	assert.True(t, q.Asc)
	assert.Equal(t, "rm", q.TextLike)
	require.NotNil(t, q.Since)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), *q.Since, time.Minute)
	require.NotNil(t, q.Until)
	assert.Equal(t, 2026, q.Until.Year())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_ = env.do(t, http.MethodPost, "/api/v1/check", env.request("rm x"))

	rr := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `execgate_checks_total{decision="approve"} 1`)
	assert.Contains(t, body, "execgate_approvals_pending 1")
	assert.Contains(t, body, "execgate_allowlist_entries 1")
}

func TestAuth_RolesGateResolution(t *testing.T) {
	keys, err := auth.ParseAPIKeys([]byte(`
- {id: agent, key: agent-key, role: agent}
- {id: human, key: human-key, role: approver}
- {id: root, key: admin-key, role: admin}
`), "")
	require.NoError(t, err)
	env := newTestEnv(t, envOptions{auth: keys})

	rr := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/check", env.request("rm x"))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/check", env.request("rm x"), "X-API-Key", "agent-key")
	require.Equal(t, http.StatusOK, rr.Code)
	id := decodeBody[approvals.Ticket](t, rr).ID

	// An agent cannot approve its own command.
	rr = env.do(t, http.MethodPost, "/api/v1/approvals/"+id, map[string]string{"decision": "allow-once"}, "X-API-Key", "agent-key")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/allowlist", map[string]any{"patterns": []string{"/bin/ls"}}, "X-API-Key", "human-key")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/approvals/"+id, map[string]string{"decision": "allow-once"}, "X-API-Key", "human-key")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPost, "/api/v1/allowlist", map[string]any{"patterns": []string{"/bin/ls"}}, "X-API-Key", "admin-key")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestStreamEvents(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: ready\n", line)

	b, _ := json.Marshal(env.request("git log"))
	post, err := srv.Client().Post(srv.URL+"/api/v1/analyze", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	_ = post.Body.Close()

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "command_analyzed") {
			break
		}
	}
	assert.Contains(t, line, "git log")
}
