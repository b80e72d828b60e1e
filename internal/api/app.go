package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentsh/execgate/internal/allowlist"
	"github.com/agentsh/execgate/internal/approvals"
	"github.com/agentsh/execgate/internal/auth"
	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/metrics"
	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/internal/shellcmd"
	"github.com/agentsh/execgate/internal/store"
	"github.com/agentsh/execgate/pkg/types"
)

// Options wires an App. Only Checker and Gate are required. A nil Auth
// serves every route without authentication.
type Options struct {
	Checker      *policy.Checker
	Gate         *approvals.Gate
	Approvals    *approvals.Manager
	Store        store.EventStore
	Broker       *events.Broker
	Emitter      approvals.Emitter
	Allowlist    *allowlist.FileStore
	Metrics      *metrics.Collector
	Auth         *auth.APIKeyAuth
	DefaultAgent string
	Logger       *slog.Logger
}

type App struct {
	checker      *policy.Checker
	gate         *approvals.Gate
	approvals    *approvals.Manager
	store        store.EventStore
	broker       *events.Broker
	emit         approvals.Emitter
	allowlist    *allowlist.FileStore
	metrics      *metrics.Collector
	apiKeyAuth   *auth.APIKeyAuth
	defaultAgent string
	logger       *slog.Logger
}

func NewApp(opts Options) (*App, error) {
	if opts.Checker == nil || opts.Gate == nil {
		return nil, fmt.Errorf("api: checker and gate are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	agent := opts.DefaultAgent
	if agent == "" {
		agent = "default"
	}
	return &App{
		checker:      opts.Checker,
		gate:         opts.Gate,
		approvals:    opts.Approvals,
		store:        opts.Store,
		broker:       opts.Broker,
		emit:         opts.Emitter,
		allowlist:    opts.Allowlist,
		metrics:      opts.Metrics,
		apiKeyAuth:   opts.Auth,
		defaultAgent: agent,
		logger:       logger,
	}, nil
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })

	r.Group(func(r chi.Router) {
		r.Use(a.authMiddleware)

		if a.metrics != nil {
			r.Method(http.MethodGet, "/metrics", a.metrics.Handler(metrics.HandlerOptions{
				PendingApprovals: a.pendingCount,
				AllowlistEntries: a.allowlistCount,
			}))
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/check", a.check)
			r.Post("/analyze", a.analyze)

			r.Get("/checks/{id}", a.getCheck)
			r.Post("/checks/{id}/recheck", a.recheck)
			r.Delete("/checks/{id}", a.cancelCheck)

			r.Get("/approvals", a.listApprovals)
			r.Get("/approvals/{id}", a.getApproval)
			r.With(a.requireRole(auth.Role.CanResolve)).Post("/approvals/{id}", a.resolveApproval)

			r.Get("/allowlist", a.listAllowlist)
			r.With(a.requireRole(auth.Role.CanAdmin)).Post("/allowlist", a.addAllowlist)
			r.With(a.requireRole(auth.Role.CanAdmin)).Delete("/allowlist", a.removeAllowlist)

			r.Get("/events", a.searchEvents)
			r.Get("/events/stream", a.streamEvents)
		})
	})

	return r
}

type roleKey struct{}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	if a.apiKeyAuth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(a.apiKeyAuth.HeaderName())
		if key == "" || !a.apiKeyAuth.IsAllowed(key) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), roleKey{}, a.apiKeyAuth.RoleForKey(key))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole rejects callers whose key role fails allowed. Without auth
// every caller passes.
func (a *App) requireRole(allowed func(auth.Role) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a.apiKeyAuth != nil {
				role, _ := r.Context().Value(roleKey{}).(auth.Role)
				if !allowed(role) {
					writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *App) decodeRequest(w http.ResponseWriter, r *http.Request) (policy.Request, bool) {
	var req policy.Request
	if !decodeJSON(w, r, &req, "invalid check request") {
		return req, false
	}
	if strings.TrimSpace(req.Command) == "" && len(req.Argv) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "command or argv is required"})
		return req, false
	}
	if req.Agent == "" {
		req.Agent = a.defaultAgent
	}
	return req, true
}

func (a *App) check(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeRequest(w, r)
	if !ok {
		return
	}
	t, err := a.gate.Evaluate(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, t)
	case errors.Is(err, approvals.ErrRegistrationFailed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
	case r.Context().Err() != nil:
		// Client went away; the ticket stays pending for a recheck.
		a.logger.Debug("check abandoned", "id", t.ID)
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "ticket": t})
	}
}

type analyzeResponse struct {
	Analysis shellcmd.ExecCommandAnalysis `json:"analysis"`
	Result   policy.Result                `json:"result"`
}

// analyze is a dry run: nothing is registered and no allowlist state changes.
func (a *App) analyze(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeRequest(w, r)
	if !ok {
		return
	}
	res := a.checker.Check(req)
	a.emitEvent(r.Context(), types.Event{
		Type:      string(events.EventCommandAnalyzed),
		SessionID: req.SessionID,
		Command:   res.Command,
		Policy:    &types.PolicyInfo{Decision: res.Decision, Message: res.Reason},
		Fields:    map[string]any{"agent": req.Agent, "analysis_ok": res.Evaluation.AnalysisOK},
	})
	writeJSON(w, http.StatusOK, analyzeResponse{Analysis: a.checker.Analyze(req), Result: res})
}

func (a *App) getCheck(w http.ResponseWriter, r *http.Request) {
	t, ok := a.gate.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "check not found"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *App) recheck(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid timeout"})
			return
		}
		timeout = d
	}
	t, err := a.gate.Recheck(r.Context(), chi.URLParam(r, "id"), timeout)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, t)
	case errors.Is(err, approvals.ErrUnknownRequest):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "check not found"})
	case r.Context().Err() != nil:
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

func (a *App) cancelCheck(w http.ResponseWriter, r *http.Request) {
	t, err := a.gate.Cancel(chi.URLParam(r, "id"), r.URL.Query().Get("reason"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "check not found"})
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *App) listApprovals(w http.ResponseWriter, r *http.Request) {
	if a.approvals == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, a.approvals.ListPending())
}

type approvalView struct {
	Request    approvals.Request     `json:"request"`
	Resolution *approvals.Resolution `json:"resolution,omitempty"`
	Ticket     *approvals.Ticket     `json:"ticket,omitempty"`
}

func (a *App) getApproval(w http.ResponseWriter, r *http.Request) {
	if a.approvals == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "approvals not enabled"})
		return
	}
	id := chi.URLParam(r, "id")
	req, res, ok := a.approvals.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "approval not found"})
		return
	}
	view := approvalView{Request: req, Resolution: res}
	if t, ok := a.gate.Get(id); ok {
		view.Ticket = &t
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *App) resolveApproval(w http.ResponseWriter, r *http.Request) {
	if a.approvals == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "approvals not enabled"})
		return
	}
	id := chi.URLParam(r, "id")
	var req struct {
		Decision string `json:"decision"` // allow-once, allow-always or deny
		Reason   string `json:"reason"`
	}
	if !decodeJSON(w, r, &req, "") {
		return
	}
	decision := parseDecision(req.Decision)
	if !decision.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("invalid decision %q", req.Decision)})
		return
	}
	err := a.approvals.Resolve(id, decision, req.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "decision": decision})
	case errors.Is(err, approvals.ErrUnknownRequest):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "approval not found"})
	case errors.Is(err, approvals.ErrAlreadyResolved):
		writeJSON(w, http.StatusConflict, map[string]any{"error": "approval already resolved"})
	case errors.Is(err, approvals.ErrExpired):
		writeJSON(w, http.StatusGone, map[string]any{"error": "approval expired"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
}

// parseDecision accepts the canonical names plus approve/allow for allow-once.
func parseDecision(s string) types.ApprovalDecision {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "allow", "once":
		return types.ApprovalAllowOnce
	case "always":
		return types.ApprovalAllowAlways
	default:
		return types.ApprovalDecision(strings.ToLower(strings.TrimSpace(s)))
	}
}

func (a *App) listAllowlist(w http.ResponseWriter, r *http.Request) {
	if a.allowlist == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "allowlist store not configured"})
		return
	}
	if agent := r.URL.Query().Get("agent"); agent != "" {
		writeJSON(w, http.StatusOK, a.allowlist.Entries(agent))
		return
	}
	out := make(map[string][]allowlist.Entry)
	for _, agent := range a.allowlist.Agents() {
		out[agent] = a.allowlist.Entries(agent)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) addAllowlist(w http.ResponseWriter, r *http.Request) {
	if a.allowlist == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "allowlist store not configured"})
		return
	}
	var req struct {
		Agent    string   `json:"agent"`
		Patterns []string `json:"patterns"`
	}
	if !decodeJSON(w, r, &req, "") {
		return
	}
	if len(req.Patterns) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "patterns are required"})
		return
	}
	if req.Agent == "" {
		req.Agent = a.defaultAgent
	}
	added, err := a.allowlist.AddPatterns(req.Agent, req.Patterns)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if len(added) > 0 {
		patterns := make([]string, 0, len(added))
		for _, e := range added {
			patterns = append(patterns, e.Pattern)
		}
		a.emitEvent(r.Context(), types.Event{
			Type:   string(events.EventAllowlistUpdated),
			Fields: map[string]any{"agent": req.Agent, "patterns": patterns, "source": "api"},
		})
	}
	writeJSON(w, http.StatusOK, added)
}

func (a *App) removeAllowlist(w http.ResponseWriter, r *http.Request) {
	if a.allowlist == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "allowlist store not configured"})
		return
	}
	q := r.URL.Query()
	agent, pattern := q.Get("agent"), q.Get("pattern")
	if pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "pattern is required"})
		return
	}
	if agent == "" {
		agent = a.defaultAgent
	}
	removed, err := a.allowlist.Remove(agent, pattern)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "pattern not found"})
		return
	}
	a.emitEvent(r.Context(), types.Event{
		Type:   string(events.EventAllowlistUpdated),
		Fields: map[string]any{"agent": agent, "removed": pattern, "source": "api"},
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *App) searchEvents(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "audit store disabled"})
		return
	}
	q, err := parseEventQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	evs, err := a.store.QueryEvents(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if evs == nil {
		evs = []types.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (a *App) streamEvents(w http.ResponseWriter, r *http.Request) {
	if a.broker == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "event stream disabled"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "stream unsupported"})
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = events.AllSessions
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.broker.Subscribe(sessionID, 200)
	defer a.broker.Unsubscribe(sessionID, ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("data: "))
			if err := enc.Encode(ev); err != nil {
				return
			}
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
		}
	}
}

func (a *App) emitEvent(ctx context.Context, ev types.Event) {
	if a.emit == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()
	if err := a.emit.AppendEvent(ctx, ev); err != nil {
		a.logger.Warn("event not stored", "type", ev.Type, "error", err)
	}
	a.emit.Publish(ev)
}

func (a *App) pendingCount() int {
	if a.approvals == nil {
		return 0
	}
	return len(a.approvals.ListPending())
}

func (a *App) allowlistCount() int {
	if a.allowlist == nil {
		return 0
	}
	n := 0
	for _, agent := range a.allowlist.Agents() {
		n += len(a.allowlist.Entries(agent))
	}
	return n
}

func parseEventQuery(r *http.Request) (types.EventQuery, error) {
	v := r.URL.Query()
	var q types.EventQuery
	q.SessionID = v.Get("session_id")
	q.CommandID = v.Get("command_id")
	q.Agent = v.Get("agent")
	if t := v.Get("type"); t != "" {
		q.Types = strings.Split(t, ",")
	}
	if decision := v.Get("decision"); decision != "" {
		d := types.Decision(decision)
		q.Decision = &d
	}
	q.PathLike = v.Get("path_like")
	q.TextLike = v.Get("text_like")
	q.Limit, _ = strconv.Atoi(v.Get("limit"))
	q.Offset, _ = strconv.Atoi(v.Get("offset"))
	q.Asc = v.Get("order") == "asc"

	if since := v.Get("since"); since != "" {
		t, err := parseTimeOrAgo(since)
		if err != nil {
			return q, fmt.Errorf("since: %w", err)
		}
		q.Since = &t
	}
	if until := v.Get("until"); until != "" {
		t, err := parseTimeOrAgo(until)
		if err != nil {
			return q, fmt.Errorf("until: %w", err)
		}
		q.Until = &t
	}
	return q, nil
}

// parseTimeOrAgo accepts RFC3339 or a duration meaning "that long ago".
func parseTimeOrAgo(s string) (time.Time, error) {
	if strings.ContainsAny(s, "smh") && !strings.Contains(s, "T") {
		d, err := time.ParseDuration(s)
		if err != nil {
			return time.Time{}, err
		}
		return time.Now().UTC().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
