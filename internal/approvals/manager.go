package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/pkg/types"
)

type Emitter interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	Publish(ev types.Event)
}

// Request is what a human is asked to decide on.
type Request struct {
	ID                  string         `json:"id"`
	CreatedAt           time.Time      `json:"created_at"`
	ExpiresAt           time.Time      `json:"expires_at"`
	SessionID           string         `json:"session_id,omitempty"`
	Agent               string         `json:"agent,omitempty"`
	Command             string         `json:"command"`
	Cwd                 string         `json:"cwd,omitempty"`
	Reason              string         `json:"reason,omitempty"`
	ObfuscationDetected bool           `json:"obfuscation_detected"`
	Obfuscation         []string       `json:"obfuscation,omitempty"`
	AllowAlwaysPatterns []string       `json:"allow_always_patterns,omitempty"`
	Fields              map[string]any `json:"fields,omitempty"`
}

type Resolution struct {
	Decision types.ApprovalDecision `json:"decision"`
	Reason   string                 `json:"reason,omitempty"`
	At       time.Time              `json:"at"`
}

// Manager holds registered requests until a human resolves them. Requests
// stay resolvable after a waiter gives up, so a late decision can still gate a
// later attempt.
type Manager struct {
	mode   types.ApprovalMode
	ttl    time.Duration
	emit   Emitter
	logger *slog.Logger
	now    func() time.Time
	prompt func(ctx context.Context, req Request) (Resolution, error)

	promptMu sync.Mutex

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	req  Request
	done chan struct{}
	res  *Resolution
}

// New creates a Manager. ttl bounds how long a request can be resolved.
func New(mode types.ApprovalMode, ttl time.Duration, emit Emitter, logger *slog.Logger) *Manager {
	if mode == "" {
		mode = types.ApprovalModeLocalTTY
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		mode:    mode,
		ttl:     ttl,
		emit:    emit,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*entry),
	}
	m.prompt = m.promptTTY
	return m
}

// Register records req and, in local_tty mode, starts prompting. It returns
// the request id.
func (m *Manager) Register(ctx context.Context, req Request) (string, error) {
	now := m.now()
	if req.ID == "" {
		req.ID = "approval-" + uuid.NewString()
	}
	req.CreatedAt = now
	req.ExpiresAt = now.Add(m.ttl)

	m.mu.Lock()
	m.pruneLocked(now)
	if _, exists := m.entries[req.ID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	m.entries[req.ID] = &entry{req: req, done: make(chan struct{})}
	m.mu.Unlock()

	m.emitEvent(ctx, events.EventApprovalRequested, req, nil)
	m.logger.Info("approval requested", "id", req.ID, "command", req.Command, "obfuscated", req.ObfuscationDetected)

	if m.mode == types.ApprovalModeLocalTTY {
		go m.runPrompt(req)
	}
	return req.ID, nil
}

func (m *Manager) runPrompt(req Request) {
	ctx, cancel := context.WithDeadline(context.Background(), req.ExpiresAt)
	defer cancel()
	res, err := m.prompt(ctx, req)
	if err != nil {
		m.logger.Warn("approval prompt failed", "id", req.ID, "error", err)
		_ = m.Resolve(req.ID, types.ApprovalDeny, err.Error())
		return
	}
	_ = m.Resolve(req.ID, res.Decision, res.Reason)
}

// WaitDecision waits up to timeout for a decision on id. A non-positive
// timeout only checks for an existing decision. ErrDecisionTimeout leaves the
// request registered; once the request outlives its TTL without a decision
// ErrExpired is returned instead.
func (m *Manager) WaitDecision(ctx context.Context, id string, timeout time.Duration) (Resolution, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	now := m.now()
	m.mu.Unlock()
	if !ok {
		return Resolution{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	select {
	case <-e.done:
		return m.resolution(e), nil
	default:
	}
	remaining := e.req.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return Resolution{}, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	if timeout <= 0 {
		return Resolution{}, ErrDecisionTimeout
	}
	expiring := remaining <= timeout
	if expiring {
		timeout = remaining
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return m.resolution(e), nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case <-timer.C:
		if expiring {
			return Resolution{}, fmt.Errorf("%w: %s", ErrExpired, id)
		}
		return Resolution{}, ErrDecisionTimeout
	}
}

func (m *Manager) resolution(e *entry) Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *e.res
}

// Resolve records the decision for id. Only the first decision counts.
func (m *Manager) Resolve(id string, decision types.ApprovalDecision, reason string) error {
	if !decision.Valid() {
		return fmt.Errorf("invalid decision %q", decision)
	}
	now := m.now()

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if e.res != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
	}
	if now.After(e.req.ExpiresAt) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExpired, id)
	}
	res := Resolution{Decision: decision, Reason: reason, At: now}
	e.res = &res
	close(e.done)
	req := e.req
	m.mu.Unlock()

	m.emitEvent(context.Background(), events.EventApprovalResolved, req, &res)
	m.logger.Info("approval resolved", "id", id, "decision", decision)
	return nil
}

// Get returns a request and its resolution, if any.
func (m *Manager) Get(id string) (Request, *Resolution, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Request{}, nil, false
	}
	if e.res == nil {
		return e.req, nil, true
	}
	res := *e.res
	return e.req, &res, true
}

// ListPending returns unresolved, unexpired requests, oldest first.
func (m *Manager) ListPending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]Request, 0, len(m.entries))
	for _, e := range m.entries {
		if e.res != nil || e.req.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, e.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// pruneLocked drops entries a full ttl past expiry.
func (m *Manager) pruneLocked(now time.Time) {
	for id, e := range m.entries {
		if now.Sub(e.req.ExpiresAt) > m.ttl {
			delete(m.entries, id)
		}
	}
}

func (m *Manager) emitEvent(ctx context.Context, evType events.EventType, req Request, res *Resolution) {
	if m.emit == nil {
		return
	}
	fields := map[string]any{
		"approval_id":          req.ID,
		"agent":                req.Agent,
		"reason":               req.Reason,
		"obfuscation_detected": req.ObfuscationDetected,
	}
	for k, v := range req.Fields {
		fields[k] = v
	}
	policy := &types.PolicyInfo{
		Decision: types.DecisionApprove,
		Approval: &types.ApprovalInfo{Required: true, ID: req.ID},
	}
	if res != nil {
		policy.Approval.Decision = res.Decision
		fields["resolution_reason"] = res.Reason
		fields["resolved_at"] = res.At.Format(time.RFC3339Nano)
	}
	ev := types.Event{
		ID:        uuid.NewString(),
		Timestamp: m.now(),
		Type:      string(evType),
		SessionID: req.SessionID,
		CommandID: req.ID,
		Command:   req.Command,
		Policy:    policy,
		Fields:    fields,
	}
	if err := m.emit.AppendEvent(ctx, ev); err != nil {
		m.logger.Warn("approval event not stored", "id", req.ID, "error", err)
	}
	m.emit.Publish(ev)
}
