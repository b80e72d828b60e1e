package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentsh/execgate/internal/allowlist"
	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/metrics"
	"github.com/agentsh/execgate/internal/policy"
	"github.com/agentsh/execgate/pkg/types"
)

// Collaborator is the external party that records approval requests and
// produces human decisions.
type Collaborator interface {
	Register(ctx context.Context, req Request) (string, error)
	WaitDecision(ctx context.Context, id string, timeout time.Duration) (Resolution, error)
}

// AllowlistSink persists allow-always patterns.
type AllowlistSink interface {
	AddPatterns(agent string, patterns []string) ([]allowlist.Entry, error)
}

// UsageRecorder stamps allowlist entries that let a command through.
type UsageRecorder interface {
	RecordUse(agent, pattern, command, resolvedPath string) error
}

type Checker interface {
	Check(req policy.Request) policy.Result
}

type State string

const (
	StateEvaluating  State = "evaluating"
	StateAllowed     State = "allowed"
	StateRegistering State = "registering"
	StatePending     State = "pending"
	StateAllowOnce   State = "allow-once"
	StateAllowAlways State = "allow-always"
	StateDenied      State = "denied"
	StateTimeout     State = "timeout"
	StateCanceled    State = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateAllowed, StateAllowOnce, StateAllowAlways, StateDenied, StateTimeout, StateCanceled:
		return true
	}
	return false
}

// Outcome is what the caller acts on.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomePending Outcome = "approval-pending"
	OutcomeDenied  Outcome = "denied"
)

func (s State) outcome() Outcome {
	switch s {
	case StateAllowed, StateAllowOnce, StateAllowAlways:
		return OutcomeAllowed
	case StateDenied, StateTimeout, StateCanceled:
		return OutcomeDenied
	}
	return OutcomePending
}

// Ticket tracks one command through the gate. ID is the approval request id
// and doubles as the run id; it is empty when no approval was needed.
type Ticket struct {
	ID         string        `json:"id,omitempty"`
	State      State         `json:"state"`
	Outcome    Outcome       `json:"outcome"`
	Reason     string        `json:"reason"`
	Obfuscated bool          `json:"obfuscated"`
	Persisted  []string      `json:"persisted_patterns,omitempty"`
	Check      policy.Result `json:"check"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// GateConfig wires a Gate. Timeout bounds each decision wait and Retain is
// how long terminal tickets stay queryable. A nil Approver applies Fallback
// to every command that needs approval.
type GateConfig struct {
	Checker  Checker
	Approver Collaborator
	Sink     AllowlistSink
	Usage    UsageRecorder
	Timeout  time.Duration
	Fallback policy.Security
	Emitter  Emitter
	Metrics  *metrics.Collector
	Logger   *slog.Logger
	Retain   time.Duration
}

// Gate drives commands from evaluation to a final outcome.
type Gate struct {
	cfg    GateConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	tickets map[string]*Ticket
}

func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Checker == nil {
		return nil, fmt.Errorf("gate: checker is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Fallback == "" {
		cfg.Fallback = policy.SecurityDeny
	}
	if cfg.Retain <= 0 {
		cfg.Retain = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		tickets: make(map[string]*Ticket),
	}, nil
}

// Evaluate checks req and, when approval is required, registers it and waits
// up to the configured timeout. A registration failure is returned as an
// error wrapping ErrRegistrationFailed. If ctx ends during the wait the
// ticket stays pending and ctx.Err() is returned with it.
func (g *Gate) Evaluate(ctx context.Context, req policy.Request) (Ticket, error) {
	now := g.now()
	t := &Ticket{State: StateEvaluating, Outcome: OutcomePending, CreatedAt: now, UpdatedAt: now}
	res := g.cfg.Checker.Check(req)
	t.Check = res
	t.Obfuscated = res.Obfuscation.Detected
	g.cfg.Metrics.IncCheck(string(res.Decision))
	g.emitCheck(ctx, res)

	switch res.Decision {
	case types.DecisionAllow:
		g.setLocked(t, StateAllowed, res.Reason)
		g.recordUse(res)
		return *t, nil
	case types.DecisionDeny:
		g.setLocked(t, StateDenied, res.Reason)
		return *t, nil
	}

	if g.cfg.Approver == nil {
		d, reason := policy.Fallback(res.Evaluation, g.cfg.Fallback)
		if d == types.DecisionAllow {
			g.setLocked(t, StateAllowed, reason)
		} else {
			g.setLocked(t, StateDenied, reason)
		}
		return *t, nil
	}

	t.State = StateRegistering
	id, err := g.cfg.Approver.Register(ctx, Request{
		SessionID:           req.SessionID,
		Agent:               req.Agent,
		Command:             res.Command,
		Cwd:                 req.Cwd,
		Reason:              res.Reason,
		ObfuscationDetected: res.Obfuscation.Detected,
		Obfuscation:         res.Obfuscation.Reasons,
		AllowAlwaysPatterns: res.AllowAlwaysPatterns,
	})
	if err != nil {
		g.cfg.Metrics.IncRegistrationFailure()
		g.logger.Warn("approval registration failed", "command", res.Command, "error", err)
		return Ticket{}, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	t.ID = id
	t.State = StatePending
	t.Reason = res.Reason
	g.mu.Lock()
	g.pruneLocked(now)
	g.tickets[id] = t
	g.mu.Unlock()

	return g.wait(ctx, id, g.cfg.Timeout)
}

// Recheck waits up to timeout for a decision on a pending ticket. Terminal
// tickets are returned unchanged.
func (g *Gate) Recheck(ctx context.Context, id string, timeout time.Duration) (Ticket, error) {
	t, ok := g.Get(id)
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if t.State.Terminal() || g.cfg.Approver == nil {
		return t, nil
	}
	return g.wait(ctx, id, timeout)
}

// Cancel aborts a pending ticket. The registration itself is left with the
// collaborator.
func (g *Gate) Cancel(id, reason string) (Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tickets[id]
	if !ok {
		return Ticket{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if !t.State.Terminal() {
		if reason == "" {
			reason = "canceled"
		}
		g.setLocked(t, StateCanceled, reason)
		g.cfg.Metrics.IncApproval(string(StateCanceled))
	}
	return *t, nil
}

// Get returns a copy of the ticket for id.
func (g *Gate) Get(id string) (Ticket, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tickets[id]
	if !ok {
		return Ticket{}, false
	}
	return *t, true
}

func (g *Gate) wait(ctx context.Context, id string, timeout time.Duration) (Ticket, error) {
	res, err := g.cfg.Approver.WaitDecision(ctx, id, timeout)
	switch {
	case err == nil:
		return g.decide(ctx, id, res), nil
	case errors.Is(err, ErrDecisionTimeout):
		return g.timedOut(id), nil
	case errors.Is(err, ErrExpired), errors.Is(err, ErrUnknownRequest):
		return g.expired(id, err), nil
	case ctx.Err() != nil:
		t, _ := g.Get(id)
		return t, ctx.Err()
	default:
		t, _ := g.Get(id)
		return t, fmt.Errorf("wait for decision %s: %w", id, err)
	}
}

func (g *Gate) decide(ctx context.Context, id string, res Resolution) Ticket {
	g.mu.Lock()
	t, ok := g.tickets[id]
	if !ok {
		g.mu.Unlock()
		return Ticket{ID: id, State: StateCanceled, Outcome: OutcomeDenied, Reason: "ticket expired"}
	}
	if t.State.Terminal() {
		out := *t
		g.mu.Unlock()
		return out
	}
	var state State
	switch res.Decision {
	case types.ApprovalAllowOnce:
		state = StateAllowOnce
	case types.ApprovalAllowAlways:
		state = StateAllowAlways
	default:
		state = StateDenied
	}
	reason := "approval " + string(res.Decision)
	if res.Reason != "" {
		reason += ": " + res.Reason
	}
	g.setLocked(t, state, reason)
	out := *t
	g.mu.Unlock()

	g.cfg.Metrics.IncApproval(string(state))
	if state == StateAllowAlways {
		out = g.persist(id, out)
	}
	g.emitState(ctx, out)
	return out
}

// persist records the allow-always patterns. A sink failure is logged; the
// current command is still allowed.
func (g *Gate) persist(id string, t Ticket) Ticket {
	patterns := t.Check.AllowAlwaysPatterns
	if g.cfg.Sink == nil || len(patterns) == 0 {
		return t
	}
	added, err := g.cfg.Sink.AddPatterns(t.Check.Request.Agent, patterns)
	if err != nil {
		g.logger.Error("allow-always patterns not saved", "id", id, "error", err)
		return t
	}
	persisted := make([]string, 0, len(added))
	for _, e := range added {
		persisted = append(persisted, e.Pattern)
	}
	if g.cfg.Emitter != nil && len(persisted) > 0 {
		g.append(context.Background(), types.Event{
			ID:        uuid.NewString(),
			Timestamp: g.now(),
			Type:      string(events.EventAllowlistUpdated),
			SessionID: t.Check.Request.SessionID,
			CommandID: id,
			Command:   t.Check.Command,
			Fields:    map[string]any{"agent": t.Check.Request.Agent, "patterns": persisted},
		})
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	t.Persisted = persisted
	if cur, ok := g.tickets[id]; ok {
		cur.Persisted = persisted
	}
	return t
}

// timedOut applies the wait bound. Obfuscated commands are denied for good;
// everything else stays pending for a later Recheck.
func (g *Gate) timedOut(id string) Ticket {
	g.mu.Lock()
	t, ok := g.tickets[id]
	if !ok {
		g.mu.Unlock()
		return Ticket{ID: id, State: StateCanceled, Outcome: OutcomeDenied, Reason: "ticket expired"}
	}
	if t.State.Terminal() {
		out := *t
		g.mu.Unlock()
		return out
	}
	if !t.Obfuscated {
		t.Outcome = OutcomePending
		t.UpdatedAt = g.now()
		out := *t
		g.mu.Unlock()
		g.cfg.Metrics.IncPendingTimeout()
		g.logger.Info("approval still pending", "id", id)
		return out
	}
	g.setLocked(t, StateTimeout, "no approval before timeout on obfuscated command")
	out := *t
	g.mu.Unlock()
	g.cfg.Metrics.IncObfuscationDenial()
	g.cfg.Metrics.IncApproval(string(StateTimeout))
	g.logger.Warn("obfuscated command denied after approval timeout", "id", id)
	g.emitState(context.Background(), out)
	return out
}

// expired closes a ticket whose registration can no longer be decided, so it
// is denied and becomes eligible for pruning.
func (g *Gate) expired(id string, cause error) Ticket {
	g.mu.Lock()
	t, ok := g.tickets[id]
	if !ok {
		g.mu.Unlock()
		return Ticket{ID: id, State: StateCanceled, Outcome: OutcomeDenied, Reason: "ticket expired"}
	}
	if t.State.Terminal() {
		out := *t
		g.mu.Unlock()
		return out
	}
	g.setLocked(t, StateTimeout, "approval request expired without a decision")
	out := *t
	g.mu.Unlock()
	g.cfg.Metrics.IncApproval(string(StateTimeout))
	g.logger.Info("approval request expired", "id", id, "cause", cause)
	g.emitState(context.Background(), out)
	return out
}

// setLocked moves t to state. Callers hold g.mu once t is in the map.
func (g *Gate) setLocked(t *Ticket, state State, reason string) {
	t.State = state
	t.Outcome = state.outcome()
	t.Reason = reason
	t.UpdatedAt = g.now()
}

// recordUse pairs each allowlist match with the segment it satisfied.
func (g *Gate) recordUse(res policy.Result) {
	if g.cfg.Usage == nil || len(res.Evaluation.AllowlistMatches) == 0 {
		return
	}
	matches := res.Evaluation.AllowlistMatches
	for i, seg := range res.Evaluation.Evaluated {
		if len(matches) == 0 {
			break
		}
		if res.Evaluation.SegmentSatisfiedBy[i] != policy.SatisfiedByAllowlist {
			continue
		}
		var resolved string
		if seg.Resolution != nil {
			resolved = seg.Resolution.ResolvedPath
		}
		if err := g.cfg.Usage.RecordUse(res.Request.Agent, matches[0].Pattern, res.Command, resolved); err != nil {
			g.logger.Warn("allowlist usage not recorded", "pattern", matches[0].Pattern, "error", err)
		}
		matches = matches[1:]
	}
}

func (g *Gate) pruneLocked(now time.Time) {
	for id, t := range g.tickets {
		if t.State.Terminal() && now.Sub(t.UpdatedAt) > g.cfg.Retain {
			delete(g.tickets, id)
		}
	}
}

func (g *Gate) emitCheck(ctx context.Context, res policy.Result) {
	if g.cfg.Emitter == nil {
		return
	}
	fields := map[string]any{
		"agent":       res.Request.Agent,
		"analysis_ok": res.Evaluation.AnalysisOK,
		"satisfied":   res.Evaluation.AllowlistSatisfied,
		"segments":    res.Evaluation.SegmentReasons,
	}
	if res.Obfuscation.Detected {
		fields["obfuscation"] = res.Obfuscation.Reasons
	}
	ev := types.Event{
		ID:        uuid.NewString(),
		Timestamp: g.now(),
		Type:      string(events.EventCommandChecked),
		SessionID: res.Request.SessionID,
		Command:   res.Command,
		Path:      firstResolvedPath(res),
		Policy: &types.PolicyInfo{
			Decision:    res.Decision,
			SatisfiedBy: satisfiedBy(res),
			Message:     res.Reason,
		},
		Fields: fields,
	}
	g.append(ctx, ev)
}

func (g *Gate) emitState(ctx context.Context, t Ticket) {
	if g.cfg.Emitter == nil {
		return
	}
	decision := types.DecisionDeny
	if t.Outcome == OutcomeAllowed {
		decision = types.DecisionAllow
	}
	ev := types.Event{
		ID:        uuid.NewString(),
		Timestamp: g.now(),
		Type:      string(events.EventApprovalState),
		SessionID: t.Check.Request.SessionID,
		CommandID: t.ID,
		Command:   t.Check.Command,
		Policy: &types.PolicyInfo{
			Decision: decision,
			Message:  t.Reason,
			Approval: &types.ApprovalInfo{Required: true, ID: t.ID},
		},
		Fields: map[string]any{"state": string(t.State), "persisted": t.Persisted},
	}
	g.append(ctx, ev)
}

func (g *Gate) append(ctx context.Context, ev types.Event) {
	if err := g.cfg.Emitter.AppendEvent(ctx, ev); err != nil {
		g.logger.Warn("event not stored", "type", ev.Type, "error", err)
	}
	g.cfg.Emitter.Publish(ev)
}

func firstResolvedPath(res policy.Result) string {
	for _, s := range res.Evaluation.Evaluated {
		if s.Resolution != nil && s.Resolution.ResolvedPath != "" {
			return s.Resolution.ResolvedPath
		}
	}
	return ""
}

func satisfiedBy(res policy.Result) []string {
	out := make([]string, 0, len(res.Evaluation.SegmentSatisfiedBy))
	for _, by := range res.Evaluation.SegmentSatisfiedBy {
		out = append(out, string(by))
	}
	return out
}
