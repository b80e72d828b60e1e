package policy

import (
	"fmt"

	"github.com/agentsh/execgate/pkg/types"
)

// Security is the baseline posture for command execution.
type Security string

const (
	SecurityDeny      Security = "deny"
	SecurityAllowlist Security = "allowlist"
	SecurityFull      Security = "full"
)

// Ask controls when a human is consulted.
type Ask string

const (
	AskOff    Ask = "off"
	AskOnMiss Ask = "on-miss"
	AskAlways Ask = "always"
)

// ParseSecurity validates s.
func ParseSecurity(s string) (Security, error) {
	switch v := Security(s); v {
	case SecurityDeny, SecurityAllowlist, SecurityFull:
		return v, nil
	}
	return "", fmt.Errorf("invalid security mode %q (want deny, allowlist or full)", s)
}

// ParseAsk validates s.
func ParseAsk(s string) (Ask, error) {
	switch v := Ask(s); v {
	case AskOff, AskOnMiss, AskAlways:
		return v, nil
	}
	return "", fmt.Errorf("invalid ask mode %q (want off, on-miss or always)", s)
}

// Mode combines the security posture with the ask setting.
type Mode struct {
	Security Security
	Ask      Ask
	// Fallback applies when approval is required but nobody can be asked.
	Fallback Security
}

// RequiresApproval reports whether a human must be consulted.
func RequiresApproval(ask Ask, security Security, analysisOK, allowlistSatisfied bool) bool {
	if ask == AskAlways {
		return true
	}
	if ask == AskOnMiss && security == SecurityAllowlist {
		return !analysisOK || !allowlistSatisfied
	}
	return false
}

// Decide maps an evaluation to allow, deny or approve.
func Decide(ev Evaluation, m Mode) (types.Decision, string) {
	satisfied := ev.AnalysisOK && ev.AllowlistSatisfied
	switch m.Security {
	case SecurityDeny:
		return types.DecisionDeny, "command execution is disabled"
	case SecurityFull:
		if m.Ask == AskAlways {
			return types.DecisionApprove, "approval required for every command"
		}
		return types.DecisionAllow, "full access"
	case SecurityAllowlist:
	default:
		return types.DecisionDeny, fmt.Sprintf("unknown security mode %q", m.Security)
	}

	if RequiresApproval(m.Ask, m.Security, ev.AnalysisOK, ev.AllowlistSatisfied) {
		if satisfied {
			return types.DecisionApprove, "approval required for every command"
		}
		return types.DecisionApprove, missReason(ev)
	}
	if satisfied {
		return types.DecisionAllow, "allowlisted"
	}
	return types.DecisionDeny, missReason(ev)
}

// Fallback resolves an approve decision when no approver is reachable.
func Fallback(ev Evaluation, fallback Security) (types.Decision, string) {
	switch fallback {
	case SecurityFull:
		return types.DecisionAllow, "no approver available; fallback allows"
	case SecurityAllowlist:
		if ev.AnalysisOK && ev.AllowlistSatisfied {
			return types.DecisionAllow, "no approver available; allowlisted"
		}
		return types.DecisionDeny, "no approver available; " + missReason(ev)
	default:
		return types.DecisionDeny, "no approver available"
	}
}

func missReason(ev Evaluation) string {
	if ev.Reason != "" {
		return ev.Reason
	}
	return "not allowlisted"
}
