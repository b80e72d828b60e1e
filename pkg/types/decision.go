package types

type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionDeny    Decision = "deny"
	DecisionApprove Decision = "approve"
)

// ApprovalDecision is a human answer to an approval request.
type ApprovalDecision string

const (
	ApprovalAllowOnce   ApprovalDecision = "allow-once"
	ApprovalAllowAlways ApprovalDecision = "allow-always"
	ApprovalDeny        ApprovalDecision = "deny"
)

// Valid reports whether d is one of the known decisions.
func (d ApprovalDecision) Valid() bool {
	switch d {
	case ApprovalAllowOnce, ApprovalAllowAlways, ApprovalDeny:
		return true
	}
	return false
}

// Allows reports whether d permits execution.
func (d ApprovalDecision) Allows() bool {
	return d == ApprovalAllowOnce || d == ApprovalAllowAlways
}

type ApprovalMode string

const (
	ApprovalModeLocalTTY ApprovalMode = "local_tty"
	ApprovalModeAPI      ApprovalMode = "api"
)
