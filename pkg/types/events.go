package types

import "time"

type PolicyInfo struct {
	Decision    Decision      `json:"decision,omitempty"`
	SatisfiedBy []string      `json:"satisfied_by,omitempty"`
	Message     string        `json:"message,omitempty"`
	Approval    *ApprovalInfo `json:"approval,omitempty"`
}

type ApprovalInfo struct {
	Required bool             `json:"required"`
	ID       string           `json:"id,omitempty"`
	Decision ApprovalDecision `json:"decision,omitempty"`
}

type Event struct {
	ID        string      `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	CommandID string      `json:"command_id,omitempty"`
	Policy    *PolicyInfo `json:"policy,omitempty"`

	// Common convenience fields for indexing/search.
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}

type EventQuery struct {
	SessionID string
	CommandID string
	Agent     string
	Types     []string
	Since     *time.Time
	Until     *time.Time

	Decision *Decision

	PathLike string
	TextLike string

	Limit  int
	Offset int
	Asc    bool
}
