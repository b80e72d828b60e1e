package events

// EventType identifies the type of event.
type EventType string

// Evaluation events.
const (
	EventCommandChecked  EventType = "command_checked"
	EventCommandAnalyzed EventType = "command_analyzed"
)

// Approval events.
const (
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
	EventApprovalState     EventType = "approval_state"
)

// Allowlist events.
const (
	EventAllowlistUpdated  EventType = "allowlist_updated"
	EventAllowlistReloaded EventType = "allowlist_reloaded"
)

// EventCategory maps event types to categories.
var EventCategory = map[EventType]string{
	EventCommandChecked:  "evaluation",
	EventCommandAnalyzed: "evaluation",

	EventApprovalRequested: "approval",
	EventApprovalResolved:  "approval",
	EventApprovalState:     "approval",

	EventAllowlistUpdated:  "allowlist",
	EventAllowlistReloaded: "allowlist",
}

// AllEventTypes lists all event types.
var AllEventTypes = []EventType{
	EventCommandChecked, EventCommandAnalyzed,
	EventApprovalRequested, EventApprovalResolved, EventApprovalState,
	EventAllowlistUpdated, EventAllowlistReloaded,
}
