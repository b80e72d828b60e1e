package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	eventsTotal atomic.Uint64
	byType      sync.Map // string -> *atomic.Uint64

	checksByDecision    sync.Map // string -> *atomic.Uint64
	approvalsByDecision sync.Map // string -> *atomic.Uint64

	appendFailures      atomic.Uint64
	failuresByType      sync.Map // string -> *atomic.Uint64

	registrationFailures atomic.Uint64
	obfuscationDenials   atomic.Uint64
	pendingTimeouts      atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncEvent(eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.Add(1)
	inc(&c.byType, eventType)
}

// IncAppendFailure counts an audit event the event store failed to persist.
func (c *Collector) IncAppendFailure(eventType string) {
	if c == nil {
		return
	}
	c.appendFailures.Add(1)
	inc(&c.failuresByType, eventType)
}

// IncCheck counts a policy check by its decision (allow, deny, approve).
func (c *Collector) IncCheck(decision string) {
	if c == nil {
		return
	}
	inc(&c.checksByDecision, decision)
}

// IncApproval counts a terminal approval state.
func (c *Collector) IncApproval(state string) {
	if c == nil {
		return
	}
	inc(&c.approvalsByDecision, state)
}

func (c *Collector) IncRegistrationFailure() {
	if c == nil {
		return
	}
	c.registrationFailures.Add(1)
}

func (c *Collector) IncObfuscationDenial() {
	if c == nil {
		return
	}
	c.obfuscationDenials.Add(1)
}

func (c *Collector) IncPendingTimeout() {
	if c == nil {
		return
	}
	c.pendingTimeouts.Add(1)
}

func inc(m *sync.Map, key string) {
	if key == "" {
		key = "unknown"
	}
	ptr, _ := m.LoadOrStore(key, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

type HandlerOptions struct {
	PendingApprovals func() int
	AllowlistEntries func() int
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP execgate_up Whether the execgate server is running.\n")
		fmt.Fprint(w, "# TYPE execgate_up gauge\n")
		fmt.Fprint(w, "execgate_up 1\n")

		fmt.Fprint(w, "# HELP execgate_uptime_seconds Seconds since the collector was created.\n")
		fmt.Fprint(w, "# TYPE execgate_uptime_seconds gauge\n")
		fmt.Fprintf(w, "execgate_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		fmt.Fprint(w, "# HELP execgate_events_total Total number of events appended.\n")
		fmt.Fprint(w, "# TYPE execgate_events_total counter\n")
		fmt.Fprintf(w, "execgate_events_total %d\n", c.eventsTotal.Load())

		fmt.Fprint(w, "# HELP execgate_event_append_failures_total Audit events the event store failed to persist.\n")
		fmt.Fprint(w, "# TYPE execgate_event_append_failures_total counter\n")
		fmt.Fprintf(w, "execgate_event_append_failures_total %d\n", c.appendFailures.Load())

		fmt.Fprint(w, "# HELP execgate_approval_registration_failures_total Approval registrations that failed.\n")
		fmt.Fprint(w, "# TYPE execgate_approval_registration_failures_total counter\n")
		fmt.Fprintf(w, "execgate_approval_registration_failures_total %d\n", c.registrationFailures.Load())

		fmt.Fprint(w, "# HELP execgate_obfuscation_denials_total Approval timeouts force-denied because of obfuscation.\n")
		fmt.Fprint(w, "# TYPE execgate_obfuscation_denials_total counter\n")
		fmt.Fprintf(w, "execgate_obfuscation_denials_total %d\n", c.obfuscationDenials.Load())

		fmt.Fprint(w, "# HELP execgate_approval_pending_timeouts_total Decision waits that ended as approval-pending.\n")
		fmt.Fprint(w, "# TYPE execgate_approval_pending_timeouts_total counter\n")
		fmt.Fprintf(w, "execgate_approval_pending_timeouts_total %d\n", c.pendingTimeouts.Load())

		writeLabeled(w, &c.byType, "execgate_events_by_type_total", "Total events appended by type.", "type")
		writeLabeled(w, &c.failuresByType, "execgate_event_append_failures_by_type_total", "Failed audit appends by event type.", "type")
		writeLabeled(w, &c.checksByDecision, "execgate_checks_total", "Policy checks by decision.", "decision")
		writeLabeled(w, &c.approvalsByDecision, "execgate_approvals_total", "Terminal approval states.", "state")

		if opts.PendingApprovals != nil {
			fmt.Fprint(w, "# HELP execgate_approvals_pending Approval requests awaiting a decision.\n")
			fmt.Fprint(w, "# TYPE execgate_approvals_pending gauge\n")
			fmt.Fprintf(w, "execgate_approvals_pending %d\n", opts.PendingApprovals())
		}
		if opts.AllowlistEntries != nil {
			fmt.Fprint(w, "# HELP execgate_allowlist_entries Allowlist entries across all agents.\n")
			fmt.Fprint(w, "# TYPE execgate_allowlist_entries gauge\n")
			fmt.Fprintf(w, "execgate_allowlist_entries %d\n", opts.AllowlistEntries())
		}
	})
}

func writeLabeled(w io.Writer, m *sync.Map, name, help, label string) {
	keys := snapshotKeys(m)
	if len(keys) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, k := range keys {
		ptr, _ := m.Load(k)
		n := uint64(0)
		if ptr != nil {
			n = ptr.(*atomic.Uint64).Load()
		}
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, label, escapeLabelValue(k), n)
	}
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
