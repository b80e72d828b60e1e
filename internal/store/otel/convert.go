package otel

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentsh/execgate/pkg/types"
)

func convertToLogRecord(ev types.Event) otellog.Record {
	var rec otellog.Record
	sev := eventSeverity(ev)
	rec.SetTimestamp(ev.Timestamp)
	rec.SetBody(otellog.StringValue(eventBody(ev)))
	rec.SetSeverity(sev)
	rec.SetSeverityText(sev.String())
	rec.AddAttributes(eventAttributes(ev)...)
	return rec
}

// eventContext carries trace_id/span_id from event fields into ctx so the
// record is correlated with the caller's trace.
func eventContext(ctx context.Context, ev types.Event) context.Context {
	var cfg trace.SpanContextConfig
	tid, hasTrace := hexField(ev, "trace_id", len(cfg.TraceID))
	sid, hasSpan := hexField(ev, "span_id", len(cfg.SpanID))
	if !hasTrace && !hasSpan {
		return ctx
	}
	copy(cfg.TraceID[:], tid)
	copy(cfg.SpanID[:], sid)
	sc := trace.NewSpanContext(cfg)
	return trace.ContextWithSpanContext(ctx, sc)
}

// eventBody reads like "command_checked: git status [allow]".
func eventBody(ev types.Event) string {
	decision := ""
	if ev.Policy != nil && ev.Policy.Decision != "" {
		decision = " [" + string(ev.Policy.Decision) + "]"
	}
	target := ev.Command
	if target == "" {
		target = ev.Path
	}
	if target != "" {
		return fmt.Sprintf("%s: %s%s", ev.Type, target, decision)
	}
	return ev.Type + decision
}

func eventSeverity(ev types.Event) otellog.Severity {
	if ev.Policy == nil {
		return otellog.SeverityInfo
	}
	switch ev.Policy.Decision {
	case types.DecisionDeny:
		return otellog.SeverityWarn
	case types.DecisionApprove:
		return otellog.SeverityInfo2
	default:
		return otellog.SeverityInfo
	}
}

func eventAttributes(ev types.Event) []otellog.KeyValue {
	attrs := []otellog.KeyValue{otellog.String("execgate.event.type", ev.Type)}
	add := func(k, v string) {
		if v != "" {
			attrs = append(attrs, otellog.String(k, v))
		}
	}
	add("execgate.event.id", ev.ID)
	add("execgate.session.id", ev.SessionID)
	add("execgate.command.id", ev.CommandID)
	add("execgate.command", ev.Command)
	add(string(semconv.ProcessExecutablePathKey), ev.Path)

	if p := ev.Policy; p != nil {
		add("execgate.decision", string(p.Decision))
		add("execgate.reason", p.Message)
		if len(p.SatisfiedBy) > 0 {
			add("execgate.satisfied_by", strings.Join(p.SatisfiedBy, ","))
		}
		if a := p.Approval; a != nil {
			add("execgate.approval.id", a.ID)
			add("execgate.approval.decision", string(a.Decision))
		}
	}

	for _, key := range []string{"agent", "state", "source", "error"} {
		if v, ok := ev.Fields[key].(string); ok {
			add("execgate."+key, v)
		}
	}
	for _, key := range []string{"analysis_ok", "satisfied"} {
		if v, ok := ev.Fields[key].(bool); ok {
			attrs = append(attrs, otellog.Bool("execgate."+key, v))
		}
	}
	return attrs
}

// hexField decodes an n-byte hex id from ev.Fields[key].
func hexField(ev types.Event, key string, n int) ([]byte, bool) {
	s, ok := ev.Fields[key].(string)
	if !ok || s == "" {
		return nil, false
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != n {
		return nil, false
	}
	return b, true
}

// BuildResource names the service and adds extra resource attributes.
func BuildResource(serviceName string, extraAttrs map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	for k, v := range extraAttrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(context.Background(), resource.WithAttributes(kvs...))
	return res
}
