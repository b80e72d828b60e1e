package metrics

import (
	"context"

	"github.com/agentsh/execgate/internal/store"
	"github.com/agentsh/execgate/pkg/types"
)

// auditCounter counts audit events as they reach the event store. An event
// the store rejects is counted as an append failure and not as an event, so
// execgate_events_total matches what the audit trail actually holds.
type auditCounter struct {
	store.EventStore
	c *Collector
}

// WrapEventStore returns inner with its appends counted on c. A nil inner
// stays nil so callers can keep treating a missing store as disabled.
func WrapEventStore(inner store.EventStore, c *Collector) store.EventStore {
	if inner == nil {
		return nil
	}
	if c == nil {
		c = New()
	}
	return &auditCounter{EventStore: inner, c: c}
}

func (a *auditCounter) AppendEvent(ctx context.Context, ev types.Event) error {
	if err := a.EventStore.AppendEvent(ctx, ev); err != nil {
		a.c.IncAppendFailure(ev.Type)
		return err
	}
	a.c.IncEvent(ev.Type)
	return nil
}
