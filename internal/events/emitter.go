package events

import (
	"context"

	"github.com/agentsh/execgate/internal/store"
	"github.com/agentsh/execgate/pkg/types"
)

// Emitter scrubs events and fans them out to the audit store and the broker.
// A nil store or broker is skipped.
type Emitter struct {
	store     store.EventStore
	broker    *Broker
	sanitizer *Sanitizer
}

func NewEmitter(st store.EventStore, broker *Broker, sanitizer *Sanitizer) *Emitter {
	if sanitizer == nil {
		sanitizer = NewDefaultSanitizer()
	}
	return &Emitter{store: st, broker: broker, sanitizer: sanitizer}
}

func (e *Emitter) AppendEvent(ctx context.Context, ev types.Event) error {
	if e.store == nil {
		return nil
	}
	return e.store.AppendEvent(ctx, e.scrub(ev))
}

func (e *Emitter) Publish(ev types.Event) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(e.scrub(ev))
}

func (e *Emitter) scrub(ev types.Event) types.Event {
	ev.Command = e.sanitizer.SanitizeCommand(ev.Command)
	ev.Fields = e.sanitizer.SanitizeFields(ev.Fields)
	if ev.Policy != nil && ev.Policy.Message != "" {
		p := *ev.Policy
		p.Message = e.sanitizer.SanitizeCommand(p.Message)
		ev.Policy = &p
	}
	return ev
}
