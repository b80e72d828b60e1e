package store

import (
	"context"

	"github.com/agentsh/execgate/pkg/types"
)

// EventStore persists audit events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error)
	Close() error
}

// ChainStateStore persists the audit chain position between runs.
type ChainStateStore interface {
	LoadChainState(ctx context.Context) (seq int64, prevHash string, err error)
	SaveChainState(ctx context.Context, seq int64, prevHash string) error
}
