// Package composite fans audit events out to several stores.
package composite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentsh/execgate/internal/store"
	"github.com/agentsh/execgate/pkg/types"
)

// Store writes to a primary store, which answers queries and decides the
// append result, and copies each event to secondary sinks. A failing sink
// is logged and never fails the append: the primary already holds the event
// and the integrity chain must not rewind behind it.
type Store struct {
	primary store.EventStore
	others  []store.EventStore
	logger  *slog.Logger
}

func New(logger *slog.Logger, primary store.EventStore, others ...store.EventStore) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{primary: primary, others: others, logger: logger}
}

func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if err := s.primary.AppendEvent(ctx, ev); err != nil {
		return err
	}
	for _, o := range s.others {
		if err := o.AppendEvent(ctx, ev); err != nil {
			s.logger.Warn("audit sink append failed", "sink", fmt.Sprintf("%T", o), "event", ev.ID, "error", err)
		}
	}
	return nil
}

func (s *Store) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	return s.primary.QueryEvents(ctx, q)
}

// LoadChainState delegates to the primary so the integrity chain can resume.
func (s *Store) LoadChainState(ctx context.Context) (int64, string, error) {
	if st, ok := s.primary.(store.ChainStateStore); ok {
		return st.LoadChainState(ctx)
	}
	return 0, "", nil
}

func (s *Store) SaveChainState(ctx context.Context, seq int64, prevHash string) error {
	if st, ok := s.primary.(store.ChainStateStore); ok {
		return st.SaveChainState(ctx, seq, prevHash)
	}
	return nil
}

// Close closes every store and joins their errors.
func (s *Store) Close() error {
	errs := []error{s.primary.Close()}
	for _, o := range s.others {
		errs = append(errs, o.Close())
	}
	return errors.Join(errs...)
}
