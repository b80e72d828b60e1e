package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentsh/execgate/internal/audit"
	"github.com/agentsh/execgate/pkg/types"
)

// IntegrityStore seals every event into an HMAC chain before writing it.
type IntegrityStore struct {
	inner EventStore
	chain *audit.IntegrityChain
	state ChainStateStore

	// mu keeps sealing and appending in the same order.
	mu sync.Mutex
}

// NewIntegrityStore wraps inner. When inner also implements ChainStateStore
// the chain resumes from the persisted position.
func NewIntegrityStore(ctx context.Context, inner EventStore, chain *audit.IntegrityChain) (*IntegrityStore, error) {
	s := &IntegrityStore{inner: inner, chain: chain}
	if st, ok := inner.(ChainStateStore); ok {
		s.state = st
		seq, prev, err := st.LoadChainState(ctx)
		if err != nil {
			return nil, fmt.Errorf("load audit chain state: %w", err)
		}
		chain.Restore(seq, prev)
	}
	return s, nil
}

func (s *IntegrityStore) AppendEvent(ctx context.Context, ev types.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.chain.State()
	if err := s.chain.Seal(&ev); err != nil {
		return fmt.Errorf("seal event: %w", err)
	}
	if err := s.inner.AppendEvent(ctx, ev); err != nil {
		s.chain.Restore(before.Sequence, before.PrevHash)
		return err
	}
	if s.state != nil {
		after := s.chain.State()
		if err := s.state.SaveChainState(ctx, after.Sequence, after.PrevHash); err != nil {
			return fmt.Errorf("save audit chain state: %w", err)
		}
	}
	return nil
}

func (s *IntegrityStore) QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error) {
	return s.inner.QueryEvents(ctx, q)
}

func (s *IntegrityStore) Close() error {
	return s.inner.Close()
}

// Chain returns the integrity chain.
func (s *IntegrityStore) Chain() *audit.IntegrityChain {
	return s.chain
}
