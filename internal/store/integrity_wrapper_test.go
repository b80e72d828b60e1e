package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/execgate/internal/audit"
	"github.com/agentsh/execgate/pkg/types"
)

var testKey = []byte("test-key-32-bytes-for-hmac-sha!!")

type memStore struct {
	mu     sync.Mutex
	events []types.Event
	fail   error
	seq    int64
	prev   string
	saved  int
}

func (m *memStore) AppendEvent(_ context.Context, ev types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) QueryEvents(context.Context, types.EventQuery) ([]types.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Event(nil), m.events...), nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) LoadChainState(context.Context) (int64, string, error) {
	return m.seq, m.prev, nil
}

func (m *memStore) SaveChainState(_ context.Context, seq int64, prev string) error {
	m.seq, m.prev = seq, prev
	m.saved++
	return nil
}

func TestIntegrityStore_SealsAndPersistsState(t *testing.T) {
	chain, err := audit.NewIntegrityChain(testKey)
	require.NoError(t, err)
	inner := &memStore{}
	s, err := NewIntegrityStore(context.Background(), inner, chain)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.AppendEvent(context.Background(), types.Event{ID: id, Type: "command_checked"}))
	}

	got, err := s.QueryEvents(context.Background(), types.EventQuery{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, ev := range got {
		assert.False(t, ev.Timestamp.IsZero())
		assert.Contains(t, ev.Fields, audit.FieldIntegrity)
	}
	require.NoError(t, audit.Verify(testKey, "", got))
	assert.Equal(t, int64(3), inner.seq)
	assert.Equal(t, 3, inner.saved)
	assert.Same(t, chain, s.Chain())
}

func TestIntegrityStore_ResumesChain(t *testing.T) {
	inner := &memStore{}
	chain1, err := audit.NewIntegrityChain(testKey)
	require.NoError(t, err)
	s1, err := NewIntegrityStore(context.Background(), inner, chain1)
	require.NoError(t, err)
	require.NoError(t, s1.AppendEvent(context.Background(), types.Event{ID: "a", Type: "x"}))

	chain2, err := audit.NewIntegrityChain(testKey)
	require.NoError(t, err)
	s2, err := NewIntegrityStore(context.Background(), inner, chain2)
	require.NoError(t, err)
	require.NoError(t, s2.AppendEvent(context.Background(), types.Event{ID: "b", Type: "x"}))

	require.NoError(t, audit.Verify(testKey, "", inner.events))
}

func TestIntegrityStore_FailedAppendDoesNotAdvance(t *testing.T) {
	chain, err := audit.NewIntegrityChain(testKey)
	require.NoError(t, err)
	inner := &memStore{fail: errors.New("disk full")}
	s, err := NewIntegrityStore(context.Background(), inner, chain)
	require.NoError(t, err)

	assert.Error(t, s.AppendEvent(context.Background(), types.Event{ID: "a", Type: "x"}))
	assert.Equal(t, int64(0), chain.State().Sequence)

	inner.fail = nil
	require.NoError(t, s.AppendEvent(context.Background(), types.Event{ID: "b", Type: "x"}))
	require.NoError(t, audit.Verify(testKey, "", inner.events))
}
