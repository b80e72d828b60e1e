package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/execgate/pkg/types"
)

type sliceStore struct {
	events []types.Event
}

func (s *sliceStore) AppendEvent(_ context.Context, ev types.Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *sliceStore) QueryEvents(context.Context, types.EventQuery) ([]types.Event, error) {
	return s.events, nil
}

func (s *sliceStore) Close() error { return nil }

func TestEmitterScrubsBeforeFanOut(t *testing.T) {
	st := &sliceStore{}
	b := NewBroker()
	ch := b.Subscribe(AllSessions, 4)
	defer b.Unsubscribe(AllSessions, ch)

	e := NewEmitter(st, b, nil)
	policy := &types.PolicyInfo{Decision: types.DecisionApprove, Message: "deploy --token abc: not allowlisted"}
	ev := types.Event{
		ID:      "e1",
		Type:    string(EventCommandChecked),
		Command: "deploy --token abc",
		Policy:  policy,
		Fields:  map[string]any{"api_key": "xyz"},
	}
	require.NoError(t, e.AppendEvent(context.Background(), ev))
	e.Publish(ev)

	require.Len(t, st.events, 1)
	stored := st.events[0]
	assert.Equal(t, "deploy --token [REDACTED]", stored.Command)
	assert.Equal(t, "[REDACTED]", stored.Fields["api_key"])
	assert.NotContains(t, stored.Policy.Message, "abc")
	assert.Contains(t, policy.Message, "abc", "caller's policy is not modified")

	got := <-ch
	assert.Equal(t, "deploy --token [REDACTED]", got.Command)
}

func TestEmitterNilSinks(t *testing.T) {
	e := NewEmitter(nil, nil, nil)
	assert.NoError(t, e.AppendEvent(context.Background(), types.Event{ID: "x"}))
	e.Publish(types.Event{ID: "x"})
}
