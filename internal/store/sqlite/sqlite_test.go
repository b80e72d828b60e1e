package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/execgate/internal/audit"
	"github.com/agentsh/execgate/internal/store"
	"github.com/agentsh/execgate/pkg/types"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestAppendAndQueryEvents(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	events := []types.Event{
		{
			ID: "evt1", Timestamp: base, Type: "command_checked", Command: "ls -la", Path: "/usr/bin/ls",
			Fields: map[string]any{"agent": "ci"},
			Policy: &types.PolicyInfo{Decision: types.DecisionAllow, SatisfiedBy: []string{"safe_bins"}},
		},
		{
			ID: "evt2", Timestamp: base.Add(time.Second), Type: "approval_requested", CommandID: "approval-1", Command: "rm -rf build",
			Policy: &types.PolicyInfo{Decision: types.DecisionApprove, Approval: &types.ApprovalInfo{Required: true, ID: "approval-1"}},
		},
		{
			ID: "evt3", Timestamp: base.Add(2 * time.Second), Type: "approval_resolved", CommandID: "approval-1",
			Policy: &types.PolicyInfo{Decision: types.DecisionApprove, Approval: &types.ApprovalInfo{Required: true, ID: "approval-1", Decision: types.ApprovalAllowOnce}},
		},
	}
	for _, ev := range events {
		require.NoError(t, s.AppendEvent(ctx, ev))
	}

	got, err := s.QueryEvents(ctx, types.EventQuery{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "evt3", got[0].ID, "newest first by default")

	got, err = s.QueryEvents(ctx, types.EventQuery{Agent: "ci"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "evt1", got[0].ID)

	got, err = s.QueryEvents(ctx, types.EventQuery{CommandID: "approval-1", Asc: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "evt2", got[0].ID)
	require.NotNil(t, got[1].Policy.Approval)
	assert.Equal(t, types.ApprovalAllowOnce, got[1].Policy.Approval.Decision)

	allow := types.DecisionAllow
	got, err = s.QueryEvents(ctx, types.EventQuery{Decision: &allow})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"safe_bins"}, got[0].Policy.SatisfiedBy)

	got, err = s.QueryEvents(ctx, types.EventQuery{Types: []string{"approval_requested", "approval_resolved"}, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)

	since := base.Add(500 * time.Millisecond)
	got, err = s.QueryEvents(ctx, types.EventQuery{Since: &since, TextLike: "%rm -rf%"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "evt2", got[0].ID)

	got, err = s.QueryEvents(ctx, types.EventQuery{PathLike: "/usr/bin/%"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Error(t, s.AppendEvent(ctx, types.Event{Type: "x"}), "missing id")
	assert.Error(t, s.AppendEvent(ctx, events[0]), "duplicate id")
}

func TestChainStateRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	seq, prev, err := s.LoadChainState(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Empty(t, prev)

	require.NoError(t, s.SaveChainState(ctx, 4, "abc"))
	require.NoError(t, s.SaveChainState(ctx, 5, "def"))
	seq, prev, err = s.LoadChainState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)
	assert.Equal(t, "def", prev)
}

func TestIntegrityChainSurvivesStorage(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	key := []byte("test-key-32-bytes-for-hmac-sha!!")

	chain, err := audit.NewIntegrityChain(key)
	require.NoError(t, err)
	sealed, err := store.NewIntegrityStore(ctx, s, chain)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, sealed.AppendEvent(ctx, types.Event{
			ID:     id,
			Type:   "command_checked",
			Fields: map[string]any{"segments": []string{"ls: safe-bin profile"}, "n": 2},
		}))
	}

	all, err := s.AllEvents(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.NoError(t, audit.Verify(key, "", all))

	seq, _, err := s.LoadChainState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}
