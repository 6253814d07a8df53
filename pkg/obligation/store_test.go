package obligation

import (
	"testing"
	"time"

	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDeduplicates(t *testing.T) {
	s := NewStore()

	first, created := s.Create(CreateRequest{
		Type:         types.ObligationVMSchedule,
		ResourceType: "vm",
		ResourceID:   "vm-1",
	})
	require.True(t, created)

	second, created := s.Create(CreateRequest{
		Type:         types.ObligationVMSchedule,
		ResourceType: "vm",
		ResourceID:   "vm-1",
	})
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// A different type for the same resource is not deduplicated.
	_, created = s.Create(CreateRequest{
		Type:         types.ObligationVMProvision,
		ResourceType: "vm",
		ResourceID:   "vm-1",
	})
	assert.True(t, created)

	// Once the first is terminal, a new create goes through.
	require.NoError(t, s.Mutate(first.ID, func(ob *types.Obligation) {
		ob.Status = types.ObligationCompleted
	}))
	third, created := s.Create(CreateRequest{
		Type:         types.ObligationVMSchedule,
		ResourceType: "vm",
		ResourceID:   "vm-1",
	})
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestTerminalStatusCannotTransition(t *testing.T) {
	s := NewStore()
	ob, _ := s.Create(CreateRequest{Type: "t", ResourceType: "vm", ResourceID: "vm-1"})

	require.NoError(t, s.Mutate(ob.ID, func(o *types.Obligation) {
		o.Status = types.ObligationFailed
	}))

	err := s.Mutate(ob.ID, func(o *types.Obligation) {
		o.Status = types.ObligationPending
	})
	assert.ErrorIs(t, err, types.ErrConflict)

	got, err := s.Get(ob.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ObligationFailed, got.Status)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestSignalRegistrationSingleShot(t *testing.T) {
	s := NewStore()
	ob, _ := s.Create(CreateRequest{Type: "t", ResourceType: "vm", ResourceID: "vm-1"})

	require.NoError(t, s.Mutate(ob.ID, func(o *types.Obligation) {
		o.Status = types.ObligationWaitingForSignal
		o.SignalKey = "command-ack:abc"
	}))
	assert.True(t, s.SignalRegistered("command-ack:abc"))

	id, ok := s.TakeSignal("command-ack:abc")
	require.True(t, ok)
	assert.Equal(t, ob.ID, id)

	// Second take finds nothing.
	_, ok = s.TakeSignal("command-ack:abc")
	assert.False(t, ok)
}

func TestDependents(t *testing.T) {
	s := NewStore()
	parent, _ := s.Create(CreateRequest{Type: "a", ResourceType: "vm", ResourceID: "vm-1"})
	child, _ := s.Create(CreateRequest{
		Type: "b", ResourceType: "vm", ResourceID: "vm-1",
		DependsOn: []string{parent.ID},
	})

	deps := s.Dependents(parent.ID)
	require.Len(t, deps, 1)
	assert.Equal(t, child.ID, deps[0])
}

func TestPruneTerminal(t *testing.T) {
	s := NewStore()
	old, _ := s.Create(CreateRequest{Type: "a", ResourceType: "vm", ResourceID: "vm-1"})
	fresh, _ := s.Create(CreateRequest{Type: "a", ResourceType: "vm", ResourceID: "vm-2"})
	active, _ := s.Create(CreateRequest{Type: "a", ResourceType: "vm", ResourceID: "vm-3"})

	require.NoError(t, s.Mutate(old.ID, func(o *types.Obligation) { o.Status = types.ObligationCompleted }))
	require.NoError(t, s.Mutate(fresh.ID, func(o *types.Obligation) { o.Status = types.ObligationCompleted }))

	// Age the first one out.
	s.mu.Lock()
	s.byID[old.ID].FinishedAt = time.Now().Add(-48 * time.Hour)
	s.mu.Unlock()

	removed := s.PruneTerminal(time.Now().Add(-24*time.Hour), 10000)
	assert.Equal(t, 1, removed)

	_, err := s.Get(old.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.Get(fresh.ID)
	assert.NoError(t, err)
	_, err = s.Get(active.ID)
	assert.NoError(t, err)
}

func TestPruneTerminalCap(t *testing.T) {
	s := NewStore()
	var ids []string
	for i := 0; i < 5; i++ {
		ob, _ := s.Create(CreateRequest{Type: "a", ResourceType: "vm", ResourceID: string(rune('a' + i))})
		require.NoError(t, s.Mutate(ob.ID, func(o *types.Obligation) { o.Status = types.ObligationCompleted }))
		ids = append(ids, ob.ID)
	}

	removed := s.PruneTerminal(time.Now().Add(-24*time.Hour), 2)
	assert.Equal(t, 3, removed)

	total, active := s.Count()
	assert.Equal(t, 2, total)
	assert.Equal(t, 0, active)
}
