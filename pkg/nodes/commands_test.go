package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/decloud/orchestrator/pkg/agent"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/store"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newQueue(t *testing.T) (*CommandQueue, *store.StateStore, *obligation.Engine) {
	t.Helper()
	st := store.NewStateStore(nil)
	eng := obligation.NewEngine(obligation.NewStore(), obligation.Config{TickInterval: time.Hour})
	q := NewCommandQueue(st, eng, agent.NewClient())
	return q, st, eng
}

func pushlessNode(id string) *types.Node {
	return &types.Node{
		ID:            id,
		WalletAddress: "0x" + id,
		Status:        types.NodeStatusOnline,
		LastHeartbeat: time.Now(),
		PushDisabled:  true, // exercise the pull path only
	}
}

func TestGetAndClearPendingCommands(t *testing.T) {
	q, _, _ := newQueue(t)

	q.AddPendingCommand("n1", &types.NodeCommand{CommandID: "c1"})
	q.AddPendingCommand("n1", &types.NodeCommand{CommandID: "c2"})
	// Duplicate command id is absorbed.
	q.AddPendingCommand("n1", &types.NodeCommand{CommandID: "c1"})

	cmds := q.GetAndClearPendingCommands("n1")
	require.Len(t, cmds, 2)
	// FIFO within the node's queue.
	assert.Equal(t, "c1", cmds[0].CommandID)
	assert.Equal(t, "c2", cmds[1].CommandID)

	// Drained atomically.
	assert.Empty(t, q.GetAndClearPendingCommands("n1"))
}

func TestIssueCommandEnforcesSingleOutstanding(t *testing.T) {
	q, st, _ := newQueue(t)
	node := pushlessNode("n1")
	require.NoError(t, st.SaveNode(node))

	vm := &types.VirtualMachine{ID: "vm1", NodeID: "n1", Status: types.VMStatusProvisioning}
	require.NoError(t, st.SaveVM(vm))

	cmd, err := q.IssueCommand(context.Background(), vm, node, types.CommandCreateVM, "{}", false)
	require.NoError(t, err)
	assert.Equal(t, cmd.CommandID, vm.ActiveCommandID)

	// A second state-changing command for the same VM conflicts.
	_, err = q.IssueCommand(context.Background(), vm, node, types.CommandStopVM, "", false)
	assert.ErrorIs(t, err, types.ErrConflict)

	// Recovery reissue supersedes the lost command.
	cmd2, err := q.IssueCommand(context.Background(), vm, node, types.CommandCreateVM, "{}", true)
	require.NoError(t, err)
	assert.NotEqual(t, cmd.CommandID, cmd2.CommandID)

	// The registration invariant: every active command id resolves.
	reg, ok := q.Registration(cmd2.CommandID)
	require.True(t, ok)
	assert.Equal(t, "vm1", reg.VMID)
	assert.Equal(t, "n1", reg.NodeID)
}

func TestHandleAckWakesObligationAndClearsGate(t *testing.T) {
	q, st, eng := newQueue(t)
	node := pushlessNode("n1")
	require.NoError(t, st.SaveNode(node))
	vm := &types.VirtualMachine{ID: "vm1", NodeID: "n1", Status: types.VMStatusProvisioning}
	require.NoError(t, st.SaveVM(vm))

	cmd, err := q.IssueCommand(context.Background(), vm, node, types.CommandCreateVM, "{}", false)
	require.NoError(t, err)

	// Park an obligation on the ack signal.
	ob, _ := eng.Create(obligation.CreateRequest{Type: "vm.provision", ResourceType: "vm", ResourceID: "vm1"})
	require.NoError(t, eng.Store().Mutate(ob.ID, func(o *types.Obligation) {
		o.Status = types.ObligationWaitingForSignal
		o.SignalKey = SignalCommandAck(cmd.CommandID)
	}))

	q.HandleAck(&types.CommandAcknowledgment{
		CommandID:   cmd.CommandID,
		Success:     true,
		CompletedAt: time.Now(),
		Data:        map[string]string{"privateIp": "10.0.0.9"},
	})

	woken, err := eng.Store().Get(ob.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ObligationPending, woken.Status)
	assert.Equal(t, "true", woken.Data["success"])
	assert.Equal(t, "10.0.0.9", woken.Data["privateIp"])

	got, err := st.GetVM("vm1")
	require.NoError(t, err)
	assert.Empty(t, got.ActiveCommandID)

	// Replaying the ack is a no-op: registration is gone, obligation
	// untouched.
	require.NoError(t, eng.Store().Mutate(ob.ID, func(o *types.Obligation) {
		o.Data["success"] = "consumed"
	}))
	q.HandleAck(&types.CommandAcknowledgment{CommandID: cmd.CommandID, Success: false})

	again, err := eng.Store().Get(ob.ID)
	require.NoError(t, err)
	assert.Equal(t, "consumed", again.Data["success"])
}

func TestAckForUnknownCommandDropped(t *testing.T) {
	q, _, _ := newQueue(t)
	// Must not panic or create state.
	q.HandleAck(&types.CommandAcknowledgment{CommandID: "never-issued", Success: true})
	_, ok := q.Registration("never-issued")
	assert.False(t, ok)
}

func TestCleanupStaleRegistrations(t *testing.T) {
	q, st, _ := newQueue(t)
	node := pushlessNode("n1")
	require.NoError(t, st.SaveNode(node))
	vm := &types.VirtualMachine{ID: "vm1", NodeID: "n1", Status: types.VMStatusProvisioning}
	require.NoError(t, st.SaveVM(vm))

	cmd, err := q.IssueCommand(context.Background(), vm, node, types.CommandCreateVM, "{}", false)
	require.NoError(t, err)

	// Nothing stale yet.
	assert.Equal(t, 0, q.CleanupStaleRegistrations())

	// Age the registration past the timeout.
	q.mu.Lock()
	q.registrations[cmd.CommandID].IssuedAt = time.Now().Add(-8 * time.Minute)
	q.mu.Unlock()

	assert.Equal(t, 1, q.CleanupStaleRegistrations())
	_, ok := q.Registration(cmd.CommandID)
	assert.False(t, ok)
}
