package handlers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/decloud/orchestrator/pkg/agent"
	"github.com/decloud/orchestrator/pkg/attestation"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/nodes"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/scheduler"
	"github.com/decloud/orchestrator/pkg/store"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type fixture struct {
	store    *store.StateStore
	engine   *obligation.Engine
	commands *nodes.CommandQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewStateStore(nil)
	eng := obligation.NewEngine(obligation.NewStore(), obligation.Config{TickInterval: time.Hour, MaxConcurrent: 10})
	client := agent.NewClient()
	cmds := nodes.NewCommandQueue(st, eng, client)
	broker := events.NewBroker(nil)
	att := attestation.NewEngine(st, client, broker, attestation.Config{})

	h := New(st, scheduler.NewScheduler(st), cmds, att, broker, nil, nil, nil)
	h.RegisterAll(eng)

	return &fixture{store: st, engine: eng, commands: cmds}
}

func (f *fixture) addNode(t *testing.T, id string, cores int, reserved int) *types.Node {
	t.Helper()
	node := &types.Node{
		ID:            id,
		WalletAddress: "0x" + id,
		Status:        types.NodeStatusOnline,
		LastHeartbeat: time.Now(),
		Hardware: types.HardwareInventory{
			CPUCores:       cores,
			BenchmarkScore: 1000,
			MemoryBytes:    64 << 30,
			Storage:        []types.StorageDevice{{Type: "nvme", Bytes: 2 << 40}},
			Network:        types.NetworkInfo{NATType: types.NATTypeNone},
		},
		TotalComputePoints:    cores * types.ComputePointsPerCore,
		ReservedComputePoints: reserved,
		UptimePercentage:      99,
		PushDisabled:          true,
	}
	require.NoError(t, f.store.SaveNode(node))
	return node
}

func (f *fixture) addPendingVM(t *testing.T, id string) *types.VirtualMachine {
	t.Helper()
	vm := &types.VirtualMachine{
		ID:      id,
		Name:    "alpha",
		OwnerID: "user-1",
		Spec: types.VMSpec{
			VirtualCPUCores: 2,
			MemoryBytes:     4294967296,
			DiskBytes:       21474836480,
			QualityTier:     types.TierStandard,
			ImageID:         "ubuntu-24.04",
		},
		Status:    types.VMStatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, f.store.SaveVM(vm))
	return vm
}

// settle ticks the engine until the predicate holds.
func settle(t *testing.T, eng *obligation.Engine, pred func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		eng.Tick(context.Background())
		return pred()
	}, 5*time.Second, 10*time.Millisecond)
}

func obligationStatus(eng *obligation.Engine, obType, resourceID string) (types.ObligationStatus, bool) {
	all := eng.Store().Snapshot(func(ob *types.Obligation) bool {
		return ob.Type == obType && ob.ResourceID == resourceID
	})
	if len(all) == 0 {
		return "", false
	}
	return all[0].Status, true
}

func TestSuccessfulCreationChain(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "n1", 2, 0) // 16 points, all free
	f.addPendingVM(t, "vm-1")

	f.engine.Create(obligation.CreateRequest{
		Type: types.ObligationVMSchedule, ResourceType: "vm", ResourceID: "vm-1", Priority: 10,
	})

	// Schedule completes and provisioning parks on the command ack.
	settle(t, f.engine, func() bool {
		st, ok := obligationStatus(f.engine, types.ObligationVMProvision, "vm-1")
		return ok && st == types.ObligationWaitingForSignal
	})

	vm, err := f.store.GetVM("vm-1")
	require.NoError(t, err)
	assert.Equal(t, "n1", vm.NodeID)
	assert.Equal(t, 8, vm.ComputePointCost)
	assert.Equal(t, types.VMStatusProvisioning, vm.Status)
	require.NotEmpty(t, vm.ActiveCommandID)

	node, err := f.store.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, 8, node.ReservedComputePoints)

	// The matching registration exists for the outstanding command.
	reg, ok := f.commands.Registration(vm.ActiveCommandID)
	require.True(t, ok)
	assert.Equal(t, types.CommandCreateVM, reg.Type)

	// Agent acks the CreateVm command.
	f.commands.HandleAck(&types.CommandAcknowledgment{
		CommandID: vm.ActiveCommandID, Success: true, CompletedAt: time.Now(),
	})

	// Provision completes; vm.start parks waiting for the IP.
	settle(t, f.engine, func() bool {
		st, ok := obligationStatus(f.engine, types.ObligationVMStart, "vm-1")
		return ok && st == types.ObligationWaitingForSignal
	})

	// Heartbeat reconcile surfaces the IP and fires the signal.
	vm, _ = f.store.GetVM("vm-1")
	vm.PrivateIP = "10.0.0.9"
	require.NoError(t, f.store.SaveVM(vm))
	f.engine.Signal("vm-ip-assigned:vm-1", map[string]string{"privateIp": "10.0.0.9"})

	settle(t, f.engine, func() bool {
		got, err := f.store.GetVM("vm-1")
		return err == nil && got.Status == types.VMStatusRunning
	})

	// The whole chain landed Completed.
	settle(t, f.engine, func() bool {
		for _, obType := range []string{types.ObligationVMSchedule, types.ObligationVMProvision, types.ObligationVMStart} {
			st, ok := obligationStatus(f.engine, obType, "vm-1")
			if !ok || st != types.ObligationCompleted {
				return false
			}
		}
		return true
	})

	node, _ = f.store.GetNode("n1")
	assert.Equal(t, 1, node.TotalVMsHosted)
}

func TestInsufficientCapacityFailsVM(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "n1", 2, 12) // only 4 points free, 8 needed
	f.addPendingVM(t, "vm-1")

	f.engine.Create(obligation.CreateRequest{
		Type: types.ObligationVMSchedule, ResourceType: "vm", ResourceID: "vm-1", Priority: 10,
	})

	settle(t, f.engine, func() bool {
		st, ok := obligationStatus(f.engine, types.ObligationVMSchedule, "vm-1")
		return ok && st == types.ObligationFailed
	})

	vm, err := f.store.GetVM("vm-1")
	require.NoError(t, err)
	assert.Equal(t, types.VMStatusError, vm.Status)
	assert.Equal(t, "no node fits", vm.StatusMessage)
	assert.Empty(t, vm.ActiveCommandID, "no command issued")

	node, _ := f.store.GetNode("n1")
	assert.Equal(t, 12, node.ReservedComputePoints, "no points reserved")

	// The failure message is the policy message, not a retry trail.
	all := f.engine.Store().Snapshot(func(ob *types.Obligation) bool {
		return ob.Type == types.ObligationVMSchedule
	})
	require.Len(t, all, 1)
	assert.Equal(t, "no node fits", all[0].Message)
}

func TestScheduleIdempotentOnPlacedVM(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "n1", 4, 0)
	vm := f.addPendingVM(t, "vm-1")
	vm.NodeID = "n1"
	vm.ComputePointCost = 8
	vm.Status = types.VMStatusProvisioning
	require.NoError(t, f.store.SaveVM(vm))

	h := New(f.store, scheduler.NewScheduler(f.store), f.commands, nil, events.NewBroker(nil), nil, nil, nil)
	res := h.ScheduleVM(context.Background(), &types.Obligation{ResourceID: "vm-1"})
	assert.Equal(t, obligation.KindCompleted, res.Kind)

	node, _ := f.store.GetNode("n1")
	assert.Equal(t, 0, node.ReservedComputePoints, "re-run must not double-reserve")
}

func TestStopChainReleasesPoints(t *testing.T) {
	f := newFixture(t)
	node := f.addNode(t, "n1", 2, 8)

	vm := &types.VirtualMachine{
		ID: "vm-1", OwnerID: "user-1", NodeID: node.ID,
		Status: types.VMStatusRunning, ComputePointCost: 8,
		Spec: types.VMSpec{VirtualCPUCores: 2, MemoryBytes: 4 << 30},
	}
	require.NoError(t, f.store.SaveVM(vm))

	f.engine.Create(obligation.CreateRequest{
		Type: types.ObligationVMStop, ResourceType: "vm", ResourceID: "vm-1",
		Data: map[string]string{"reason": "Insufficient funds"},
	})

	settle(t, f.engine, func() bool {
		got, err := f.store.GetVM("vm-1")
		return err == nil && got.Status == types.VMStatusStopping && got.ActiveCommandID != ""
	})

	got, _ := f.store.GetVM("vm-1")
	f.commands.HandleAck(&types.CommandAcknowledgment{
		CommandID: got.ActiveCommandID, Success: true, CompletedAt: time.Now(),
	})

	settle(t, f.engine, func() bool {
		got, err := f.store.GetVM("vm-1")
		return err == nil && got.Status == types.VMStatusStopped
	})

	got, _ = f.store.GetVM("vm-1")
	assert.Equal(t, "Insufficient funds", got.StatusMessage)

	fresh, _ := f.store.GetNode("n1")
	assert.Equal(t, 0, fresh.ReservedComputePoints)
	assert.Equal(t, 1, fresh.SuccessfulVMCompletions)
}

func TestDeleteUnplacedVMRetiresImmediately(t *testing.T) {
	f := newFixture(t)
	f.addPendingVM(t, "vm-1")

	f.engine.Create(obligation.CreateRequest{
		Type: types.ObligationVMDelete, ResourceType: "vm", ResourceID: "vm-1",
	})

	settle(t, f.engine, func() bool {
		got, err := f.store.GetVM("vm-1")
		return err == nil && got.Status == types.VMStatusDeleted
	})
}

type fakeSettlement struct {
	settled int
	fail    bool
}

func (f *fakeSettlement) SettleTemplateFee(ctx context.Context, vm *types.VirtualMachine, template *types.VMTemplate) error {
	return nil
}

func (f *fakeSettlement) SettleUsage(ctx context.Context, records []*types.UsageRecord) error {
	if f.fail {
		return fmt.Errorf("chain unavailable")
	}
	f.settled += len(records)
	return nil
}

func TestSettleUsageMarksRecordsSettled(t *testing.T) {
	f := newFixture(t)
	settlement := &fakeSettlement{}
	h := New(f.store, scheduler.NewScheduler(f.store), f.commands, nil, events.NewBroker(nil), nil, settlement, nil)

	require.NoError(t, f.store.SaveUsageRecord(&types.UsageRecord{
		ID: "u1", UserID: "user-1", VMID: "vm1", CreatedAt: time.Now(),
	}))
	require.NoError(t, f.store.SaveUsageRecord(&types.UsageRecord{
		ID: "u2", UserID: "user-1", VMID: "vm2", CreatedAt: time.Now(),
	}))

	ob := &types.Obligation{
		Type:         types.ObligationBillingSettle,
		ResourceType: "user",
		ResourceID:   "user-1",
		Data:         map[string]string{"userId": "user-1"},
	}
	res := h.SettleUsage(context.Background(), ob)
	assert.Equal(t, obligation.KindCompleted, res.Kind)
	assert.Equal(t, 2, settlement.settled)
	assert.Empty(t, f.store.GetUnpaidUsage("user-1"))

	// Replaying with nothing left unpaid is a no-op.
	res = h.SettleUsage(context.Background(), ob)
	assert.Equal(t, obligation.KindCompleted, res.Kind)
	assert.Equal(t, 2, settlement.settled)
}

func TestSettleUsageRetriesOnChainFailure(t *testing.T) {
	f := newFixture(t)
	settlement := &fakeSettlement{fail: true}
	h := New(f.store, scheduler.NewScheduler(f.store), f.commands, nil, events.NewBroker(nil), nil, settlement, nil)

	require.NoError(t, f.store.SaveUsageRecord(&types.UsageRecord{
		ID: "u1", UserID: "user-1", VMID: "vm1", CreatedAt: time.Now(),
	}))

	res := h.SettleUsage(context.Background(), &types.Obligation{
		ResourceType: "user", ResourceID: "user-1",
	})
	assert.Equal(t, obligation.KindRetry, res.Kind)
	assert.Len(t, f.store.GetUnpaidUsage("user-1"), 1, "records stay unpaid until the chain confirms")
}

func TestFailedAckRetriesWithFreshCommand(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "n1", 2, 0)
	f.addPendingVM(t, "vm-1")

	f.engine.Create(obligation.CreateRequest{
		Type: types.ObligationVMSchedule, ResourceType: "vm", ResourceID: "vm-1", Priority: 10,
	})

	settle(t, f.engine, func() bool {
		got, err := f.store.GetVM("vm-1")
		return err == nil && got.ActiveCommandID != ""
	})

	first, _ := f.store.GetVM("vm-1")
	firstCmd := first.ActiveCommandID

	// Agent reports failure: the obligation retries and reissues.
	f.commands.HandleAck(&types.CommandAcknowledgment{
		CommandID: firstCmd, Success: false, ErrorMessage: "disk full", CompletedAt: time.Now(),
	})

	// Clear the retry backoff so the next tick redispatches.
	all := f.engine.Store().Snapshot(func(ob *types.Obligation) bool {
		return ob.Type == types.ObligationVMProvision
	})
	require.Len(t, all, 1)

	settle(t, f.engine, func() bool {
		ob, err := f.engine.Store().Get(all[0].ID)
		if err != nil || ob.Status != types.ObligationPending {
			return false
		}
		_ = f.engine.Store().Mutate(ob.ID, func(o *types.Obligation) { o.NextAttemptAfter = time.Time{} })
		return true
	})

	settle(t, f.engine, func() bool {
		got, err := f.store.GetVM("vm-1")
		return err == nil && got.ActiveCommandID != "" && got.ActiveCommandID != firstCmd
	})
}
