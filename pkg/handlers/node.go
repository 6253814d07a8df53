package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decloud/orchestrator/pkg/nodes"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
)

// relayVMSpec is the fixed footprint of a system relay VM.
var relayVMSpec = types.VMSpec{
	VirtualCPUCores: 1,
	MemoryBytes:     512 << 20,
	DiskBytes:       4 << 30,
	QualityTier:     types.TierStandard,
	ImageID:         "decloud-relay",
}

// AssignRelay binds a CGNAT node to an online relay node.
func (h *Handlers) AssignRelay(ctx context.Context, ob *types.Obligation) obligation.Result {
	node, err := h.store.GetNode(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("node not found: %v", err))
	}
	if node.CGNATInfo != nil {
		return obligation.Completed()
	}

	var relay *types.Node
	for _, candidate := range h.store.GetActiveNodes() {
		if candidate.ID == node.ID || candidate.Status != types.NodeStatusOnline {
			continue
		}
		if candidate.RelayInfo == nil {
			continue
		}
		if relay == nil || len(candidate.RelayInfo.ConnectedNodeIDs) < len(relay.RelayInfo.ConnectedNodeIDs) {
			relay = candidate
		}
	}
	if relay == nil {
		return obligation.Retry("no relay node available")
	}

	node.CGNATInfo = &types.CGNATInfo{
		RelayNodeID:   relay.ID,
		RelayEndpoint: relay.RelayInfo.Endpoint,
		AssignedAt:    h.nowUTC(),
	}
	if err := h.store.SaveNode(node); err != nil {
		return obligation.Retry(fmt.Sprintf("failed to save node: %v", err))
	}

	relay.RelayInfo.ConnectedNodeIDs = append(relay.RelayInfo.ConnectedNodeIDs, node.ID)
	if err := h.store.SaveNode(relay); err != nil {
		return obligation.Retry(fmt.Sprintf("failed to save relay node: %v", err))
	}
	return obligation.Completed()
}

// DeployRelayVM places a system relay VM directly on a publicly reachable
// node and records the relay binding once the agent confirms.
func (h *Handlers) DeployRelayVM(ctx context.Context, ob *types.Obligation) obligation.Result {
	node, err := h.store.GetNode(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("node not found: %v", err))
	}
	if node.RelayInfo != nil {
		return obligation.Completed()
	}
	if node.Hardware.Network.NATType != types.NATTypeNone {
		return obligation.PermanentFailure("node is not publicly reachable")
	}

	// Woken by the CreateVm ack?
	if outcome, ok := ob.Data["success"]; ok && ob.Data["commandId"] != "" {
		vmID := ob.Data["relayVmId"]
		if outcome != "true" {
			return obligation.Retry(fmt.Sprintf("agent rejected relay CreateVm: %s", ob.Data["error"])).
				WithData(map[string]string{"success": "", "commandId": ""})
		}
		node.RelayInfo = &types.RelayInfo{
			RelayVMID:  vmID,
			Endpoint:   fmt.Sprintf("%s:%d", node.Hardware.Network.PublicIP, 4500),
			DeployedAt: h.nowUTC(),
		}
		node.SystemVMObligations = append(node.SystemVMObligations, ob.ID)
		if err := h.store.SaveNode(node); err != nil {
			return obligation.Retry(fmt.Sprintf("failed to save node: %v", err))
		}
		if vm, err := h.store.GetVM(vmID); err == nil {
			vm.Status = types.VMStatusRunning
			vm.PowerState = types.PowerStateOn
			if err := h.store.SaveVM(vm); err != nil {
				h.logger.Error().Err(err).Str("vm_id", vmID).Msg("Failed to save relay vm")
			}
		}
		return obligation.Completed()
	}

	// System VM placed directly on the target node; the scheduler is not
	// consulted, the relay must live on this node.
	vm := &types.VirtualMachine{
		ID:        uuid.New().String(),
		Name:      "relay-" + node.ID[:8],
		OwnerID:   "", // system-owned, never billed
		NodeID:    node.ID,
		Spec:      relayVMSpec,
		Status:    types.VMStatusProvisioning,
		CreatedAt: h.nowUTC(),
	}
	if err := h.store.SaveVM(vm); err != nil {
		return obligation.Retry(fmt.Sprintf("failed to save relay vm: %v", err))
	}

	payload, err := json.Marshal(createVMPayload{VMID: vm.ID, Name: vm.Name, Spec: vm.Spec, ImageID: vm.Spec.ImageID})
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("failed to encode payload: %v", err))
	}
	cmd, err := h.commands.IssueCommand(ctx, vm, node, types.CommandCreateVM, string(payload), ob.AttemptCount > 1)
	if err != nil {
		return obligation.Retry(fmt.Sprintf("failed to issue relay CreateVm: %v", err))
	}
	return obligation.WaitingForSignal(nodes.SignalCommandAck(cmd.CommandID)).
		WithData(map[string]string{"commandId": cmd.CommandID, "relayVmId": vm.ID})
}

// EvaluatePerformance gates a node's schedulability on its benchmark: below
// the loosest tier's minimum the node is suspended.
func (h *Handlers) EvaluatePerformance(ctx context.Context, ob *types.Obligation) obligation.Result {
	node, err := h.store.GetNode(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("node not found: %v", err))
	}

	cfg := h.store.GetSchedulingConfig()
	lowest := 0.0
	for _, tier := range cfg.Tiers {
		if lowest == 0 || tier.MinimumBenchmark < lowest {
			lowest = tier.MinimumBenchmark
		}
	}

	if node.Hardware.BenchmarkScore < lowest {
		node.Status = types.NodeStatusSuspended
		if err := h.store.SaveNode(node); err != nil {
			return obligation.Retry(fmt.Sprintf("failed to save node: %v", err))
		}
		h.logger.Warn().
			Str("node_id", node.ID).
			Float64("benchmark", node.Hardware.BenchmarkScore).
			Float64("minimum", lowest).
			Msg("Node suspended: benchmark below every tier")
		return obligation.Completed()
	}

	// Capacity derives from physical cores; recompute in case the
	// inventory changed on re-registration.
	node.TotalComputePoints = node.Hardware.CPUCores * types.ComputePointsPerCore
	if err := h.store.SaveNode(node); err != nil {
		return obligation.Retry(fmt.Sprintf("failed to save node: %v", err))
	}
	return obligation.Completed()
}

// RecordUsage runs an out-of-band billing pass; the scheduled gate is the
// normal path, this obligation covers manual and recovery triggers.
func (h *Handlers) RecordUsage(ctx context.Context, ob *types.Obligation) obligation.Result {
	if h.usage == nil {
		return obligation.Completed()
	}
	h.usage.RunOnce()
	return obligation.Completed()
}

// SettleUsage pushes a user's unsettled usage through the settlement
// collaborator and marks the records settled.
func (h *Handlers) SettleUsage(ctx context.Context, ob *types.Obligation) obligation.Result {
	if h.settlement == nil {
		return obligation.Completed()
	}
	userID := ob.Data["userId"]
	if userID == "" {
		userID = ob.ResourceID
	}

	records := h.store.GetUnpaidUsage(userID)
	if len(records) == 0 {
		return obligation.Completed()
	}

	if err := h.settlement.SettleUsage(ctx, records); err != nil {
		return obligation.Retry(fmt.Sprintf("usage settlement failed: %v", err))
	}

	for _, r := range records {
		r.SettledOnChain = true
		if err := h.store.SaveUsageRecord(r); err != nil {
			h.logger.Error().Err(err).Str("usage_id", r.ID).Msg("Failed to mark usage settled")
		}
	}
	return obligation.Completed()
}

func (h *Handlers) nowUTC() time.Time {
	return time.Now().UTC()
}
