package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/nodes"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/types"
)

// createVMPayload is the CreateVm command body sent to the node agent.
type createVMPayload struct {
	VMID    string       `json:"vmId"`
	Name    string       `json:"name"`
	Spec    types.VMSpec `json:"spec"`
	ImageID string       `json:"imageId"`
}

// ScheduleVM places a Pending VM. Success spawns vm.provision; an empty
// candidate set is a policy failure, not a retry.
func (h *Handlers) ScheduleVM(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.store.GetVM(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm not found: %v", err))
	}

	// Re-running on an already placed VM is a no-op.
	if vm.NodeID != "" && vm.Status != types.VMStatusPending && vm.Status != types.VMStatusScheduling {
		return obligation.Completed()
	}
	if vm.NodeID != "" {
		return obligation.Completed(h.provisionChild(vm.ID))
	}

	vm.Status = types.VMStatusScheduling
	if err := h.store.SaveVM(vm); err != nil {
		return obligation.Retry(fmt.Sprintf("failed to save vm: %v", err))
	}

	placement, err := h.scheduler.Schedule(&vm.Spec)
	if err != nil {
		if errors.Is(err, types.ErrNoCapacity) || errors.Is(err, types.ErrValidation) {
			vm.Status = types.VMStatusError
			vm.StatusMessage = "no node fits"
			if saveErr := h.store.SaveVM(vm); saveErr != nil {
				h.logger.Error().Err(saveErr).Str("vm_id", vm.ID).Msg("Failed to record scheduling failure")
			}
			h.broker.Publish(&types.Event{
				Type:    events.EventVMError,
				VMID:    vm.ID,
				Message: "no node fits",
			})
			return obligation.PermanentFailure("no node fits")
		}
		return obligation.Retry(fmt.Sprintf("scheduling failed: %v", err))
	}

	vm.NodeID = placement.NodeID
	vm.ComputePointCost = placement.ComputePointCost
	vm.HourlyRate = h.hourlyRate(vm)
	if err := h.store.SaveVM(vm); err != nil {
		// The reservation was committed; release before retrying so points
		// are not leaked.
		h.scheduler.Release(placement.NodeID, placement.ComputePointCost)
		return obligation.Retry(fmt.Sprintf("failed to save placement: %v", err))
	}

	h.broker.Publish(&types.Event{
		Type:    events.EventVMScheduled,
		VMID:    vm.ID,
		NodeID:  vm.NodeID,
		Message: fmt.Sprintf("placed on %s for %d points", vm.NodeID, vm.ComputePointCost),
	})

	return obligation.Completed(h.provisionChild(vm.ID))
}

// Chain children carry deadlines so an obligation parked on a signal that
// never arrives expires instead of blocking the recovery scanner's dedup.
const (
	provisionDeadline = 15 * time.Minute
	startDeadline     = 30 * time.Minute
	fanOutDeadline    = 30 * time.Minute
)

func (h *Handlers) provisionChild(vmID string) obligation.ChildSpec {
	return obligation.ChildSpec{
		Type:         types.ObligationVMProvision,
		ResourceType: "vm",
		ResourceID:   vmID,
		Priority:     8,
		Deadline:     h.nowUTC().Add(provisionDeadline),
	}
}

// hourlyRate prices the VM: per-point rate for its tier times point cost,
// scaled by the tier's price multiplier.
func (h *Handlers) hourlyRate(vm *types.VirtualMachine) types.Money {
	tier, err := h.store.GetPricingTier(vm.Spec.QualityTier)
	if err != nil {
		return 0
	}
	cfg := h.store.GetSchedulingConfig()
	multiplier := 1.0
	if policy, ok := cfg.Tiers[vm.Spec.QualityTier]; ok {
		multiplier = policy.PriceMultiplier
	}
	return types.Money(float64(tier.HourlyRate) * float64(vm.ComputePointCost) * multiplier)
}

// ProvisionVM enqueues CreateVm on the placed node and parks until the
// agent's acknowledgement. A failed ack retries with a fresh command.
func (h *Handlers) ProvisionVM(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.store.GetVM(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm not found: %v", err))
	}
	if vm.Status == types.VMStatusRunning {
		return obligation.Completed()
	}
	if vm.NodeID == "" {
		return obligation.PermanentFailure("vm has no placement")
	}

	// Woken by the command ack?
	if outcome, ok := ob.Data["success"]; ok && ob.Data["commandId"] != "" {
		if outcome == "true" {
			return obligation.Completed(obligation.ChildSpec{
				Type:         types.ObligationVMStart,
				ResourceType: "vm",
				ResourceID:   vm.ID,
				Priority:     8,
				Deadline:     h.nowUTC().Add(startDeadline),
			})
		}
		// Clear the consumed ack fields so the retry issues a new command.
		return obligation.Retry(fmt.Sprintf("agent rejected CreateVm: %s", ob.Data["error"])).
			WithData(map[string]string{"success": "", "commandId": ""})
	}

	node, err := h.store.GetNode(vm.NodeID)
	if err != nil {
		return obligation.Retry(fmt.Sprintf("placed node unavailable: %v", err))
	}

	payload, err := json.Marshal(createVMPayload{
		VMID:    vm.ID,
		Name:    vm.Name,
		Spec:    vm.Spec,
		ImageID: vm.Spec.ImageID,
	})
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("failed to encode payload: %v", err))
	}

	vm.Status = types.VMStatusProvisioning
	if err := h.store.SaveVM(vm); err != nil {
		return obligation.Retry(fmt.Sprintf("failed to save vm: %v", err))
	}

	// Recovery runs supersede a lost in-flight command.
	replaceActive := ob.Data["recovery"] == "true" || ob.AttemptCount > 1
	cmd, err := h.commands.IssueCommand(ctx, vm, node, types.CommandCreateVM, string(payload), replaceActive)
	if err != nil {
		return obligation.Retry(fmt.Sprintf("failed to issue CreateVm: %v", err))
	}

	return obligation.WaitingForSignal(nodes.SignalCommandAck(cmd.CommandID)).
		WithData(map[string]string{"commandId": cmd.CommandID})
}

// StartVM waits for the VM to surface an IP through heartbeat reconcile,
// then marks it Running and fans out the post-start obligations.
func (h *Handlers) StartVM(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.store.GetVM(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm not found: %v", err))
	}

	if vm.PrivateIP == "" {
		return obligation.WaitingForSignal("vm-ip-assigned:" + vm.ID)
	}

	vm.Status = types.VMStatusRunning
	vm.PowerState = types.PowerStateOn
	vm.StatusMessage = ""
	if err := h.store.SaveVM(vm); err != nil {
		return obligation.Retry(fmt.Sprintf("failed to save vm: %v", err))
	}

	if node, err := h.store.GetNode(vm.NodeID); err == nil {
		node.TotalVMsHosted++
		if err := h.store.SaveNode(node); err != nil {
			h.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to bump hosted count")
		}
	}

	// Establish the attestation RTT baseline off the handler's clock.
	go func() {
		if err := h.attestation.Calibrate(context.Background(), vm.ID); err != nil {
			h.logger.Warn().Err(err).Str("vm_id", vm.ID).Msg("RTT calibration failed")
		}
	}()

	h.broker.Publish(&types.Event{
		Type:    events.EventVMRunning,
		VMID:    vm.ID,
		NodeID:  vm.NodeID,
		Message: "vm running",
	})

	deadline := h.nowUTC().Add(fanOutDeadline)
	children := []obligation.ChildSpec{
		{Type: types.ObligationVMRegisterIngress, ResourceType: "vm", ResourceID: vm.ID, Priority: 4, Deadline: deadline},
		{Type: types.ObligationVMAllocatePorts, ResourceType: "vm", ResourceID: vm.ID, Priority: 4, Deadline: deadline},
	}
	if vm.TemplateID != "" {
		children = append(children, obligation.ChildSpec{
			Type: types.ObligationVMSettleTemplateFee, ResourceType: "vm", ResourceID: vm.ID, Priority: 2, Deadline: deadline,
		})
	}
	return obligation.Completed(children...)
}

// StopVM drives the stop command and releases the compute-point
// reservation once the agent confirms.
func (h *Handlers) StopVM(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.store.GetVM(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm not found: %v", err))
	}
	if vm.Status == types.VMStatusStopped || vm.Status == types.VMStatusDeleted {
		return obligation.Completed()
	}

	if outcome, ok := ob.Data["success"]; ok && ob.Data["commandId"] != "" {
		if outcome != "true" {
			return obligation.Retry(fmt.Sprintf("agent rejected StopVm: %s", ob.Data["error"])).
				WithData(map[string]string{"success": "", "commandId": ""})
		}
		vm.Status = types.VMStatusStopped
		vm.PowerState = types.PowerStateOff
		if reason := ob.Data["reason"]; reason != "" {
			vm.StatusMessage = reason
		}
		if err := h.store.SaveVM(vm); err != nil {
			return obligation.Retry(fmt.Sprintf("failed to save vm: %v", err))
		}
		h.scheduler.Release(vm.NodeID, vm.ComputePointCost)
		if node, err := h.store.GetNode(vm.NodeID); err == nil {
			node.SuccessfulVMCompletions++
			if err := h.store.SaveNode(node); err != nil {
				h.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to bump completions")
			}
		}
		h.broker.Publish(&types.Event{
			Type:    events.EventVMStopped,
			VMID:    vm.ID,
			NodeID:  vm.NodeID,
			Message: vm.StatusMessage,
		})
		return obligation.Completed()
	}

	node, err := h.store.GetNode(vm.NodeID)
	if err != nil {
		return obligation.Retry(fmt.Sprintf("placed node unavailable: %v", err))
	}

	vm.Status = types.VMStatusStopping
	if err := h.store.SaveVM(vm); err != nil {
		return obligation.Retry(fmt.Sprintf("failed to save vm: %v", err))
	}

	cmd, err := h.commands.IssueCommand(ctx, vm, node, types.CommandStopVM, "", ob.AttemptCount > 1)
	if err != nil {
		return obligation.Retry(fmt.Sprintf("failed to issue StopVm: %v", err))
	}
	return obligation.WaitingForSignal(nodes.SignalCommandAck(cmd.CommandID)).
		WithData(map[string]string{"commandId": cmd.CommandID})
}

// DeleteVM tears the VM down on its node and retires the record. Deleted is
// terminal; the record stays in the durable store for audit.
func (h *Handlers) DeleteVM(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.store.GetVM(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm not found: %v", err))
	}
	if vm.Status == types.VMStatusDeleted {
		return obligation.Completed()
	}

	finish := func() obligation.Result {
		if vm.NodeID != "" {
			h.scheduler.Release(vm.NodeID, vm.ComputePointCost)
		}
		vm.Status = types.VMStatusDeleted
		vm.PowerState = types.PowerStateOff
		vm.DeletedAt = h.nowUTC()
		if err := h.store.SaveVM(vm); err != nil {
			return obligation.Retry(fmt.Sprintf("failed to save vm: %v", err))
		}
		if h.ingress != nil && vm.Ingress != nil {
			if err := h.ingress.RemoveIngress(ctx, vm); err != nil {
				h.logger.Warn().Err(err).Str("vm_id", vm.ID).Msg("Failed to remove ingress")
			}
		}
		h.broker.Publish(&types.Event{
			Type:    events.EventVMDeleted,
			VMID:    vm.ID,
			Message: "vm deleted",
		})
		return obligation.Completed()
	}

	// A VM that never reached a node has nothing to tear down.
	if vm.NodeID == "" {
		return finish()
	}

	if outcome, ok := ob.Data["success"]; ok && ob.Data["commandId"] != "" {
		if outcome != "true" {
			return obligation.Retry(fmt.Sprintf("agent rejected DeleteVm: %s", ob.Data["error"])).
				WithData(map[string]string{"success": "", "commandId": ""})
		}
		return finish()
	}

	node, err := h.store.GetNode(vm.NodeID)
	if err != nil {
		// Node is gone; the VM cannot be torn down remotely, retire it.
		return finish()
	}

	vm.Status = types.VMStatusDeleting
	if err := h.store.SaveVM(vm); err != nil {
		return obligation.Retry(fmt.Sprintf("failed to save vm: %v", err))
	}

	cmd, err := h.commands.IssueCommand(ctx, vm, node, types.CommandDeleteVM, "", true)
	if err != nil {
		return obligation.Retry(fmt.Sprintf("failed to issue DeleteVm: %v", err))
	}
	return obligation.WaitingForSignal(nodes.SignalCommandAck(cmd.CommandID)).
		WithData(map[string]string{"commandId": cmd.CommandID})
}

// RegisterIngress wires the VM's hostname through the ingress collaborator.
func (h *Handlers) RegisterIngress(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.store.GetVM(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm not found: %v", err))
	}
	if vm.Ingress != nil {
		return obligation.Completed()
	}
	if vm.Status != types.VMStatusRunning || vm.PrivateIP == "" {
		return obligation.Retry("vm not ready for ingress")
	}
	if h.ingress == nil {
		return obligation.Completed()
	}

	cfg, err := h.ingress.RegisterIngress(ctx, vm)
	if err != nil {
		return obligation.Retry(fmt.Sprintf("ingress registration failed: %v", err))
	}
	vm.Ingress = cfg
	if err := h.store.SaveVM(vm); err != nil {
		return obligation.Retry(fmt.Sprintf("failed to save vm: %v", err))
	}
	return obligation.Completed()
}

// AllocatePorts asks the node to open the template's non-HTTP exposed ports.
func (h *Handlers) AllocatePorts(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.store.GetVM(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm not found: %v", err))
	}
	if vm.TemplateID == "" {
		return obligation.Completed()
	}

	tpl, err := h.store.GetTemplate(vm.TemplateID)
	if err != nil {
		return obligation.Completed() // template gone; nothing to allocate
	}

	var wanted []types.PortMapping
	for _, pm := range tpl.ExposedPorts {
		if pm.Protocol == "http" || pm.Protocol == "ws" {
			continue // ingress handles these
		}
		wanted = append(wanted, pm)
	}
	if len(wanted) == 0 {
		return obligation.Completed()
	}

	if outcome, ok := ob.Data["success"]; ok && ob.Data["commandId"] != "" {
		if outcome != "true" {
			return obligation.Retry(fmt.Sprintf("agent rejected AllocatePort: %s", ob.Data["error"])).
				WithData(map[string]string{"success": "", "commandId": ""})
		}
		return obligation.Completed()
	}

	node, err := h.store.GetNode(vm.NodeID)
	if err != nil {
		return obligation.Retry(fmt.Sprintf("placed node unavailable: %v", err))
	}

	payload, err := json.Marshal(map[string]interface{}{"vmId": vm.ID, "ports": wanted})
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("failed to encode payload: %v", err))
	}
	cmd := h.commands.IssueNodeCommand(ctx, node, types.CommandAllocatePort, string(payload), true)
	return obligation.WaitingForSignal(nodes.SignalCommandAck(cmd.CommandID)).
		WithData(map[string]string{"commandId": cmd.CommandID})
}

// SettleTemplateFee pays the template creator through the settlement
// collaborator.
func (h *Handlers) SettleTemplateFee(ctx context.Context, ob *types.Obligation) obligation.Result {
	vm, err := h.store.GetVM(ob.ResourceID)
	if err != nil {
		return obligation.PermanentFailure(fmt.Sprintf("vm not found: %v", err))
	}
	if vm.TemplateID == "" || h.settlement == nil {
		return obligation.Completed()
	}
	tpl, err := h.store.GetTemplate(vm.TemplateID)
	if err != nil {
		return obligation.Completed()
	}
	if tpl.FeePercent <= 0 {
		return obligation.Completed()
	}
	if err := h.settlement.SettleTemplateFee(ctx, vm, tpl); err != nil {
		return obligation.Retry(fmt.Sprintf("template fee settlement failed: %v", err))
	}
	return obligation.Completed()
}
