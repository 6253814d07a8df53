package handlers

import (
	"context"

	"github.com/decloud/orchestrator/pkg/types"
)

// IngressService wires a VM's hostname and proxy routing. DNS and proxy
// mechanics live outside the core.
type IngressService interface {
	RegisterIngress(ctx context.Context, vm *types.VirtualMachine) (*types.IngressConfig, error)
	RemoveIngress(ctx context.Context, vm *types.VirtualMachine) error
}

// SettlementService is the on-chain settlement boundary.
type SettlementService interface {
	SettleTemplateFee(ctx context.Context, vm *types.VirtualMachine, template *types.VMTemplate) error
	SettleUsage(ctx context.Context, records []*types.UsageRecord) error
}

// UsageRecorder triggers a billing pass; implemented by billing.Gate.
type UsageRecorder interface {
	RunOnce()
}
