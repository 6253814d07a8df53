package main

import (
	"context"
	"fmt"
	"time"

	"github.com/decloud/orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// Local stand-ins for the external collaborators. Production deployments
// replace these with clients for the balance, ingress and settlement
// services; the core only sees the interfaces.

// localBalanceService approves every charge. The real balance subsystem
// composes on-chain escrow minus unsettled usage.
type localBalanceService struct{}

func (localBalanceService) HasSufficientBalance(userID string, amount types.Money) bool {
	return true
}

func (localBalanceService) GetAvailable(userID string) types.Money {
	return types.MoneyFromCredits(1_000_000)
}

// localIngressService assigns hostnames without touching DNS.
type localIngressService struct{}

func (localIngressService) RegisterIngress(ctx context.Context, vm *types.VirtualMachine) (*types.IngressConfig, error) {
	return &types.IngressConfig{
		Hostname:     fmt.Sprintf("%s.vms.decloud.network", vm.ID[:8]),
		TargetPort:   80,
		RegisteredAt: time.Now().UTC(),
	}, nil
}

func (localIngressService) RemoveIngress(ctx context.Context, vm *types.VirtualMachine) error {
	return nil
}

// localSettlementService records settlements in the log only.
type localSettlementService struct {
	logger zerolog.Logger
}

func (s localSettlementService) SettleTemplateFee(ctx context.Context, vm *types.VirtualMachine, template *types.VMTemplate) error {
	s.logger.Info().
		Str("vm_id", vm.ID).
		Str("template", template.Slug).
		Float64("fee_percent", template.FeePercent).
		Msg("Template fee settlement recorded")
	return nil
}

func (s localSettlementService) SettleUsage(ctx context.Context, records []*types.UsageRecord) error {
	s.logger.Info().Int("records", len(records)).Msg("Usage settlement recorded")
	return nil
}
