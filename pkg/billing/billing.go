package billing

import (
	"fmt"
	"time"

	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/store"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Interval is the billing pass cadence.
const Interval = 5 * time.Minute

// SettlementInterval is the on-chain settlement sweep cadence.
const SettlementInterval = time.Hour

// BalanceService is the external balance subsystem. It composes on-chain
// escrow minus unsettled usage; the gate only consumes its decisions.
type BalanceService interface {
	HasSufficientBalance(userID string, amount types.Money) bool
	GetAvailable(userID string) types.Money
}

// Gate bills running VMs, gated on attestation liveness. The attestation
// engine owns billingPaused; the gate only reads it.
type Gate struct {
	store      *store.StateStore
	engine     *obligation.Engine
	broker     *events.Broker
	balance    BalanceService
	feePercent float64
	logger     zerolog.Logger
	now        func() time.Time
}

// NewGate wires the billing gate. feePercent is Payment.PlatformFeePercent.
func NewGate(st *store.StateStore, eng *obligation.Engine, broker *events.Broker, balance BalanceService, feePercent float64) *Gate {
	return &Gate{
		store:      st,
		engine:     eng,
		broker:     broker,
		balance:    balance,
		feePercent: feePercent,
		logger:     log.WithComponent("billing"),
		now:        time.Now,
	}
}

// RunOnce executes one billing pass over the running fleet.
func (g *Gate) RunOnce() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BillingCycleDuration)

	now := g.now()
	for _, vm := range g.store.GetActiveVMs() {
		if vm.Status != types.VMStatusRunning || vm.OwnerID == "" {
			continue
		}

		// First pass after start: establish the billing baseline.
		if vm.LastBilledAt.IsZero() {
			vm.LastBilledAt = now
			g.save(vm)
			continue
		}

		elapsedMinutes := now.Sub(vm.LastBilledAt).Minutes()
		if elapsedMinutes <= 0 {
			continue
		}

		// Liveness not proven: the interval accrues as unverified runtime
		// and is not charged.
		if vm.Liveness.BillingPaused {
			vm.UnverifiedRuntimeMinutes += elapsedMinutes
			vm.LastBilledAt = now
			g.save(vm)
			continue
		}

		cost := types.Money(float64(vm.HourlyRate) * elapsedMinutes / 60)
		if cost <= 0 {
			vm.LastBilledAt = now
			g.save(vm)
			continue
		}

		if !g.balance.HasSufficientBalance(vm.OwnerID, cost) {
			g.stopForInsufficientFunds(vm)
			continue
		}

		g.charge(vm, cost, elapsedMinutes, now)
	}
}

// EnqueueSettlements creates a billing.settle obligation for every user
// holding unsettled usage. Obligation dedup absorbs repeats while a
// settlement is still in flight.
func (g *Gate) EnqueueSettlements() {
	for _, userID := range g.store.UnpaidUsageUserIDs() {
		_, created := g.engine.Create(obligation.CreateRequest{
			Type:         types.ObligationBillingSettle,
			ResourceType: "user",
			ResourceID:   userID,
			Priority:     2,
			Deadline:     g.now().Add(SettlementInterval),
			Data:         map[string]string{"userId": userID},
		})
		if created {
			g.logger.Debug().Str("user_id", userID).Msg("Settlement obligation created")
		}
	}
}

func (g *Gate) charge(vm *types.VirtualMachine, cost types.Money, minutes float64, now time.Time) {
	fee := types.Money(float64(cost) * g.feePercent / 100)
	payout := cost - fee

	record := &types.UsageRecord{
		ID:          uuid.New().String(),
		UserID:      vm.OwnerID,
		VMID:        vm.ID,
		NodeID:      vm.NodeID,
		PeriodStart: vm.LastBilledAt.UTC(),
		PeriodEnd:   now.UTC(),
		Cost:        cost,
		NodePayout:  payout,
		PlatformFee: fee,
		CreatedAt:   now.UTC(),
	}
	if err := g.store.SaveUsageRecord(record); err != nil {
		g.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Failed to save usage record")
		return
	}
	metrics.UsageRecordsTotal.Inc()

	vm.LastBilledAt = now
	vm.VerifiedRuntimeMinutes += minutes
	g.save(vm)

	if node, err := g.store.GetNode(vm.NodeID); err == nil {
		node.PendingPayout += payout
		if err := g.store.SaveNode(node); err != nil {
			g.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to credit node payout")
		}
	}

	g.logger.Debug().
		Str("vm_id", vm.ID).
		Str("cost", cost.String()).
		Str("payout", payout.String()).
		Msg("Usage billed")
}

func (g *Gate) stopForInsufficientFunds(vm *types.VirtualMachine) {
	g.broker.Publish(&types.Event{
		Type:    events.EventBillingInsufficient,
		VMID:    vm.ID,
		Message: fmt.Sprintf("available balance below %s", types.Money(float64(vm.HourlyRate)).String()),
	})
	_, created := g.engine.Create(obligation.CreateRequest{
		Type:         types.ObligationVMStop,
		ResourceType: "vm",
		ResourceID:   vm.ID,
		Priority:     9,
		Data:         map[string]string{"reason": "Insufficient funds"},
	})
	if created {
		g.logger.Warn().Str("vm_id", vm.ID).Str("owner", vm.OwnerID).
			Msg("Stopping VM: insufficient funds")
	}
}

func (g *Gate) save(vm *types.VirtualMachine) {
	if err := g.store.SaveVM(vm); err != nil {
		g.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Failed to save VM billing state")
	}
}
