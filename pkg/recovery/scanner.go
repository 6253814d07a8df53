package recovery

import (
	"context"
	"time"

	"github.com/decloud/orchestrator/pkg/billing"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/nodes"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/store"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// ScanInterval is the scanner cadence.
	ScanInterval = time.Minute
	// pendingStuckAfter flags VMs that never entered scheduling.
	pendingStuckAfter = 30 * time.Second
)

// Scanner creates obligations for resources stuck in intermediate states.
// Obligation dedup makes every scan idempotent: a still-pending obligation
// absorbs the re-create.
type Scanner struct {
	store  *store.StateStore
	engine *obligation.Engine
	logger zerolog.Logger
	now    func() time.Time
}

// NewScanner wires the scanner.
func NewScanner(st *store.StateStore, eng *obligation.Engine) *Scanner {
	return &Scanner{
		store:  st,
		engine: eng,
		logger: log.WithComponent("recovery"),
		now:    time.Now,
	}
}

// Run scans every minute until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(ScanInterval)
	defer ticker.Stop()

	s.logger.Info().Msg("Recovery scanner started")
	for {
		select {
		case <-ticker.C:
			s.Scan()
		case <-ctx.Done():
			s.logger.Info().Msg("Recovery scanner stopped")
			return
		}
	}
}

// Scan runs one pass over the hot working set.
func (s *Scanner) Scan() {
	now := s.now()

	for _, vm := range s.allLiveVMs() {
		switch vm.Status {
		case types.VMStatusPending:
			if now.Sub(vm.CreatedAt) > pendingStuckAfter {
				s.create(types.ObligationVMSchedule, "vm", vm.ID, 10, 10*time.Minute, nil)
			}

		case types.VMStatusProvisioning:
			stale := vm.ActiveCommandID == "" ||
				(!vm.ActiveCommandIssuedAt.IsZero() && now.Sub(vm.ActiveCommandIssuedAt) > nodes.StaleCommandTimeout)
			if stale {
				s.create(types.ObligationVMProvision, "vm", vm.ID, 8, 15*time.Minute,
					map[string]string{"recovery": "true"})
			}

		case types.VMStatusRunning:
			if vm.PrivateIP != "" && vm.Ingress == nil {
				s.create(types.ObligationVMRegisterIngress, "vm", vm.ID, 4, 30*time.Minute, nil)
			}
			if vm.TemplateID != "" && s.missingPortAllocations(vm) {
				s.create(types.ObligationVMAllocatePorts, "vm", vm.ID, 4, 30*time.Minute, nil)
			}
			// Billed VM whose billing clock stalled past two cycles: the
			// scheduled gate missed it, drive a pass through the engine.
			if vm.OwnerID != "" && !vm.LastBilledAt.IsZero() &&
				now.Sub(vm.LastBilledAt) > 2*billing.Interval {
				s.create(types.ObligationBillingRecordUsage, "vm", vm.ID, 2, 30*time.Minute, nil)
			}
		}
	}

	for _, node := range s.store.GetActiveNodes() {
		if node.Status != types.NodeStatusOnline {
			continue
		}
		if node.Hardware.Network.NATType == types.NATTypeNone && node.RelayInfo == nil {
			s.create(types.ObligationNodeDeployRelayVM, "node", node.ID, 3, time.Hour, nil)
		}
		if node.Hardware.Network.NATType != types.NATTypeNone && node.CGNATInfo == nil {
			s.create(types.ObligationNodeAssignRelay, "node", node.ID, 3, time.Hour, nil)
		}
	}
}

// allLiveVMs is the hot set; Pending VMs are not hot, so they come from the
// durable store as well.
func (s *Scanner) allLiveVMs() []*types.VirtualMachine {
	vms := s.store.GetActiveVMs()
	seen := make(map[string]struct{}, len(vms))
	for _, vm := range vms {
		seen[vm.ID] = struct{}{}
	}
	all, err := s.store.ListPendingVMs()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list pending VMs")
		return vms
	}
	for _, vm := range all {
		if _, dup := seen[vm.ID]; !dup {
			vms = append(vms, vm)
		}
	}
	return vms
}

// missingPortAllocations reports whether the VM's template exposes ports the
// node has not allocated yet. HTTP and WS protocols are ingress's job and
// are ignored here.
func (s *Scanner) missingPortAllocations(vm *types.VirtualMachine) bool {
	tpl, err := s.store.GetTemplate(vm.TemplateID)
	if err != nil {
		return false
	}

	allocated := make(map[int]struct{}, len(vm.PortMappings))
	for _, pm := range vm.PortMappings {
		allocated[pm.GuestPort] = struct{}{}
	}

	for _, exposed := range tpl.ExposedPorts {
		if exposed.Protocol == "http" || exposed.Protocol == "ws" {
			continue
		}
		if _, ok := allocated[exposed.GuestPort]; !ok {
			return true
		}
	}
	return false
}

func (s *Scanner) create(obType, resourceType, resourceID string, priority int, deadline time.Duration, data map[string]string) {
	_, created := s.engine.Create(obligation.CreateRequest{
		Type:         obType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Priority:     priority,
		Deadline:     s.now().Add(deadline),
		Data:         data,
	})
	if created {
		metrics.RecoveryObligations.WithLabelValues(obType).Inc()
		s.logger.Info().
			Str("type", obType).
			Str("resource", resourceType+":"+resourceID).
			Msg("Recovery obligation created")
	}
}
