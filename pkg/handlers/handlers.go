package handlers

import (
	"github.com/decloud/orchestrator/pkg/attestation"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/nodes"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/scheduler"
	"github.com/decloud/orchestrator/pkg/store"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// Handlers binds every well-known obligation type to its implementation.
type Handlers struct {
	store       *store.StateStore
	scheduler   *scheduler.Scheduler
	commands    *nodes.CommandQueue
	attestation *attestation.Engine
	broker      *events.Broker
	ingress     IngressService
	settlement  SettlementService
	usage       UsageRecorder
	logger      zerolog.Logger
}

// New wires the handler set.
func New(st *store.StateStore, sched *scheduler.Scheduler, cmds *nodes.CommandQueue, att *attestation.Engine, broker *events.Broker, ingress IngressService, settlement SettlementService, usage UsageRecorder) *Handlers {
	return &Handlers{
		store:       st,
		scheduler:   sched,
		commands:    cmds,
		attestation: att,
		broker:      broker,
		ingress:     ingress,
		settlement:  settlement,
		usage:       usage,
		logger:      log.WithComponent("handlers"),
	}
}

// RegisterAll binds the handlers onto the engine.
func (h *Handlers) RegisterAll(eng *obligation.Engine) {
	eng.Register(types.ObligationVMSchedule, obligation.HandlerFunc(h.ScheduleVM))
	eng.Register(types.ObligationVMProvision, obligation.HandlerFunc(h.ProvisionVM))
	eng.Register(types.ObligationVMStart, obligation.HandlerFunc(h.StartVM))
	eng.Register(types.ObligationVMStop, obligation.HandlerFunc(h.StopVM))
	eng.Register(types.ObligationVMDelete, obligation.HandlerFunc(h.DeleteVM))
	eng.Register(types.ObligationVMRegisterIngress, obligation.HandlerFunc(h.RegisterIngress))
	eng.Register(types.ObligationVMAllocatePorts, obligation.HandlerFunc(h.AllocatePorts))
	eng.Register(types.ObligationVMSettleTemplateFee, obligation.HandlerFunc(h.SettleTemplateFee))
	eng.Register(types.ObligationNodeAssignRelay, obligation.HandlerFunc(h.AssignRelay))
	eng.Register(types.ObligationNodeDeployRelayVM, obligation.HandlerFunc(h.DeployRelayVM))
	eng.Register(types.ObligationNodeEvaluatePerf, obligation.HandlerFunc(h.EvaluatePerformance))
	eng.Register(types.ObligationBillingRecordUsage, obligation.HandlerFunc(h.RecordUsage))
	eng.Register(types.ObligationBillingSettle, obligation.HandlerFunc(h.SettleUsage))
}
