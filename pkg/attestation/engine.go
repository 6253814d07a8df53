package attestation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/decloud/orchestrator/pkg/agent"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/store"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// sweepInterval is how often the engine looks for due VMs.
	sweepInterval = 30 * time.Second
	// startupPhase is the early-life window with the aggressive cadence.
	startupPhase = 5 * time.Minute
	// challengeStagger spaces challenge launches inside one sweep.
	challengeStagger = 50 * time.Millisecond
	// rttAlpha is the EMA smoothing factor for round-trip estimates.
	rttAlpha = 0.2
	// recalibration triggers
	recalibrationMaxAge   = 24 * time.Hour
	recalibrationDrift    = 0.30
	recalibrationVariance = 0.5
	// calibration ping count at VM creation
	calibrationPings = 5
)

// Config tunes the engine; values come from the Attestation.* options.
type Config struct {
	MaxResponseTime   time.Duration
	StartupInterval   time.Duration
	NormalInterval    time.Duration
	FailureThreshold  int
	RecoveryThreshold int
}

// Engine drives the periodic liveness protocol for running VMs and owns
// their liveness state; the billing gate only reads it.
type Engine struct {
	store  *store.StateStore
	client *agent.Client
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine wires the attestation engine.
func NewEngine(st *store.StateStore, client *agent.Client, broker *events.Broker, cfg Config) *Engine {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 2
	}
	if cfg.StartupInterval <= 0 {
		cfg.StartupInterval = time.Minute
	}
	if cfg.NormalInterval <= 0 {
		cfg.NormalInterval = time.Hour
	}
	if cfg.MaxResponseTime <= 0 {
		cfg.MaxResponseTime = time.Duration(TimeoutCapMs) * time.Millisecond
	}
	return &Engine{
		store:  st,
		client: client,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("attestation"),
		now:    time.Now,
	}
}

// Run sweeps every 30 seconds for VMs whose next challenge is due.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	e.logger.Info().Msg("Attestation engine started")
	for {
		select {
		case <-ticker.C:
			e.sweep(ctx)
		case <-ctx.Done():
			e.logger.Info().Msg("Attestation engine stopped")
			return
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	now := e.now()
	for _, vm := range e.store.GetActiveVMs() {
		if vm.Status != types.VMStatusRunning {
			continue
		}
		if now.Before(e.nextDue(vm)) {
			continue
		}

		vm := vm
		go func() {
			if err := e.ChallengeVM(ctx, vm.ID); err != nil {
				e.logger.Debug().Err(err).Str("vm_id", vm.ID).Msg("Challenge attempt errored")
			}
		}()

		// Stagger launches so a big fleet doesn't thunder at once.
		select {
		case <-time.After(challengeStagger):
		case <-ctx.Done():
			return
		}
	}
}

// nextDue computes when the VM's next challenge is owed: every minute for
// the first five minutes of life, hourly after.
func (e *Engine) nextDue(vm *types.VirtualMachine) time.Time {
	interval := e.cfg.NormalInterval
	if e.now().Sub(vm.CreatedAt) < startupPhase {
		interval = e.cfg.StartupInterval
	}
	if vm.Liveness.LastChallengeAt.IsZero() {
		return vm.CreatedAt
	}
	return vm.Liveness.LastChallengeAt.Add(interval)
}

// adaptiveTimeout derives the per-challenge deadline from the VM's RTT
// estimate: rtt + max processing + safety margin, capped.
func (e *Engine) adaptiveTimeout(vm *types.VirtualMachine) time.Duration {
	rtt := vm.Network.CurrentRTTMs
	if rtt == 0 {
		rtt = vm.Network.BaselineRTTMs
	}
	ms := rtt + MaxProcessingTimeMs + SafetyMarginMs
	limit := float64(e.cfg.MaxResponseTime.Milliseconds())
	if limit > TimeoutCapMs {
		limit = TimeoutCapMs
	}
	if ms > limit {
		ms = limit
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// ChallengeVM issues one challenge to a VM and folds the outcome into its
// liveness state.
func (e *Engine) ChallengeVM(ctx context.Context, vmID string) error {
	vm, err := e.store.GetVM(vmID)
	if err != nil {
		return err
	}
	if vm.Status != types.VMStatusRunning || vm.NodeID == "" {
		return nil
	}
	node, err := e.store.GetNode(vm.NodeID)
	if err != nil {
		return fmt.Errorf("vm %s node: %w", vmID, err)
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}

	challenge := &Challenge{
		ChallengeID:      uuid.New().String(),
		VMID:             vm.ID,
		Nonce:            hex.EncodeToString(nonce),
		Timestamp:        e.now().UnixMilli(),
		ExpectedCores:    vm.Spec.VirtualCPUCores,
		ExpectedMemoryMB: vm.Spec.MemoryBytes >> 20,
	}

	url := agent.VMProxyURL(node, vm.ID, challengePort, "challenge")
	timeout := e.adaptiveTimeout(vm)

	var resp Response
	start := e.now()
	callErr := e.client.PostJSON(ctx, url, challenge, &resp, timeout)
	roundTripMs := float64(e.now().Sub(start)) / float64(time.Millisecond)

	processingMs := roundTripMs - vm.Network.CurrentRTTMs
	if processingMs < 0 {
		processingMs = 0
	}

	var verdict Verdict
	if callErr != nil {
		verdict = Verdict{FailureReason: fmt.Sprintf("challenge delivery failed: %v", callErr)}
	} else {
		verdict = VerifyResponse(challenge, &resp, processingMs, &vm.Liveness)
	}

	e.applyOutcome(vm.ID, node.ID, challenge, &resp, verdict, roundTripMs, processingMs)
	return callErr
}

// applyOutcome updates liveness counters, billing pause state, RTT metrics
// and the audit trail. It re-reads the VM so concurrent heartbeat updates
// are not clobbered.
func (e *Engine) applyOutcome(vmID, nodeID string, c *Challenge, r *Response, verdict Verdict, roundTripMs, processingMs float64) {
	vm, err := e.store.GetVM(vmID)
	if err != nil {
		return
	}
	now := e.now()

	lv := &vm.Liveness
	lv.TotalChallenges++
	lv.LastChallengeAt = now

	if verdict.Passed {
		lv.ConsecutiveSuccesses++
		lv.ConsecutiveFailures = 0
		if verdict.RebootDetected {
			e.logger.Warn().Str("vm_id", vm.ID).
				Str("old_boot_id", lv.LastBootID).
				Str("new_boot_id", r.Metrics.BootID).
				Msg("VM reboot detected between attestations")
		}
		lv.LastBootID = r.Metrics.BootID
		if lv.LastMachineID == "" {
			lv.LastMachineID = r.Metrics.MachineID
		}

		if lv.BillingPaused && lv.ConsecutiveSuccesses >= e.cfg.RecoveryThreshold {
			lv.BillingPaused = false
			lv.BillingPausedReason = ""
			metrics.BillingPausedVMs.Dec()
			e.broker.Publish(&types.Event{
				Type:    events.EventBillingResumed,
				VMID:    vm.ID,
				NodeID:  nodeID,
				Message: fmt.Sprintf("billing resumed after %d consecutive successes", lv.ConsecutiveSuccesses),
			})
		}
		metrics.AttestationChallenges.WithLabelValues("pass").Inc()
	} else {
		lv.ConsecutiveFailures++
		lv.ConsecutiveSuccesses = 0
		lv.TotalFailures++

		if !lv.BillingPaused && lv.ConsecutiveFailures >= e.cfg.FailureThreshold {
			lv.BillingPaused = true
			lv.BillingPausedReason = verdict.FailureReason
			lv.BillingPausedAt = now
			metrics.BillingPausedVMs.Inc()
			e.broker.Publish(&types.Event{
				Type:    events.EventBillingPaused,
				VMID:    vm.ID,
				NodeID:  nodeID,
				Message: verdict.FailureReason,
			})
		}
		e.broker.Publish(&types.Event{
			Type:    events.EventAttestationFailed,
			VMID:    vm.ID,
			NodeID:  nodeID,
			Message: verdict.FailureReason,
		})
		metrics.AttestationChallenges.WithLabelValues("fail").Inc()
	}

	e.updateRTT(&vm.Network, roundTripMs, now)

	if err := e.store.SaveVM(vm); err != nil {
		e.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Failed to save liveness state")
	}

	record := &types.Attestation{
		ID:            uuid.New().String(),
		VMID:          vm.ID,
		NodeID:        nodeID,
		ChallengeID:   c.ChallengeID,
		Timestamp:     now.UTC(),
		Passed:        verdict.Passed,
		FailureReason: verdict.FailureReason,
		RoundTripMs:   roundTripMs,
		ProcessingMs:  processingMs,
	}
	if r != nil {
		record.ReportedCores = r.Metrics.CPUCores
		record.ReportedMemoryKB = r.Metrics.MemoryKB
		record.BootID = r.Metrics.BootID
		record.MachineID = r.Metrics.MachineID
	}
	if err := e.store.SaveAttestation(record); err != nil {
		e.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Failed to save attestation record")
	}

	metrics.AttestationRTT.Observe(roundTripMs / 1000)
}

// updateRTT folds a new round-trip sample into the EMA and recalibrates the
// baseline when it aged out, drifted past 30% or turned noisy.
func (e *Engine) updateRTT(nm *types.NetworkMetrics, sampleMs float64, now time.Time) {
	if nm.SampleCount == 0 {
		nm.CurrentRTTMs = sampleMs
		if nm.BaselineRTTMs == 0 {
			nm.BaselineRTTMs = sampleMs
			nm.LastCalibratedAt = now
		}
	} else {
		nm.CurrentRTTMs = rttAlpha*sampleMs + (1-rttAlpha)*nm.CurrentRTTMs
		dev := sampleMs - nm.CurrentRTTMs
		if dev < 0 {
			dev = -dev
		}
		nm.RTTStdDevMs = rttAlpha*dev + (1-rttAlpha)*nm.RTTStdDevMs
	}
	nm.SampleCount++

	recalibrate := false
	switch {
	case now.Sub(nm.LastCalibratedAt) > recalibrationMaxAge:
		recalibrate = true
	case nm.BaselineRTTMs > 0 && absRatio(nm.CurrentRTTMs, nm.BaselineRTTMs) > recalibrationDrift:
		recalibrate = true
	case nm.CurrentRTTMs > 0 && nm.RTTStdDevMs/nm.CurrentRTTMs > recalibrationVariance:
		recalibrate = true
	}
	if recalibrate {
		nm.BaselineRTTMs = nm.CurrentRTTMs
		nm.LastCalibratedAt = now
	}
}

func absRatio(current, baseline float64) float64 {
	d := current - baseline
	if d < 0 {
		d = -d
	}
	return d / baseline
}

// Calibrate measures the RTT baseline for a freshly created VM as the median
// of five agent pings.
func (e *Engine) Calibrate(ctx context.Context, vmID string) error {
	vm, err := e.store.GetVM(vmID)
	if err != nil {
		return err
	}
	node, err := e.store.GetNode(vm.NodeID)
	if err != nil {
		return err
	}

	samples := make([]float64, 0, calibrationPings)
	for i := 0; i < calibrationPings; i++ {
		start := e.now()
		if err := e.client.Ping(ctx, node); err != nil {
			continue
		}
		samples = append(samples, float64(e.now().Sub(start))/float64(time.Millisecond))
	}
	if len(samples) == 0 {
		return fmt.Errorf("calibration failed: agent unreachable")
	}

	sort.Float64s(samples)
	median := samples[len(samples)/2]

	vm, err = e.store.GetVM(vmID)
	if err != nil {
		return err
	}
	vm.Network.BaselineRTTMs = median
	vm.Network.CurrentRTTMs = median
	vm.Network.SampleCount = len(samples)
	vm.Network.LastCalibratedAt = e.now()
	return e.store.SaveVM(vm)
}
