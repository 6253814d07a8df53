package scheduler

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/store"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// Placement is a successful scheduling decision.
type Placement struct {
	NodeID           string
	ComputePointCost int
	Score            float64
}

// Rejection explains why no node fit. It satisfies error and wraps
// types.ErrNoCapacity so the API layer maps it to 503.
type Rejection struct {
	Candidates int
	Reasons    map[string]int // rejection reason -> node count
}

// Error implements error.
func (r *Rejection) Error() string {
	return fmt.Sprintf("no node fits (candidates=%d, reasons=%v)", r.Candidates, r.Reasons)
}

// Unwrap lets errors.Is match types.ErrNoCapacity.
func (r *Rejection) Unwrap() error {
	return types.ErrNoCapacity
}

// Scheduler selects nodes for VM specs using live capacity snapshots and the
// versioned scheduling policy.
type Scheduler struct {
	store  *store.StateStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewScheduler creates a scheduler over the state store.
func NewScheduler(st *store.StateStore) *Scheduler {
	return &Scheduler{
		store:  st,
		logger: log.WithComponent("scheduler"),
		now:    time.Now,
	}
}

type candidate struct {
	node  *types.Node
	cost  int
	score float64
}

// Schedule picks a node for the spec and commits the compute-point
// reservation on it. The caller releases the reservation if a downstream
// step fails.
func (s *Scheduler) Schedule(spec *types.VMSpec) (*Placement, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	cfg := s.store.GetSchedulingConfig()
	tier, ok := cfg.Tiers[spec.QualityTier]
	if !ok {
		metrics.SchedulingRejections.WithLabelValues("unknown-tier").Inc()
		return nil, fmt.Errorf("%w: unknown quality tier %q", types.ErrValidation, spec.QualityTier)
	}

	var imageArch string
	if img, err := s.store.GetImage(spec.ImageID); err == nil {
		imageArch = img.Architecture
	}

	nodes := s.store.GetActiveNodes()
	rejection := &Rejection{Candidates: len(nodes), Reasons: make(map[string]int)}

	var candidates []candidate
	for _, node := range nodes {
		if reason := s.filterNode(node, spec, cfg, &tier, imageArch); reason != "" {
			rejection.Reasons[reason]++
			continue
		}

		cost := computePointCost(spec.VirtualCPUCores, cfg, &tier)
		if node.AvailableComputePoints() < cost {
			rejection.Reasons["insufficient-points"]++
			continue
		}

		candidates = append(candidates, candidate{
			node:  node,
			cost:  cost,
			score: s.score(node, spec, cfg),
		})
	}

	if len(candidates) == 0 {
		for reason, n := range rejection.Reasons {
			s.logger.Debug().Str("reason", reason).Int("nodes", n).Msg("Scheduling rejection")
		}
		metrics.SchedulingRejections.WithLabelValues("no-fit").Inc()
		return nil, rejection
	}

	// Highest score wins; ties break on available points, then on the
	// lexicographically smaller node id so placement is deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if ap, bp := a.node.AvailableComputePoints(), b.node.AvailableComputePoints(); ap != bp {
			return ap > bp
		}
		return a.node.ID < b.node.ID
	})

	winner := candidates[0]

	// Commit the reservation.
	node, err := s.store.GetNode(winner.node.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}
	node.ReservedComputePoints += winner.cost
	if node.ReservedComputePoints > node.TotalComputePoints {
		// The snapshot raced another placement; the safety check above is
		// re-run by the caller's retry.
		metrics.SchedulingRejections.WithLabelValues("race").Inc()
		return nil, &Rejection{Candidates: len(nodes), Reasons: map[string]int{"raced-reservation": 1}}
	}
	if err := s.store.SaveNode(node); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}

	metrics.VMsScheduled.Inc()
	s.logger.Info().
		Str("node_id", node.ID).
		Int("cost", winner.cost).
		Float64("score", winner.score).
		Str("tier", string(spec.QualityTier)).
		Msg("VM placed")

	return &Placement{NodeID: node.ID, ComputePointCost: winner.cost, Score: winner.score}, nil
}

// Release returns a reservation to the node, used when a downstream step
// fails after Schedule committed. Idempotence comes from the node's computed
// availability path: the system-stats recompute corrects any drift.
func (s *Scheduler) Release(nodeID string, cost int) {
	node, err := s.store.GetNode(nodeID)
	if err != nil {
		return
	}
	node.ReservedComputePoints -= cost
	if node.ReservedComputePoints < 0 {
		node.ReservedComputePoints = 0
	}
	if err := s.store.SaveNode(node); err != nil {
		s.logger.Error().Err(err).Str("node_id", nodeID).Msg("Failed to release reservation")
	}
}

// filterNode applies the hard predicates; the returned reason is empty when
// the node passes all of them.
func (s *Scheduler) filterNode(node *types.Node, spec *types.VMSpec, cfg *types.SchedulingConfig, tier *types.TierPolicy, imageArch string) string {
	if node.Status != types.NodeStatusOnline {
		return "not-online"
	}
	if s.now().Sub(node.LastHeartbeat) > cfg.HeartbeatStaleAfter {
		return "stale-heartbeat"
	}
	if imageArch != "" && node.Hardware.Architecture != "" && node.Hardware.Architecture != imageArch {
		return "architecture-mismatch"
	}
	if spec.Region != "" && node.Region != spec.Region && node.Region != "" {
		return "region-mismatch"
	}
	if spec.Zone != "" && node.Zone != spec.Zone && node.Zone != "" {
		return "zone-mismatch"
	}
	if node.UptimePercentage < spec.MinNodeReputationScore {
		return "reputation-below-minimum"
	}
	if node.Hardware.BenchmarkScore < tier.MinimumBenchmark {
		return "benchmark-below-tier"
	}
	if node.Metrics.LoadAverage > cfg.Safety.MaxLoadAverage {
		return "load-above-limit"
	}

	// Self-healing utilisation: recompute "used" from the live VM set
	// rather than trusting reservations alone.
	usedPoints, usedMemory, usedStorage := s.liveUsage(node.ID)
	cost := computePointCost(spec.VirtualCPUCores, cfg, tier)

	if node.TotalComputePoints > 0 {
		projected := float64(usedPoints+cost) / float64(node.TotalComputePoints) * 100
		if projected > cfg.Safety.MaxUtilisationPercent {
			return "cpu-utilisation-above-limit"
		}
	}

	freeMemory := node.Hardware.MemoryBytes - usedMemory - spec.MemoryBytes
	if freeMemory < cfg.Safety.MinFreeMemoryBytes {
		return "insufficient-memory"
	}

	storageCapacity := int64(float64(node.Hardware.TotalStorageBytes()) * tier.StorageOvercommitRatio)
	if usedStorage+spec.DiskBytes > storageCapacity {
		return "insufficient-storage"
	}
	if node.Hardware.MemoryBytes > 0 {
		projectedMem := float64(usedMemory+spec.MemoryBytes) / float64(node.Hardware.MemoryBytes) * 100
		if projectedMem > cfg.Safety.MaxUtilisationPercent {
			return "memory-utilisation-above-limit"
		}
	}

	return ""
}

// liveUsage sums resources of the VMs actually placed on a node
// (Running ∪ Provisioning), the self-healing counterpart of
// reservedComputePoints.
func (s *Scheduler) liveUsage(nodeID string) (points int, memory, storage int64) {
	for _, vm := range s.store.GetVMsByNode(nodeID) {
		switch vm.Status {
		case types.VMStatusRunning, types.VMStatusProvisioning:
			points += vm.ComputePointCost
			memory += vm.Spec.MemoryBytes
			storage += vm.Spec.DiskBytes
		}
	}
	return points, memory, storage
}

// computePointCost maps vCPUs to compute points for a tier. The tier
// multiplier is (tier.minBenchmark / baseline) × (baselineOvercommit /
// tier.cpuOvercommit), capped at the performance ceiling; one full physical
// core on the baseline CPU is ComputePointsPerCore points, so a Standard
// vCPU at 2x overcommit costs half a core's points.
func computePointCost(vcpus int, cfg *types.SchedulingConfig, tier *types.TierPolicy) int {
	multiplier := (tier.MinimumBenchmark / cfg.BaselineBenchmark) *
		(cfg.BaselineOvercommitRatio / tier.CPUOvercommitRatio)
	if multiplier > cfg.MaxPerformanceMultiplier {
		multiplier = cfg.MaxPerformanceMultiplier
	}
	pointsPerVCPU := multiplier * types.ComputePointsPerCore
	return int(math.Ceil(float64(vcpus) * pointsPerVCPU))
}

// score combines the four normalised components with the configured weights.
func (s *Scheduler) score(node *types.Node, spec *types.VMSpec, cfg *types.SchedulingConfig) float64 {
	var capacity float64
	if node.TotalComputePoints > 0 {
		capacity = float64(node.AvailableComputePoints()) / float64(node.TotalComputePoints)
	}

	load := 1 - math.Max(node.Metrics.CPUUsagePercent, node.Metrics.MemoryUsagePercent)/100
	if load < 0 {
		load = 0
	}

	reputation := node.UptimePercentage / 100
	if node.TotalVMsHosted > 0 {
		success := float64(node.SuccessfulVMCompletions) / float64(node.TotalVMsHosted)
		reputation = (reputation + success) / 2
	}

	locality := localityScore(node, spec)

	return cfg.Weights.Capacity*capacity +
		cfg.Weights.Load*load +
		cfg.Weights.Reputation*reputation +
		cfg.Weights.Locality*locality
}

// localityScore rates how well a node matches the spec's placement
// preference: 1.0 full match, 0.5 same region different zone, 0.2 same zone
// different region, 0 otherwise. A spec with no preference scores 1.0
// everywhere.
func localityScore(node *types.Node, spec *types.VMSpec) float64 {
	if spec.Region == "" && spec.Zone == "" {
		return 1.0
	}
	regionMatch := spec.Region == "" || node.Region == spec.Region
	zoneMatch := spec.Zone == "" || node.Zone == spec.Zone
	switch {
	case regionMatch && zoneMatch:
		return 1.0
	case regionMatch:
		return 0.5
	case zoneMatch:
		return 0.2
	default:
		return 0
	}
}
