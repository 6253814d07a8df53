package nodes

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/store"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/decloud/orchestrator/pkg/wallet"
	"github.com/rs/zerolog"
)

// HeartbeatReplayWindow bounds how far a heartbeat timestamp may drift from
// the orchestrator clock.
const HeartbeatReplayWindow = 300 * time.Second

// maxFailedHeartbeatDays bounds the per-day failure map on nodes.
const maxFailedHeartbeatDays = 30

// SignalNodeOnline builds the wake key fired when a node comes online.
func SignalNodeOnline(nodeID string) string {
	return "node-online:" + nodeID
}

// Registry owns node registration, heartbeat processing and reputation
// bookkeeping. Command queues live in the sibling CommandQueue.
type Registry struct {
	store    *store.StateStore
	engine   *obligation.Engine
	commands *CommandQueue
	broker   *events.Broker
	logger   zerolog.Logger

	dhtBootstrapPeers []string
	devMode           bool
	now               func() time.Time
}

// NewRegistry wires the registry.
func NewRegistry(st *store.StateStore, eng *obligation.Engine, cmds *CommandQueue, broker *events.Broker, dhtPeers []string, devMode bool) *Registry {
	return &Registry{
		store:             st,
		engine:            eng,
		commands:          cmds,
		broker:            broker,
		logger:            log.WithComponent("nodes"),
		dhtBootstrapPeers: dhtPeers,
		devMode:           devMode,
		now:               time.Now,
	}
}

// NodeIDFor derives the deterministic node id from machine id and wallet.
func NodeIDFor(machineID, walletAddress string) string {
	sum := sha256.Sum256([]byte(machineID + walletAddress))
	return hex.EncodeToString(sum[:])
}

// generateAPIKey mints a random key and returns (key, sha256 hash).
func generateAPIKey() (string, string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	key := hex.EncodeToString(buf)
	sum := sha256.Sum256([]byte(key))
	return key, hex.EncodeToString(sum[:]), nil
}

// Register verifies the wallet signature, upserts the node and returns its
// credentials plus the current scheduling policy. Re-registration with the
// same machine/wallet pair refreshes hardware and rotates the API key.
func (r *Registry) Register(req *NodeRegistrationRequest) (*NodeRegistrationResponse, error) {
	if req.MachineID == "" || req.WalletAddress == "" {
		return nil, fmt.Errorf("%w: machineId and walletAddress are required", types.ErrValidation)
	}

	if r.devMode && wallet.IsMockSignature(req.Signature) {
		r.logger.Warn().Str("wallet", req.WalletAddress).Msg("Accepting mock registration signature (development mode)")
	} else if err := wallet.Verify(req.Message, req.Signature, req.WalletAddress); err != nil {
		r.publishAuthFailure("", req.WalletAddress, "registration signature invalid")
		return nil, err
	}

	nodeID := NodeIDFor(req.MachineID, req.WalletAddress)

	// A different node already holding this wallet is a conflict; the
	// wallet index is unique.
	if existing, err := r.store.GetNodeByWallet(req.WalletAddress); err == nil && existing.ID != nodeID {
		return nil, fmt.Errorf("%w: wallet %s already registered by node %s",
			types.ErrConflict, req.WalletAddress, existing.ID)
	}

	apiKey, apiKeyHash, err := generateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate api key: %w", err)
	}

	now := r.now()
	node, err := r.store.GetNode(nodeID)
	if err != nil {
		node = &types.Node{
			ID:               nodeID,
			MachineID:        req.MachineID,
			WalletAddress:    req.WalletAddress,
			UptimePercentage: 100,
			CreatedAt:        now,
		}
	}

	node.Hardware = req.Hardware
	node.Hardware.Network.PublicIP = req.PublicIP
	node.AgentPort = req.AgentPort
	node.Region = req.Region
	node.Zone = req.Zone
	node.APIKeyHash = apiKeyHash
	node.Status = types.NodeStatusOnline
	node.LastHeartbeat = now
	node.TotalComputePoints = req.Hardware.CPUCores * types.ComputePointsPerCore

	if err := r.store.SaveNode(node); err != nil {
		return nil, err
	}

	cfg := r.store.GetSchedulingConfig()

	r.broker.Publish(&types.Event{
		Type:    events.EventNodeRegistered,
		NodeID:  nodeID,
		Message: fmt.Sprintf("node registered: %d cores, benchmark %.0f", req.Hardware.CPUCores, req.Hardware.BenchmarkScore),
	})

	// Kick the post-registration obligations: performance evaluation
	// always, relay deployment when the node is publicly reachable.
	r.engine.Create(obligation.CreateRequest{
		Type:         types.ObligationNodeEvaluatePerf,
		ResourceType: "node",
		ResourceID:   nodeID,
		Priority:     5,
	})
	if req.Hardware.Network.NATType == types.NATTypeNone {
		r.engine.Create(obligation.CreateRequest{
			Type:         types.ObligationNodeDeployRelayVM,
			ResourceType: "node",
			ResourceID:   nodeID,
			Priority:     3,
		})
	}

	r.logger.Info().Str("node_id", nodeID).Str("wallet", req.WalletAddress).Msg("Node registered")

	return &NodeRegistrationResponse{
		NodeID:            nodeID,
		APIKey:            apiKey,
		SchedulingConfig:  cfg,
		DHTBootstrapPeers: r.dhtBootstrapPeers,
	}, nil
}

// AuthenticateHeartbeat checks the wallet signature over
// "{nodeId}:{unixSeconds}:{requestPath}" within the replay window.
func (r *Registry) AuthenticateHeartbeat(node *types.Node, signature, timestampHeader, requestPath string) error {
	if r.devMode && wallet.IsMockSignature(signature) {
		return nil
	}

	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid timestamp header", types.ErrUnauthorized)
	}
	drift := r.now().Unix() - ts
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(HeartbeatReplayWindow/time.Second) {
		return fmt.Errorf("%w: timestamp outside replay window (drift %ds)", types.ErrUnauthorized, drift)
	}

	message := fmt.Sprintf("%s:%d:%s", node.ID, ts, requestPath)
	if err := wallet.Verify(message, signature, node.WalletAddress); err != nil {
		r.publishAuthFailure(node.ID, node.WalletAddress, "heartbeat signature invalid")
		return err
	}
	return nil
}

// HandleHeartbeat ingests one heartbeat: refreshes liveness and metrics,
// reconciles reported VM state, and returns pending commands plus the policy
// when the node's version lags.
func (r *Registry) HandleHeartbeat(nodeID string, hb *NodeHeartbeat) (*NodeHeartbeatResponse, error) {
	node, err := r.store.GetNode(nodeID)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("unknown-node").Inc()
		return nil, fmt.Errorf("node %s: %w", nodeID, types.ErrNotFound)
	}

	now := r.now()
	wasOffline := node.Status == types.NodeStatusOffline

	node.LastHeartbeat = now
	node.Metrics = hb.Metrics
	node.Available = hb.AvailableResources
	node.SchedulingConfigVersion = hb.SchedulingConfigVersion
	if hb.CGNATInfo != nil {
		node.CGNATInfo = hb.CGNATInfo
	}
	if node.Status == types.NodeStatusOffline {
		node.Status = types.NodeStatusOnline
	}

	// Nudge the 30-day rolling uptime toward healthy on every beat.
	node.UptimePercentage += (100 - node.UptimePercentage) * 0.001
	if node.UptimePercentage > 100 {
		node.UptimePercentage = 100
	}

	if err := r.store.SaveNode(node); err != nil {
		return nil, err
	}

	if wasOffline {
		r.broker.Publish(&types.Event{
			Type:    events.EventNodeOnline,
			NodeID:  nodeID,
			Message: "node back online",
		})
		r.engine.Signal(SignalNodeOnline(nodeID), nil)
	}

	r.reconcileReportedVMs(node, hb.ActiveVMs)

	resp := &NodeHeartbeatResponse{
		Acknowledged:    true,
		PendingCommands: r.commands.GetAndClearPendingCommands(nodeID),
	}

	cfg := r.store.GetSchedulingConfig()
	if hb.SchedulingConfigVersion < cfg.Version {
		resp.SchedulingConfig = cfg
	}

	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	return resp, nil
}

// reconcileReportedVMs folds the node's view of its VMs into ours. A VM the
// orchestrator does not know is logged, never auto-adopted.
func (r *Registry) reconcileReportedVMs(node *types.Node, reports []ActiveVMReport) {
	for _, rep := range reports {
		vm, err := r.store.GetVM(rep.VMID)
		if err != nil {
			r.logger.Warn().
				Str("node_id", node.ID).
				Str("vm_id", rep.VMID).
				Msg("Node reports unknown VM; not adopting")
			continue
		}
		if vm.NodeID != node.ID {
			r.logger.Warn().
				Str("node_id", node.ID).
				Str("vm_id", rep.VMID).
				Str("placed_on", vm.NodeID).
				Msg("Node reports VM placed elsewhere")
			continue
		}

		changed := false
		if rep.PrivateIP != "" && rep.PrivateIP != vm.PrivateIP {
			vm.PrivateIP = rep.PrivateIP
			changed = true
		}
		if rep.MACAddress != "" && rep.MACAddress != vm.MACAddress {
			vm.MACAddress = rep.MACAddress
			changed = true
		}
		if len(rep.PortMappings) > 0 {
			vm.PortMappings = rep.PortMappings
			changed = true
		}
		if rep.ServiceReady != vm.ServiceReady {
			vm.ServiceReady = rep.ServiceReady
			changed = true
		}
		if rep.PowerState != "" && rep.PowerState != vm.PowerState {
			vm.PowerState = rep.PowerState
			changed = true
		}
		if changed {
			if err := r.store.SaveVM(vm); err != nil {
				r.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Failed to save reconciled VM")
				continue
			}
			if rep.PrivateIP != "" {
				r.engine.Signal("vm-ip-assigned:"+vm.ID, map[string]string{"privateIp": rep.PrivateIP})
			}
		}
	}
}

// MarkStaleOffline transitions nodes whose heartbeat exceeded the staleness
// threshold to Offline and records the failure day. Hot-set eviction is the
// pruner's job, not this sweep's.
func (r *Registry) MarkStaleOffline() {
	cfg := r.store.GetSchedulingConfig()
	now := r.now()
	for _, node := range r.store.GetActiveNodes() {
		if node.Status != types.NodeStatusOnline {
			continue
		}
		if now.Sub(node.LastHeartbeat) <= cfg.HeartbeatStaleAfter {
			continue
		}

		node.Status = types.NodeStatusOffline
		day := now.UTC().Format("2006-01-02")
		if node.FailedHeartbeatsByDay == nil {
			node.FailedHeartbeatsByDay = make(map[string]int)
		}
		node.FailedHeartbeatsByDay[day]++
		trimFailureDays(node.FailedHeartbeatsByDay, maxFailedHeartbeatDays)

		node.UptimePercentage -= node.UptimePercentage * 0.01
		if node.UptimePercentage < 0 {
			node.UptimePercentage = 0
		}

		if err := r.store.SaveNode(node); err != nil {
			r.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to mark node offline")
			continue
		}
		r.broker.Publish(&types.Event{
			Type:    events.EventNodeOffline,
			NodeID:  node.ID,
			Message: fmt.Sprintf("no heartbeat for %s", now.Sub(node.LastHeartbeat).Round(time.Second)),
		})
		r.logger.Warn().Str("node_id", node.ID).Msg("Node marked offline (stale heartbeat)")
	}
}

// trimFailureDays drops the oldest entries beyond the bound.
func trimFailureDays(m map[string]int, bound int) {
	for len(m) > bound {
		oldest := ""
		for day := range m {
			if oldest == "" || day < oldest {
				oldest = day
			}
		}
		delete(m, oldest)
	}
}

func (r *Registry) publishAuthFailure(nodeID, walletAddr, reason string) {
	metrics.HeartbeatsTotal.WithLabelValues("auth-failed").Inc()
	r.broker.Publish(&types.Event{
		Type:    events.EventNodeAuthFailed,
		NodeID:  nodeID,
		Message: reason,
		Metadata: map[string]string{
			"wallet": walletAddr,
		},
	})
}
