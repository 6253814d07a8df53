package nodes

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/agent"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/store"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StaleCommandTimeout is how long a registration lives before the cleanup
// task drops it; the owning obligation then takes its retry or deadline
// path.
const StaleCommandTimeout = 7 * time.Minute

// maxConsecutivePushFailures disables direct push for a node.
const maxConsecutivePushFailures = 3

// SignalCommandAck builds the wake key fired when a command is acknowledged.
func SignalCommandAck(commandID string) string {
	return "command-ack:" + commandID
}

// CommandQueue owns the per-node FIFO command queues, the acknowledgement
// correlation registry, and optional direct push.
type CommandQueue struct {
	store  *store.StateStore
	engine *obligation.Engine
	client *agent.Client
	logger zerolog.Logger

	mu            sync.Mutex
	pending       map[string][]*types.NodeCommand       // nodeID -> FIFO
	registrations map[string]*types.CommandRegistration // commandID -> registration

	now func() time.Time
}

// NewCommandQueue wires the queue.
func NewCommandQueue(st *store.StateStore, eng *obligation.Engine, client *agent.Client) *CommandQueue {
	return &CommandQueue{
		store:         st,
		engine:        eng,
		client:        client,
		logger:        log.WithComponent("commands"),
		pending:       make(map[string][]*types.NodeCommand),
		registrations: make(map[string]*types.CommandRegistration),
		now:           time.Now,
	}
}

// AddPendingCommand enqueues a command for delivery on the node's next
// heartbeat. At most one command per (nodeID, commandID).
func (q *CommandQueue) AddPendingCommand(nodeID string, cmd *types.NodeCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.pending[nodeID] {
		if existing.CommandID == cmd.CommandID {
			return
		}
	}
	q.pending[nodeID] = append(q.pending[nodeID], cmd)
}

// GetAndClearPendingCommands atomically drains the node's queue; called when
// building a heartbeat response.
func (q *CommandQueue) GetAndClearPendingCommands(nodeID string) []*types.NodeCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmds := q.pending[nodeID]
	delete(q.pending, nodeID)
	return cmds
}

// PendingCount reports the queue depth for a node.
func (q *CommandQueue) PendingCount(nodeID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[nodeID])
}

// IssueCommand creates, registers and enqueues a state-changing command for
// a VM. The VM's one-outstanding-command gate is enforced here; pass
// replaceActive for recovery reissues that supersede a lost command.
func (q *CommandQueue) IssueCommand(ctx context.Context, vm *types.VirtualMachine, node *types.Node, cmdType types.CommandType, payload string, replaceActive bool) (*types.NodeCommand, error) {
	if vm.ActiveCommandID != "" && !replaceActive {
		return nil, fmt.Errorf("%w: vm %s already has outstanding command %s",
			types.ErrConflict, vm.ID, vm.ActiveCommandID)
	}

	now := q.now()
	cmd := &types.NodeCommand{
		CommandID:        uuid.New().String(),
		Type:             cmdType,
		Payload:          payload,
		TargetResourceID: vm.ID,
		RequiresAck:      true,
		QueuedAt:         now,
		ExpiresAt:        now.Add(StaleCommandTimeout),
	}

	q.mu.Lock()
	q.registrations[cmd.CommandID] = &types.CommandRegistration{
		CommandID: cmd.CommandID,
		VMID:      vm.ID,
		NodeID:    node.ID,
		Type:      cmdType,
		IssuedAt:  now,
	}
	q.mu.Unlock()

	vm.ActiveCommandID = cmd.CommandID
	vm.ActiveCommandIssuedAt = now
	if err := q.store.SaveVM(vm); err != nil {
		return nil, err
	}

	q.AddPendingCommand(node.ID, cmd)
	metrics.CommandsDispatched.WithLabelValues(string(cmdType)).Inc()

	// Pull is authoritative; push is best-effort urgency.
	q.tryPush(ctx, node, cmd)

	q.logger.Info().
		Str("command_id", cmd.CommandID).
		Str("vm_id", vm.ID).
		Str("node_id", node.ID).
		Str("type", string(cmdType)).
		Msg("Command issued")
	return cmd, nil
}

// IssueNodeCommand enqueues a command that targets the node itself rather
// than one of its VMs (diagnostics, agent updates, port allocation).
func (q *CommandQueue) IssueNodeCommand(ctx context.Context, node *types.Node, cmdType types.CommandType, payload string, requiresAck bool) *types.NodeCommand {
	now := q.now()
	cmd := &types.NodeCommand{
		CommandID:   uuid.New().String(),
		Type:        cmdType,
		Payload:     payload,
		RequiresAck: requiresAck,
		QueuedAt:    now,
		ExpiresAt:   now.Add(StaleCommandTimeout),
	}
	if requiresAck {
		q.mu.Lock()
		q.registrations[cmd.CommandID] = &types.CommandRegistration{
			CommandID: cmd.CommandID,
			NodeID:    node.ID,
			Type:      cmdType,
			IssuedAt:  now,
		}
		q.mu.Unlock()
	}
	q.AddPendingCommand(node.ID, cmd)
	metrics.CommandsDispatched.WithLabelValues(string(cmdType)).Inc()
	q.tryPush(ctx, node, cmd)
	return cmd
}

// tryPush attempts direct delivery, tracking consecutive failures and
// disabling push for the node after the limit.
func (q *CommandQueue) tryPush(ctx context.Context, node *types.Node, cmd *types.NodeCommand) {
	if node.PushDisabled {
		return
	}

	if err := q.client.PushCommand(ctx, node, cmd); err != nil {
		fresh, gerr := q.store.GetNode(node.ID)
		if gerr != nil {
			return
		}
		fresh.ConsecutivePushFails++
		if fresh.ConsecutivePushFails >= maxConsecutivePushFailures {
			fresh.PushDisabled = true
			q.logger.Warn().
				Str("node_id", node.ID).
				Int("failures", fresh.ConsecutivePushFails).
				Msg("Push disabled for node; falling back to heartbeat pull")
		}
		if serr := q.store.SaveNode(fresh); serr != nil {
			q.logger.Error().Err(serr).Str("node_id", node.ID).Msg("Failed to record push failure")
		}
		return
	}

	if node.ConsecutivePushFails > 0 {
		fresh, gerr := q.store.GetNode(node.ID)
		if gerr != nil {
			return
		}
		fresh.ConsecutivePushFails = 0
		if serr := q.store.SaveNode(fresh); serr != nil {
			q.logger.Error().Err(serr).Str("node_id", node.ID).Msg("Failed to reset push failures")
		}
	}
}

// Registration returns the registration for a command id, if present.
func (q *CommandQueue) Registration(commandID string) (*types.CommandRegistration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	reg, ok := q.registrations[commandID]
	if !ok {
		return nil, false
	}
	cp := *reg
	return &cp, true
}

// HandleAck processes a command acknowledgement: it resolves the
// registration, wakes the waiting obligation via the command-ack signal, and
// clears the VM's outstanding-command gate. An ack for an unregistered or
// already-acked command is logged and dropped — replays are no-ops.
func (q *CommandQueue) HandleAck(ack *types.CommandAcknowledgment) {
	q.mu.Lock()
	reg, ok := q.registrations[ack.CommandID]
	if ok {
		delete(q.registrations, ack.CommandID)
	}
	q.mu.Unlock()

	if !ok {
		q.logger.Warn().Str("command_id", ack.CommandID).
			Msg("Ack for unknown or already-acked command; dropping")
		metrics.CommandAcks.WithLabelValues("unknown").Inc()
		return
	}

	payload := map[string]string{
		"success": strconv.FormatBool(ack.Success),
	}
	if ack.ErrorMessage != "" {
		payload["error"] = ack.ErrorMessage
	}
	for k, v := range ack.Data {
		payload[k] = v
	}
	q.engine.Signal(SignalCommandAck(ack.CommandID), payload)

	if reg.VMID != "" {
		if vm, err := q.store.GetVM(reg.VMID); err == nil && vm.ActiveCommandID == ack.CommandID {
			vm.ActiveCommandID = ""
			vm.ActiveCommandIssuedAt = time.Time{}
			if err := q.store.SaveVM(vm); err != nil {
				q.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Failed to clear active command")
			}
		}
	}

	outcome := "failed"
	if ack.Success {
		outcome = "success"
	}
	metrics.CommandAcks.WithLabelValues(outcome).Inc()
	q.logger.Debug().
		Str("command_id", ack.CommandID).
		Bool("success", ack.Success).
		Msg("Command acknowledged")
}

// CleanupStaleRegistrations drops registrations older than the timeout. The
// obligations waiting on them hit their retry or deadline path; the recovery
// scanner reissues the work.
func (q *CommandQueue) CleanupStaleRegistrations() int {
	cutoff := q.now().Add(-StaleCommandTimeout)
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, reg := range q.registrations {
		if reg.IssuedAt.Before(cutoff) {
			delete(q.registrations, id)
			removed++
		}
	}
	if removed > 0 {
		q.logger.Debug().Int("removed", removed).Msg("Stale command registrations pruned")
	}
	return removed
}
