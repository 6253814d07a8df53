package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/rs/zerolog"
)

// HotHeartbeatWindow bounds how stale a node's heartbeat may be while the
// node stays in the hot working set.
const HotHeartbeatWindow = 5 * time.Minute

// UsageRetention is how long an unsettled usage record stays hot; settled
// records are never hot.
const UsageRetention = 30 * 24 * time.Hour

// Durable is the cold side of the store. BoltStore implements it; a nil
// Durable means the orchestrator runs in-memory only.
type Durable interface {
	SaveNode(*types.Node) error
	GetNode(id string) (*types.Node, error)
	GetNodeByWallet(addr string) (*types.Node, error)
	DeleteNode(id string) error
	ListNodes(keep func(*types.Node) bool) ([]*types.Node, error)

	SaveVM(*types.VirtualMachine) error
	GetVM(id string) (*types.VirtualMachine, error)
	ListVMs(keep func(*types.VirtualMachine) bool) ([]*types.VirtualMachine, error)

	SaveUser(*types.User) error
	GetUser(id string) (*types.User, error)
	ListUsers() ([]*types.User, error)

	SaveUsageRecord(*types.UsageRecord) error
	ListUsageRecords(keep func(*types.UsageRecord) bool) ([]*types.UsageRecord, error)
	DeleteUsageRecord(id string) error

	SaveEvent(*types.Event) error
	SaveAttestation(*types.Attestation) error
	ListAttestations(vmID string) ([]*types.Attestation, error)

	SaveImage(*types.Image) error
	GetImage(id string) (*types.Image, error)
	ListImages() ([]*types.Image, error)

	SavePricingTier(*types.PricingTier) error
	ListPricingTiers() ([]*types.PricingTier, error)

	SaveTemplate(*types.VMTemplate) error
	GetTemplate(id string) (*types.VMTemplate, error)

	SaveSchedulingConfig(*types.SchedulingConfig) error
	GetSchedulingConfig() (*types.SchedulingConfig, error)

	Close() error
}

// StateStore mediates all persistence: a hot in-memory working set over the
// durable collection store, write-through on every save. The in-memory copy
// is authoritative; durable failures are logged and absorbed, never surfaced
// to callers.
type StateStore struct {
	durable Durable
	logger  zerolog.Logger

	mu     sync.RWMutex
	nodes  map[string]*types.Node
	vms    map[string]*types.VirtualMachine
	users  map[string]*types.User
	usage  map[string]*types.UsageRecord
	images map[string]*types.Image
	tiers  map[string]*types.PricingTier

	now func() time.Time
}

// NewStateStore creates the store. durable may be nil (in-memory only).
func NewStateStore(durable Durable) *StateStore {
	return &StateStore{
		durable: durable,
		logger:  log.WithComponent("store"),
		nodes:   make(map[string]*types.Node),
		vms:     make(map[string]*types.VirtualMachine),
		users:   make(map[string]*types.User),
		usage:   make(map[string]*types.UsageRecord),
		images:  make(map[string]*types.Image),
		tiers:   make(map[string]*types.PricingTier),
		now:     time.Now,
	}
}

// Close closes the durable store.
func (s *StateStore) Close() error {
	if s.durable == nil {
		return nil
	}
	return s.durable.Close()
}

// nodeIsHot reports whether a node belongs in the working set.
func (s *StateStore) nodeIsHot(n *types.Node) bool {
	return s.now().Sub(n.LastHeartbeat) < HotHeartbeatWindow
}

// vmIsHot reports whether a VM belongs in the working set.
func vmIsHot(vm *types.VirtualMachine) bool {
	switch vm.Status {
	case types.VMStatusScheduling, types.VMStatusProvisioning,
		types.VMStatusRunning, types.VMStatusStopping:
		return true
	}
	return false
}

// usageIsHot reports whether a usage record belongs in the working set.
func (s *StateStore) usageIsHot(r *types.UsageRecord) bool {
	return !r.SettledOnChain && s.now().Sub(r.CreatedAt) < UsageRetention
}

// writeThrough issues a durable upsert with retry. Failure is logged with
// the entity context and swallowed: in-memory truth wins and bulk sync
// reconverges later.
func (s *StateStore) writeThrough(kind, id string, attempts uint, fn func() error) {
	if s.durable == nil {
		return
	}
	if err := withRetry(attempts, fn); err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Str("id", id).
			Msg("Durable write failed; in-memory state retained")
	}
}

// --- nodes ---

// SaveNode classifies the node hot/cold, updates the working set and writes
// through to the durable store.
func (s *StateStore) SaveNode(n *types.Node) error {
	cp := *n
	s.mu.Lock()
	if s.nodeIsHot(&cp) || s.durable == nil {
		s.nodes[cp.ID] = &cp
	} else {
		delete(s.nodes, cp.ID)
	}
	s.mu.Unlock()

	s.writeThrough("node", cp.ID, criticalWriteAttempts, func() error {
		return s.durable.SaveNode(&cp)
	})
	return nil
}

// GetNode consults the hot map first, then the durable store.
func (s *StateStore) GetNode(id string) (*types.Node, error) {
	s.mu.RLock()
	if n, ok := s.nodes[id]; ok {
		cp := *n
		s.mu.RUnlock()
		return &cp, nil
	}
	s.mu.RUnlock()

	if s.durable == nil {
		return nil, fmt.Errorf("node %s: %w", id, types.ErrNotFound)
	}
	return s.durable.GetNode(id)
}

// GetNodeByWallet resolves the unique wallet index.
func (s *StateStore) GetNodeByWallet(addr string) (*types.Node, error) {
	s.mu.RLock()
	for _, n := range s.nodes {
		if n.WalletAddress == addr {
			cp := *n
			s.mu.RUnlock()
			return &cp, nil
		}
	}
	s.mu.RUnlock()

	if s.durable == nil {
		return nil, fmt.Errorf("node wallet %s: %w", addr, types.ErrNotFound)
	}
	return s.durable.GetNodeByWallet(addr)
}

// DeleteNode removes the node from both tiers.
func (s *StateStore) DeleteNode(id string) error {
	s.mu.Lock()
	delete(s.nodes, id)
	s.mu.Unlock()

	s.writeThrough("node", id, criticalWriteAttempts, func() error {
		return s.durable.DeleteNode(id)
	})
	return nil
}

// GetActiveNodes snapshots the hot node set.
func (s *StateStore) GetActiveNodes() []*types.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// ListNodes scans the durable store (cold query).
func (s *StateStore) ListNodes() ([]*types.Node, error) {
	if s.durable == nil {
		return s.GetActiveNodes(), nil
	}
	return s.durable.ListNodes(nil)
}

// --- vms ---

// SaveVM classifies the VM hot/cold, updates the working set and writes
// through.
func (s *StateStore) SaveVM(vm *types.VirtualMachine) error {
	cp := *vm
	cp.UpdatedAt = s.now()
	s.mu.Lock()
	// Without a durable tier the maps are the only truth; nothing is
	// evicted on write.
	if vmIsHot(&cp) || s.durable == nil {
		s.vms[cp.ID] = &cp
	} else {
		delete(s.vms, cp.ID)
	}
	s.mu.Unlock()

	s.writeThrough("vm", cp.ID, criticalWriteAttempts, func() error {
		return s.durable.SaveVM(&cp)
	})
	// Reflect the stamped UpdatedAt back to the caller's copy.
	vm.UpdatedAt = cp.UpdatedAt
	return nil
}

// GetVM consults the hot map first, then the durable store (covers stopped
// and deleted VMs kept for audit).
func (s *StateStore) GetVM(id string) (*types.VirtualMachine, error) {
	s.mu.RLock()
	if vm, ok := s.vms[id]; ok {
		cp := *vm
		s.mu.RUnlock()
		return &cp, nil
	}
	s.mu.RUnlock()

	if s.durable == nil {
		return nil, fmt.Errorf("vm %s: %w", id, types.ErrNotFound)
	}
	return s.durable.GetVM(id)
}

// GetActiveVMs snapshots the hot VM set.
func (s *StateStore) GetActiveVMs() []*types.VirtualMachine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.VirtualMachine, 0, len(s.vms))
	for _, vm := range s.vms {
		cp := *vm
		out = append(out, &cp)
	}
	return out
}

// GetVMsByNode returns live VMs placed on a node, from the hot set.
func (s *StateStore) GetVMsByNode(nodeID string) []*types.VirtualMachine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.VirtualMachine
	for _, vm := range s.vms {
		if vm.NodeID == nodeID {
			cp := *vm
			out = append(out, &cp)
		}
	}
	return out
}

// ListPendingVMs returns VMs still waiting to be scheduled. Pending is not a
// hot status, so the durable store is consulted.
func (s *StateStore) ListPendingVMs() ([]*types.VirtualMachine, error) {
	if s.durable == nil {
		var out []*types.VirtualMachine
		s.mu.RLock()
		for _, vm := range s.vms {
			if vm.Status == types.VMStatusPending {
				cp := *vm
				out = append(out, &cp)
			}
		}
		s.mu.RUnlock()
		return out, nil
	}
	return s.durable.ListVMs(func(vm *types.VirtualMachine) bool {
		return vm.Status == types.VMStatusPending
	})
}

// GetVMsByOwner spans cold data: history includes stopped and deleted VMs.
func (s *StateStore) GetVMsByOwner(ownerID string) ([]*types.VirtualMachine, error) {
	if s.durable == nil {
		var out []*types.VirtualMachine
		for _, vm := range s.GetActiveVMs() {
			if vm.OwnerID == ownerID {
				out = append(out, vm)
			}
		}
		return out, nil
	}
	vms, err := s.durable.ListVMs(func(vm *types.VirtualMachine) bool {
		return vm.OwnerID == ownerID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].CreatedAt.After(vms[j].CreatedAt) })
	return vms, nil
}

// --- users ---

func (s *StateStore) SaveUser(u *types.User) error {
	cp := *u
	s.mu.Lock()
	s.users[cp.ID] = &cp
	s.mu.Unlock()

	s.writeThrough("user", cp.ID, criticalWriteAttempts, func() error {
		return s.durable.SaveUser(&cp)
	})
	return nil
}

func (s *StateStore) GetUser(id string) (*types.User, error) {
	s.mu.RLock()
	if u, ok := s.users[id]; ok {
		cp := *u
		s.mu.RUnlock()
		return &cp, nil
	}
	s.mu.RUnlock()

	if s.durable == nil {
		return nil, fmt.Errorf("user %s: %w", id, types.ErrNotFound)
	}
	return s.durable.GetUser(id)
}

// --- usage ---

// SaveUsageRecord appends a usage record; records get the lighter retry
// budget.
func (s *StateStore) SaveUsageRecord(r *types.UsageRecord) error {
	cp := *r
	s.mu.Lock()
	if s.usageIsHot(&cp) || s.durable == nil {
		s.usage[cp.ID] = &cp
	} else {
		delete(s.usage, cp.ID)
	}
	s.mu.Unlock()

	s.writeThrough("usage", cp.ID, recordWriteAttempts, func() error {
		return s.durable.SaveUsageRecord(&cp)
	})
	return nil
}

// GetUnpaidUsage returns unsettled records for a user from the hot set.
func (s *StateStore) GetUnpaidUsage(userID string) []*types.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.UsageRecord
	for _, r := range s.usage {
		if r.UserID == userID && !r.SettledOnChain {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

// UnpaidUsageUserIDs returns the users that currently hold unsettled usage
// in the working set, for the settlement sweep.
func (s *StateStore) UnpaidUsageUserIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, r := range s.usage {
		if r.SettledOnChain {
			continue
		}
		if _, dup := seen[r.UserID]; dup {
			continue
		}
		seen[r.UserID] = struct{}{}
		out = append(out, r.UserID)
	}
	return out
}

// GetUsageHistory spans cold data, newest first.
func (s *StateStore) GetUsageHistory(userID string, limit int) ([]*types.UsageRecord, error) {
	var recs []*types.UsageRecord
	var err error
	if s.durable == nil {
		s.mu.RLock()
		for _, r := range s.usage {
			if r.UserID == userID {
				cp := *r
				recs = append(recs, &cp)
			}
		}
		s.mu.RUnlock()
	} else {
		recs, err = s.durable.ListUsageRecords(func(r *types.UsageRecord) bool {
			return r.UserID == userID
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// --- events, attestations ---

// SaveEvent persists an event (append-only; light retry budget; no hot set).
func (s *StateStore) SaveEvent(e *types.Event) error {
	cp := *e
	s.writeThrough("event", cp.ID, recordWriteAttempts, func() error {
		return s.durable.SaveEvent(&cp)
	})
	return nil
}

// SaveAttestation persists an attestation audit record.
func (s *StateStore) SaveAttestation(a *types.Attestation) error {
	cp := *a
	s.writeThrough("attestation", cp.ID, recordWriteAttempts, func() error {
		return s.durable.SaveAttestation(&cp)
	})
	return nil
}

// GetAttestations returns the audit trail for a VM, newest first.
func (s *StateStore) GetAttestations(vmID string) ([]*types.Attestation, error) {
	if s.durable == nil {
		return nil, nil
	}
	return s.durable.ListAttestations(vmID)
}

// --- images, pricing tiers, templates ---

func (s *StateStore) SaveImage(img *types.Image) error {
	cp := *img
	s.mu.Lock()
	s.images[cp.ID] = &cp
	s.mu.Unlock()
	s.writeThrough("image", cp.ID, criticalWriteAttempts, func() error {
		return s.durable.SaveImage(&cp)
	})
	return nil
}

func (s *StateStore) GetImage(id string) (*types.Image, error) {
	s.mu.RLock()
	if img, ok := s.images[id]; ok {
		cp := *img
		s.mu.RUnlock()
		return &cp, nil
	}
	s.mu.RUnlock()

	if s.durable == nil {
		return nil, fmt.Errorf("image %s: %w", id, types.ErrNotFound)
	}
	return s.durable.GetImage(id)
}

func (s *StateStore) SavePricingTier(t *types.PricingTier) error {
	cp := *t
	s.mu.Lock()
	s.tiers[cp.ID] = &cp
	s.mu.Unlock()
	s.writeThrough("pricingTier", cp.ID, criticalWriteAttempts, func() error {
		return s.durable.SavePricingTier(&cp)
	})
	return nil
}

// GetPricingTier resolves the rate card for a quality tier.
func (s *StateStore) GetPricingTier(tier types.QualityTier) (*types.PricingTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tiers {
		if t.Tier == tier {
			cp := *t
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("pricing tier %s: %w", tier, types.ErrNotFound)
}

func (s *StateStore) GetTemplate(id string) (*types.VMTemplate, error) {
	if s.durable == nil {
		return nil, fmt.Errorf("template %s: %w", id, types.ErrNotFound)
	}
	return s.durable.GetTemplate(id)
}

// --- scheduling config ---

// GetSchedulingConfig loads the stored policy or falls back to defaults.
func (s *StateStore) GetSchedulingConfig() *types.SchedulingConfig {
	if s.durable != nil {
		if cfg, err := s.durable.GetSchedulingConfig(); err == nil {
			return cfg
		}
	}
	return types.DefaultSchedulingConfig()
}

// SaveSchedulingConfig persists a new policy version.
func (s *StateStore) SaveSchedulingConfig(cfg *types.SchedulingConfig) error {
	if s.durable == nil {
		return nil
	}
	return withRetry(criticalWriteAttempts, func() error {
		return s.durable.SaveSchedulingConfig(cfg)
	})
}

// --- lifecycle jobs ---

// LoadHotSets populates the working set on startup: online nodes, live VMs,
// recent unsettled usage, users, images and pricing tiers.
func (s *StateStore) LoadHotSets() error {
	if s.durable == nil {
		return nil
	}

	cutoff := s.now().Add(-HotHeartbeatWindow)
	nodes, err := s.durable.ListNodes(func(n *types.Node) bool {
		return n.LastHeartbeat.After(cutoff)
	})
	if err != nil {
		return fmt.Errorf("failed to load nodes: %w", err)
	}

	vms, err := s.durable.ListVMs(func(vm *types.VirtualMachine) bool {
		return vmIsHot(vm)
	})
	if err != nil {
		return fmt.Errorf("failed to load vms: %w", err)
	}

	usage, err := s.durable.ListUsageRecords(func(r *types.UsageRecord) bool {
		return s.usageIsHot(r)
	})
	if err != nil {
		return fmt.Errorf("failed to load usage records: %w", err)
	}

	users, err := s.durable.ListUsers()
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}

	images, err := s.durable.ListImages()
	if err != nil {
		return fmt.Errorf("failed to load images: %w", err)
	}

	tiers, err := s.durable.ListPricingTiers()
	if err != nil {
		return fmt.Errorf("failed to load pricing tiers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		s.nodes[n.ID] = n
	}
	for _, vm := range vms {
		s.vms[vm.ID] = vm
	}
	for _, r := range usage {
		s.usage[r.ID] = r
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	for _, img := range images {
		s.images[img.ID] = img
	}
	for _, t := range tiers {
		s.tiers[t.ID] = t
	}

	s.logger.Info().
		Int("nodes", len(nodes)).
		Int("vms", len(vms)).
		Int("usage_records", len(usage)).
		Int("users", len(users)).
		Msg("Hot working set loaded")
	return nil
}

// PruneHotSets evicts entities that left the working set: offline-stale
// nodes, terminal VMs, settled or aged usage. Runs hourly.
func (s *StateStore) PruneHotSets() {
	if s.durable == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, n := range s.nodes {
		if n.Status == types.NodeStatusOffline && !s.nodeIsHot(n) {
			delete(s.nodes, id)
			pruned++
		}
	}
	for id, vm := range s.vms {
		if !vmIsHot(vm) {
			delete(s.vms, id)
			pruned++
		}
	}
	for id, r := range s.usage {
		if !s.usageIsHot(r) {
			delete(s.usage, id)
			pruned++
		}
	}

	if pruned > 0 {
		s.logger.Debug().Int("evicted", pruned).Msg("Hot set pruned")
	}
}

// SyncAll rewrites the whole hot working set to the durable store. Nodes, VMs
// and users are each upserted one document at a time, with no batched write;
// a failed upsert is logged and the sync goes on with the rest.
func (s *StateStore) SyncAll() {
	if s.durable == nil {
		return
	}

	nodes := s.GetActiveNodes()
	vms := s.GetActiveVMs()
	s.mu.RLock()
	users := make([]*types.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		users = append(users, &cp)
	}
	s.mu.RUnlock()

	for _, n := range nodes {
		if err := s.durable.SaveNode(n); err != nil {
			s.logger.Error().Err(err).Str("node_id", n.ID).
				Str("wallet", n.WalletAddress).Msg("Bulk sync: node upsert failed")
		}
	}
	for _, vm := range vms {
		if err := s.durable.SaveVM(vm); err != nil {
			s.logger.Error().Err(err).Str("vm_id", vm.ID).Msg("Bulk sync: vm upsert failed")
		}
	}
	for _, u := range users {
		if err := s.durable.SaveUser(u); err != nil {
			s.logger.Error().Err(err).Str("user_id", u.ID).
				Str("email", u.Email).Msg("Bulk sync: user upsert failed")
		}
	}
}
