package obligation

import (
	"fmt"
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
)

// CreateRequest describes a new obligation.
type CreateRequest struct {
	Type         string
	ResourceType string
	ResourceID   string
	Priority     int
	Deadline     time.Time
	MaxAttempts  int
	DependsOn    []string
	ParentID     string
	Data         map[string]string
}

// Store is the thread-safe in-memory obligation store: a primary map keyed
// by id with secondary indexes by type, by resource and by signal key. The
// state store is the durability boundary; obligations are recreated by the
// recovery scanner after a restart.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*types.Obligation
	byType     map[string]map[string]struct{}
	byResource map[string]map[string]struct{} // resourceType:resourceId -> ids
	bySignal   map[string]string              // signalKey -> obligationID

	now func() time.Time
}

// NewStore creates an empty obligation store.
func NewStore() *Store {
	return &Store{
		byID:       make(map[string]*types.Obligation),
		byType:     make(map[string]map[string]struct{}),
		byResource: make(map[string]map[string]struct{}),
		bySignal:   make(map[string]string),
		now:        time.Now,
	}
}

func resourceKey(resourceType, resourceID string) string {
	return resourceType + ":" + resourceID
}

// Create adds an obligation, deduplicating against active obligations of the
// same type for the same resource: when one exists it is returned unchanged
// and created is false.
func (s *Store) Create(req CreateRequest) (*types.Obligation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Dedup: an active obligation of this type already driving this
	// resource absorbs the create.
	for id := range s.byResource[resourceKey(req.ResourceType, req.ResourceID)] {
		ob := s.byID[id]
		if ob.Type == req.Type && !ob.Status.IsTerminal() {
			cp := *ob
			return &cp, false
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = types.DefaultMaxAttempts
	}

	now := s.now()
	ob := &types.Obligation{
		ID:                 uuid.New().String(),
		Type:               req.Type,
		ResourceType:       req.ResourceType,
		ResourceID:         req.ResourceID,
		Status:             types.ObligationPending,
		DependsOn:          append([]string(nil), req.DependsOn...),
		ParentID:           req.ParentID,
		MaxAttempts:        maxAttempts,
		BackoffBaseSeconds: types.DefaultBackoffBaseSeconds,
		Priority:           req.Priority,
		Deadline:           req.Deadline,
		Data:               cloneData(req.Data),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	s.index(ob)
	if req.ParentID != "" {
		if parent, ok := s.byID[req.ParentID]; ok {
			parent.ChildObligationIDs = append(parent.ChildObligationIDs, ob.ID)
		}
	}

	cp := *ob
	return &cp, true
}

func (s *Store) index(ob *types.Obligation) {
	s.byID[ob.ID] = ob
	if s.byType[ob.Type] == nil {
		s.byType[ob.Type] = make(map[string]struct{})
	}
	s.byType[ob.Type][ob.ID] = struct{}{}
	rk := resourceKey(ob.ResourceType, ob.ResourceID)
	if s.byResource[rk] == nil {
		s.byResource[rk] = make(map[string]struct{})
	}
	s.byResource[rk][ob.ID] = struct{}{}
}

func (s *Store) unindex(ob *types.Obligation) {
	delete(s.byID, ob.ID)
	delete(s.byType[ob.Type], ob.ID)
	delete(s.byResource[resourceKey(ob.ResourceType, ob.ResourceID)], ob.ID)
	if ob.SignalKey != "" {
		if id, ok := s.bySignal[ob.SignalKey]; ok && id == ob.ID {
			delete(s.bySignal, ob.SignalKey)
		}
	}
}

// Get returns a copy of an obligation.
func (s *Store) Get(id string) (*types.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ob, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("obligation %s: %w", id, types.ErrNotFound)
	}
	cp := *ob
	return &cp, nil
}

// Mutate applies fn to the stored obligation under the lock. Transitions out
// of a terminal status are rejected: fn sees a copy and the mutation is
// discarded if it attempts to resurrect a terminal obligation.
func (s *Store) Mutate(id string, fn func(*types.Obligation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("obligation %s: %w", id, types.ErrNotFound)
	}

	wasTerminal := ob.Status.IsTerminal()
	oldSignal := ob.SignalKey

	cp := *ob
	fn(&cp)

	if wasTerminal && cp.Status != ob.Status {
		return fmt.Errorf("obligation %s is terminal (%s): %w", id, ob.Status, types.ErrConflict)
	}

	cp.UpdatedAt = s.now()
	if cp.Status.IsTerminal() && ob.FinishedAt.IsZero() {
		cp.FinishedAt = cp.UpdatedAt
	}
	*ob = cp

	// Keep the signal index in step with the obligation's registration.
	if oldSignal != ob.SignalKey {
		if oldSignal != "" {
			if id2, ok := s.bySignal[oldSignal]; ok && id2 == ob.ID {
				delete(s.bySignal, oldSignal)
			}
		}
		if ob.SignalKey != "" {
			s.bySignal[ob.SignalKey] = ob.ID
		}
	}
	return nil
}

// Snapshot returns copies of all obligations accepted by keep (nil keeps
// all).
func (s *Store) Snapshot(keep func(*types.Obligation) bool) []*types.Obligation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Obligation, 0, len(s.byID))
	for _, ob := range s.byID {
		if keep == nil || keep(ob) {
			cp := *ob
			out = append(out, &cp)
		}
	}
	return out
}

// Active returns all non-terminal obligations.
func (s *Store) Active() []*types.Obligation {
	return s.Snapshot(func(ob *types.Obligation) bool {
		return !ob.Status.IsTerminal()
	})
}

// FindActive returns the active obligation of a type for a resource, if any.
func (s *Store) FindActive(obType, resourceType, resourceID string) (*types.Obligation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.byResource[resourceKey(resourceType, resourceID)] {
		ob := s.byID[id]
		if ob.Type == obType && !ob.Status.IsTerminal() {
			cp := *ob
			return &cp, true
		}
	}
	return nil, false
}

// TakeSignal resolves a signal key to its waiting obligation and removes the
// registration. Single-shot: a second call for the same key finds nothing.
func (s *Store) TakeSignal(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.bySignal[key]
	if !ok {
		return "", false
	}
	delete(s.bySignal, key)
	return id, true
}

// SignalRegistered reports whether any obligation is parked on the key.
func (s *Store) SignalRegistered(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bySignal[key]
	return ok
}

// Dependents returns ids of active obligations that depend on the given id.
func (s *Store) Dependents(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, ob := range s.byID {
		if ob.Status.IsTerminal() {
			continue
		}
		for _, dep := range ob.DependsOn {
			if dep == id {
				out = append(out, ob.ID)
				break
			}
		}
	}
	return out
}

// PruneTerminal removes terminal obligations finished before the cutoff, and
// if more than cap terminal obligations remain, removes the oldest down to
// the cap.
func (s *Store) PruneTerminal(cutoff time.Time, capacity int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var terminal []*types.Obligation
	for _, ob := range s.byID {
		if ob.Status.IsTerminal() {
			terminal = append(terminal, ob)
		}
	}

	removed := 0
	var kept []*types.Obligation
	for _, ob := range terminal {
		if !ob.FinishedAt.IsZero() && ob.FinishedAt.Before(cutoff) {
			s.unindex(ob)
			removed++
		} else {
			kept = append(kept, ob)
		}
	}

	if capacity > 0 && len(kept) > capacity {
		// Oldest-finished first.
		for i := 0; i < len(kept); i++ {
			for j := i + 1; j < len(kept); j++ {
				if kept[j].FinishedAt.Before(kept[i].FinishedAt) {
					kept[i], kept[j] = kept[j], kept[i]
				}
			}
		}
		for _, ob := range kept[:len(kept)-capacity] {
			s.unindex(ob)
			removed++
		}
	}
	return removed
}

// Count returns total and active obligation counts.
func (s *Store) Count() (total, active int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total = len(s.byID)
	for _, ob := range s.byID {
		if !ob.Status.IsTerminal() {
			active++
		}
	}
	return total, active
}

func cloneData(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
