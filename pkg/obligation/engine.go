package obligation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Handler encodes what one obligation type does. The engine owns when, how
// many times and in what order.
type Handler interface {
	Execute(ctx context.Context, ob *types.Obligation) Result
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ob *types.Obligation) Result

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, ob *types.Obligation) Result {
	return f(ctx, ob)
}

// Engine defaults.
const (
	DefaultTickInterval   = 5 * time.Second
	DefaultMaxConcurrent  = 10
	terminalPruneInterval = 30 * time.Minute
	terminalRetention     = 24 * time.Hour
	terminalRetainedCap   = 10000
	cycleFailureMessage   = "Dependency cycle detected"
)

// Config tunes the reconciliation loop.
type Config struct {
	TickInterval  time.Duration
	MaxConcurrent int64
}

// Engine is the reconciliation loop: each tick it expires overdue
// obligations, resolves the dependency graph, fails cycles, and dispatches
// ready obligations to their handlers under a counting semaphore.
type Engine struct {
	store    *Store
	handlers map[string]Handler
	logger   zerolog.Logger

	tickInterval time.Duration
	sem          *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]struct{}

	lastPrune time.Time
	now       func() time.Time
}

// NewEngine creates an engine over the store.
func NewEngine(store *Store, cfg Config) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Engine{
		store:        store,
		handlers:     make(map[string]Handler),
		logger:       log.WithComponent("obligation-engine"),
		tickInterval: cfg.TickInterval,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrent),
		inFlight:     make(map[string]struct{}),
		now:          time.Now,
	}
}

// Register binds a handler to an obligation type.
func (e *Engine) Register(obType string, h Handler) {
	e.handlers[obType] = h
}

// Store exposes the underlying obligation store.
func (e *Engine) Store() *Store {
	return e.store
}

// Create adds an obligation (deduplicated) to the store.
func (e *Engine) Create(req CreateRequest) (*types.Obligation, bool) {
	ob, created := e.store.Create(req)
	if created {
		e.logger.Debug().
			Str("obligation_id", ob.ID).
			Str("type", ob.Type).
			Str("resource", ob.ResourceType+":"+ob.ResourceID).
			Msg("Obligation created")
		metrics.ObligationsCreated.WithLabelValues(ob.Type).Inc()
	}
	return ob, created
}

// Signal delivers a single-shot wake for the obligation parked on key. The
// payload is merged into the obligation's data. If nothing is waiting the
// signal is dropped; the recovery scanner is the backstop for lost signals.
func (e *Engine) Signal(key string, payload map[string]string) {
	id, ok := e.store.TakeSignal(key)
	if !ok {
		e.logger.Debug().Str("signal_key", key).Msg("Signal dropped: no obligation waiting")
		return
	}

	err := e.store.Mutate(id, func(ob *types.Obligation) {
		if ob.Status != types.ObligationWaitingForSignal {
			return
		}
		ob.Status = types.ObligationPending
		ob.SignalKey = ""
		ob.NextAttemptAfter = time.Time{}
		if len(payload) > 0 {
			if ob.Data == nil {
				ob.Data = make(map[string]string)
			}
			for k, v := range payload {
				ob.Data[k] = v
			}
		}
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("signal_key", key).Msg("Failed to wake obligation")
		return
	}
	e.logger.Debug().Str("signal_key", key).Str("obligation_id", id).Msg("Signal delivered")
}

// Run drives the tick loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	e.logger.Info().Dur("tick", e.tickInterval).Msg("Reconciliation loop started")
	for {
		select {
		case <-ticker.C:
			e.Tick(ctx)
		case <-ctx.Done():
			e.logger.Info().Msg("Reconciliation loop stopped")
			return
		}
	}
}

// Tick performs one reconciliation cycle.
func (e *Engine) Tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationTickDuration)
		metrics.ReconciliationTicksTotal.Inc()
	}()

	now := e.now()

	// 1-2. Snapshot and expire.
	for _, ob := range e.store.Active() {
		if !ob.Deadline.IsZero() && now.After(ob.Deadline) {
			e.finish(ob.ID, types.ObligationExpired, "deadline exceeded")
		}
	}

	// 3. Resolve the graph.
	active := e.store.Active()
	byID := make(map[string]*types.Obligation, len(active))
	for _, ob := range active {
		byID[ob.ID] = ob
	}

	// Fail every cycle member before cascading, so one member's failure
	// cannot cancel another.
	cyclic := e.detectCycles(byID)
	for _, id := range cyclic {
		_ = e.store.Mutate(id, func(ob *types.Obligation) {
			ob.Status = types.ObligationFailed
			ob.Message = cycleFailureMessage
			ob.SignalKey = ""
		})
		delete(byID, id)
	}
	for _, id := range cyclic {
		e.cascadeCancel(id)
	}

	var ready []*types.Obligation
	for _, ob := range byID {
		switch ob.Status {
		case types.ObligationPending, types.ObligationInProgress:
		default:
			continue
		}
		if e.executing(ob.ID) {
			continue
		}
		if !ob.NextAttemptAfter.IsZero() && now.Before(ob.NextAttemptAfter) {
			continue
		}

		blocked := false
		for _, depID := range ob.DependsOn {
			dep, err := e.store.Get(depID)
			if err != nil {
				// A missing dependency was completed and pruned.
				continue
			}
			if dep.Status == types.ObligationCompleted {
				continue
			}
			if dep.Status.IsTerminal() {
				// Failed/Expired/Cancelled dependency: cancel this branch.
				e.finish(ob.ID, types.ObligationCancelled,
					fmt.Sprintf("dependency %s (%s) ended %s", dep.Type, dep.ID, dep.Status))
				blocked = true
				break
			}
			blocked = true
			break
		}
		if !blocked {
			ready = append(ready, ob)
		}
	}

	// 4. Dispatch in (priority desc, createdAt asc) order.
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	for _, ob := range ready {
		if !e.sem.TryAcquire(1) {
			break // concurrency budget spent; remainder waits for next tick
		}
		e.dispatch(ctx, ob.ID)
	}

	// 6. Prune terminal obligations periodically.
	if now.Sub(e.lastPrune) >= terminalPruneInterval {
		e.lastPrune = now
		removed := e.store.PruneTerminal(now.Add(-terminalRetention), terminalRetainedCap)
		if removed > 0 {
			e.logger.Debug().Int("removed", removed).Msg("Terminal obligations pruned")
		}
	}

	_, activeCount := e.store.Count()
	metrics.ObligationsActive.Set(float64(activeCount))
}

func (e *Engine) executing(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[id]
	return ok
}

func (e *Engine) dispatch(ctx context.Context, id string) {
	err := e.store.Mutate(id, func(ob *types.Obligation) {
		ob.Status = types.ObligationInProgress
		ob.AttemptCount++
		ob.LastAttemptAt = e.now()
	})
	if err != nil {
		e.sem.Release(1)
		return
	}

	ob, err := e.store.Get(id)
	if err != nil {
		e.sem.Release(1)
		return
	}

	e.mu.Lock()
	e.inFlight[id] = struct{}{}
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.inFlight, id)
			e.mu.Unlock()
			e.sem.Release(1)
		}()

		handler, ok := e.handlers[ob.Type]
		var result Result
		if !ok {
			result = PermanentFailure(fmt.Sprintf("no handler registered for %s", ob.Type))
		} else {
			result = handler.Execute(ctx, ob)
		}
		e.apply(ob, result)
	}()
}

// apply commits a handler result atomically.
func (e *Engine) apply(ob *types.Obligation, result Result) {
	if len(result.Data) > 0 {
		_ = e.store.Mutate(ob.ID, func(o *types.Obligation) {
			if o.Data == nil {
				o.Data = make(map[string]string)
			}
			for k, v := range result.Data {
				o.Data[k] = v
			}
		})
	}

	switch result.Kind {
	case KindCompleted:
		e.finish(ob.ID, types.ObligationCompleted, result.Message)
		metrics.ObligationsCompleted.WithLabelValues(ob.Type).Inc()
		for _, child := range result.Children {
			e.Create(CreateRequest{
				Type:         child.Type,
				ResourceType: child.ResourceType,
				ResourceID:   child.ResourceID,
				Priority:     child.Priority,
				Deadline:     child.Deadline,
				MaxAttempts:  child.MaxAttempts,
				DependsOn:    append(append([]string(nil), child.DependsOn...), ob.ID),
				ParentID:     ob.ID,
				Data:         child.Data,
			})
		}

	case KindInProgress:
		_ = e.store.Mutate(ob.ID, func(o *types.Obligation) {
			o.Status = types.ObligationInProgress
			o.Message = result.Message
		})

	case KindWaitingForSignal:
		_ = e.store.Mutate(ob.ID, func(o *types.Obligation) {
			o.Status = types.ObligationWaitingForSignal
			o.SignalKey = result.SignalKey
		})

	case KindRetry:
		if ob.AttemptCount >= ob.MaxAttempts {
			e.finish(ob.ID, types.ObligationFailed,
				fmt.Sprintf("%s (attempts exhausted: %d/%d)", result.Message, ob.AttemptCount, ob.MaxAttempts))
			metrics.ObligationsFailed.WithLabelValues(ob.Type).Inc()
			return
		}
		delay := backoffDelay(ob.BackoffBaseSeconds, ob.AttemptCount)
		_ = e.store.Mutate(ob.ID, func(o *types.Obligation) {
			o.Status = types.ObligationPending
			o.Message = result.Message
			o.NextAttemptAfter = e.now().Add(delay)
		})
		metrics.ObligationRetries.WithLabelValues(ob.Type).Inc()

	case KindPermanentFailure:
		e.finish(ob.ID, types.ObligationFailed, result.Message)
		metrics.ObligationsFailed.WithLabelValues(ob.Type).Inc()
	}
}

// backoffDelay computes base·2^(attempts−1) seconds capped at 300s.
func backoffDelay(baseSeconds, attempts int) time.Duration {
	if baseSeconds <= 0 {
		baseSeconds = types.DefaultBackoffBaseSeconds
	}
	if attempts < 1 {
		attempts = 1
	}
	delay := baseSeconds
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= types.MaxBackoffSeconds {
			delay = types.MaxBackoffSeconds
			break
		}
	}
	if delay > types.MaxBackoffSeconds {
		delay = types.MaxBackoffSeconds
	}
	return time.Duration(delay) * time.Second
}

// finish drives an obligation to a terminal status and cascade-cancels its
// dependents when the outcome is not Completed.
func (e *Engine) finish(id string, status types.ObligationStatus, message string) {
	err := e.store.Mutate(id, func(ob *types.Obligation) {
		ob.Status = status
		if message != "" {
			ob.Message = message
		}
		if ob.SignalKey != "" {
			ob.SignalKey = ""
		}
	})
	if err != nil {
		return
	}

	if status != types.ObligationCompleted {
		e.cascadeCancel(id)
	}
}

// cascadeCancel recursively cancels every active dependent of the given
// obligation, recording the failing ancestor in the message.
func (e *Engine) cascadeCancel(id string) {
	failed, err := e.store.Get(id)
	if err != nil {
		return
	}
	for _, depID := range e.store.Dependents(id) {
		err := e.store.Mutate(depID, func(ob *types.Obligation) {
			ob.Status = types.ObligationCancelled
			ob.Message = fmt.Sprintf("cancelled: dependency %s (%s) ended %s",
				failed.Type, failed.ID, failed.Status)
			ob.SignalKey = ""
		})
		if err != nil {
			continue
		}
		metrics.ObligationsCancelled.Inc()
		e.cascadeCancel(depID)
	}
}

// detectCycles runs an iterated Kahn elimination over the active obligation
// graph and returns the ids of all cycle participants, together with every
// obligation that depends on one directly or transitively, since the
// elimination cannot resolve those either.
func (e *Engine) detectCycles(byID map[string]*types.Obligation) []string {
	// Edges: dep -> dependent, counting only deps that are active.
	indegree := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for id, ob := range byID {
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, depID := range ob.DependsOn {
			if _, active := byID[depID]; !active {
				continue
			}
			indegree[id]++
			dependents[depID] = append(dependents[depID], id)
		}
	}

	queue := make([]string, 0, len(byID))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if resolved == len(byID) {
		return nil
	}
	var cyclic []string
	for id, deg := range indegree {
		if deg > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return cyclic
}
