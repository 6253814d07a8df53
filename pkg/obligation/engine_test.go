package obligation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(NewStore(), Config{TickInterval: time.Hour, MaxConcurrent: 10})
}

// drain ticks until no handler is in flight and the predicate holds.
func drain(t *testing.T, e *Engine, pred func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		e.Tick(context.Background())
		e.mu.Lock()
		busy := len(e.inFlight)
		e.mu.Unlock()
		return busy == 0 && pred()
	}, 5*time.Second, 10*time.Millisecond)
}

func status(t *testing.T, e *Engine, id string) types.ObligationStatus {
	t.Helper()
	ob, err := e.store.Get(id)
	require.NoError(t, err)
	return ob.Status
}

func TestDependencyCycleFails(t *testing.T) {
	e := newTestEngine(t)

	a, _ := e.Create(CreateRequest{Type: "a", ResourceType: "r", ResourceID: "1"})
	b, _ := e.Create(CreateRequest{Type: "b", ResourceType: "r", ResourceID: "1"})

	require.NoError(t, e.store.Mutate(a.ID, func(o *types.Obligation) { o.DependsOn = []string{b.ID} }))
	require.NoError(t, e.store.Mutate(b.ID, func(o *types.Obligation) { o.DependsOn = []string{a.ID} }))

	e.Tick(context.Background())

	for _, id := range []string{a.ID, b.ID} {
		ob, err := e.store.Get(id)
		require.NoError(t, err)
		assert.Equal(t, types.ObligationFailed, ob.Status)
		assert.Equal(t, "Dependency cycle detected", ob.Message)
	}
}

func TestHandlerCompletedSpawnsChildren(t *testing.T) {
	e := newTestEngine(t)
	e.Register("parent", HandlerFunc(func(ctx context.Context, ob *types.Obligation) Result {
		return Completed(ChildSpec{Type: "child", ResourceType: "r", ResourceID: ob.ResourceID})
	}))
	childRan := atomic.Bool{}
	e.Register("child", HandlerFunc(func(ctx context.Context, ob *types.Obligation) Result {
		childRan.Store(true)
		return Completed()
	}))

	parent, _ := e.Create(CreateRequest{Type: "parent", ResourceType: "r", ResourceID: "1"})

	drain(t, e, func() bool { return childRan.Load() })

	assert.Equal(t, types.ObligationCompleted, status(t, e, parent.ID))

	// The child carries the parent dependency and parent linkage.
	drain(t, e, func() bool {
		all := e.store.Snapshot(func(ob *types.Obligation) bool { return ob.Type == "child" })
		return len(all) == 1 && all[0].Status == types.ObligationCompleted
	})
	all := e.store.Snapshot(func(ob *types.Obligation) bool { return ob.Type == "child" })
	require.Len(t, all, 1)
	assert.Equal(t, parent.ID, all[0].ParentID)
	assert.Contains(t, all[0].DependsOn, parent.ID)
	assert.Equal(t, types.ObligationCompleted, all[0].Status)
}

func TestRetryExhaustionFailsAndCascades(t *testing.T) {
	e := newTestEngine(t)
	e.Register("flaky", HandlerFunc(func(ctx context.Context, ob *types.Obligation) Result {
		return Retry("still broken")
	}))

	ob, _ := e.Create(CreateRequest{Type: "flaky", ResourceType: "r", ResourceID: "1", MaxAttempts: 2})
	dep, _ := e.Create(CreateRequest{Type: "dependent", ResourceType: "r", ResourceID: "2", DependsOn: []string{ob.ID}})

	// First attempt: retries with backoff.
	drain(t, e, func() bool {
		got, _ := e.store.Get(ob.ID)
		return got.AttemptCount == 1 && got.Status == types.ObligationPending
	})
	got, _ := e.store.Get(ob.ID)
	assert.False(t, got.NextAttemptAfter.IsZero())

	// Clear the backoff and run the final attempt: Retry at N = maxAttempts
	// transitions to Failed.
	require.NoError(t, e.store.Mutate(ob.ID, func(o *types.Obligation) { o.NextAttemptAfter = time.Time{} }))
	drain(t, e, func() bool {
		got, _ := e.store.Get(ob.ID)
		return got.Status.IsTerminal()
	})

	assert.Equal(t, types.ObligationFailed, status(t, e, ob.ID))
	assert.Equal(t, types.ObligationCancelled, status(t, e, dep.ID))
}

func TestPermanentFailureCascades(t *testing.T) {
	e := newTestEngine(t)
	e.Register("doomed", HandlerFunc(func(ctx context.Context, ob *types.Obligation) Result {
		return PermanentFailure("policy says no")
	}))

	root, _ := e.Create(CreateRequest{Type: "doomed", ResourceType: "r", ResourceID: "1"})
	mid, _ := e.Create(CreateRequest{Type: "m", ResourceType: "r", ResourceID: "2", DependsOn: []string{root.ID}})
	leaf, _ := e.Create(CreateRequest{Type: "l", ResourceType: "r", ResourceID: "3", DependsOn: []string{mid.ID}})

	drain(t, e, func() bool {
		return status(t, e, leaf.ID).IsTerminal()
	})

	assert.Equal(t, types.ObligationFailed, status(t, e, root.ID))
	assert.Equal(t, types.ObligationCancelled, status(t, e, mid.ID))
	assert.Equal(t, types.ObligationCancelled, status(t, e, leaf.ID))
}

func TestWaitingForSignalWakesOnce(t *testing.T) {
	e := newTestEngine(t)
	var executions atomic.Int32
	e.Register("waiter", HandlerFunc(func(ctx context.Context, ob *types.Obligation) Result {
		if ob.Data["ready"] == "true" {
			return Completed()
		}
		executions.Add(1)
		return WaitingForSignal("go:1")
	}))

	ob, _ := e.Create(CreateRequest{Type: "waiter", ResourceType: "r", ResourceID: "1"})

	drain(t, e, func() bool {
		return status(t, e, ob.ID) == types.ObligationWaitingForSignal
	})

	// Parked obligations are not re-dispatched.
	e.Tick(context.Background())
	assert.Equal(t, int32(1), executions.Load())

	e.Signal("go:1", map[string]string{"ready": "true"})
	got, _ := e.store.Get(ob.ID)
	assert.Equal(t, types.ObligationPending, got.Status)
	assert.Equal(t, "true", got.Data["ready"])

	// Signalling twice wakes at most one obligation total; second is a
	// no-op.
	e.Signal("go:1", map[string]string{"ready": "false"})
	got, _ = e.store.Get(ob.ID)
	assert.Equal(t, "true", got.Data["ready"])

	drain(t, e, func() bool { return status(t, e, ob.ID) == types.ObligationCompleted })
}

func TestDeadlineExpiry(t *testing.T) {
	e := newTestEngine(t)
	e.Register("slow", HandlerFunc(func(ctx context.Context, ob *types.Obligation) Result {
		return InProgress("working")
	}))

	ob, _ := e.Create(CreateRequest{
		Type: "slow", ResourceType: "r", ResourceID: "1",
		Deadline: time.Now().Add(-time.Second),
	})
	dep, _ := e.Create(CreateRequest{Type: "d", ResourceType: "r", ResourceID: "2", DependsOn: []string{ob.ID}})

	e.Tick(context.Background())

	assert.Equal(t, types.ObligationExpired, status(t, e, ob.ID))
	assert.Equal(t, types.ObligationCancelled, status(t, e, dep.ID))
}

func TestPriorityOrdering(t *testing.T) {
	e := newTestEngine(t)
	var order []string
	done := make(chan struct{}, 3)
	e.Register("t", HandlerFunc(func(ctx context.Context, ob *types.Obligation) Result {
		order = append(order, ob.ResourceID)
		done <- struct{}{}
		return Completed()
	}))

	// Single-slot semaphore serialises execution in dispatch order.
	e.sem.TryAcquire(9)

	e.Create(CreateRequest{Type: "t", ResourceType: "r", ResourceID: "low", Priority: 1})
	e.Create(CreateRequest{Type: "t", ResourceType: "r", ResourceID: "high", Priority: 10})
	e.Create(CreateRequest{Type: "t", ResourceType: "r", ResourceID: "mid", Priority: 5})

	for i := 0; i < 3; i++ {
		e.Tick(context.Background())
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler did not run")
		}
		// Wait for the slot to free before the next tick.
		require.Eventually(t, func() bool {
			e.mu.Lock()
			defer e.mu.Unlock()
			return len(e.inFlight) == 0
		}, 2*time.Second, 5*time.Millisecond)
	}

	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name     string
		base     int
		attempts int
		want     time.Duration
	}{
		{"first attempt", 5, 1, 5 * time.Second},
		{"second attempt doubles", 5, 2, 10 * time.Second},
		{"third attempt", 5, 3, 20 * time.Second},
		{"capped at 300s", 5, 10, 300 * time.Second},
		{"zero base uses default", 0, 1, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, backoffDelay(tt.base, tt.attempts))
		})
	}
}

func TestUnknownHandlerFailsPermanently(t *testing.T) {
	e := newTestEngine(t)
	ob, _ := e.Create(CreateRequest{Type: "nobody-home", ResourceType: "r", ResourceID: "1"})

	drain(t, e, func() bool { return status(t, e, ob.ID).IsTerminal() })
	assert.Equal(t, types.ObligationFailed, status(t, e, ob.ID))
}

func TestBlockedUntilDependencyCompletes(t *testing.T) {
	e := newTestEngine(t)
	var ran atomic.Bool
	e.Register("dep", HandlerFunc(func(ctx context.Context, ob *types.Obligation) Result {
		return InProgress("not yet")
	}))
	e.Register("blocked", HandlerFunc(func(ctx context.Context, ob *types.Obligation) Result {
		ran.Store(true)
		return Completed()
	}))

	dep, _ := e.Create(CreateRequest{Type: "dep", ResourceType: "r", ResourceID: "1"})
	e.Create(CreateRequest{Type: "blocked", ResourceType: "r", ResourceID: "2", DependsOn: []string{dep.ID}})

	e.Tick(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load(), "dependent must not run while dependency is active")

	require.NoError(t, e.store.Mutate(dep.ID, func(o *types.Obligation) {
		o.Status = types.ObligationCompleted
	}))
	drain(t, e, func() bool { return ran.Load() })
}
