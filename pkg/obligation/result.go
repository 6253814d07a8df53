package obligation

import (
	"time"
)

// ResultKind enumerates handler outcomes.
type ResultKind int

const (
	// KindCompleted marks the obligation done; spawned children (if any)
	// become dependents of it.
	KindCompleted ResultKind = iota
	// KindInProgress keeps the obligation in progress; the handler runs
	// again next tick.
	KindInProgress
	// KindWaitingForSignal parks the obligation until the signal key fires.
	KindWaitingForSignal
	// KindRetry re-queues with exponential backoff, or fails permanently
	// once attempts are exhausted.
	KindRetry
	// KindPermanentFailure fails immediately and cascade-cancels dependents.
	KindPermanentFailure
)

// ChildSpec describes an obligation spawned by a completing handler. The
// engine adds a dependency on the parent automatically.
type ChildSpec struct {
	Type         string
	ResourceType string
	ResourceID   string
	Priority     int
	Deadline     time.Time
	MaxAttempts  int
	DependsOn    []string
	Data         map[string]string
}

// Result is what a handler returns to the reconciliation loop. Handlers
// never return errors to the loop; transient trouble is Retry, policy
// trouble is PermanentFailure.
type Result struct {
	Kind      ResultKind
	Message   string
	SignalKey string
	Children  []ChildSpec
	// Data entries are merged into the obligation's data map before the
	// result is applied.
	Data map[string]string
}

// Completed returns a success result, optionally spawning children.
func Completed(children ...ChildSpec) Result {
	return Result{Kind: KindCompleted, Children: children}
}

// InProgress keeps the obligation running across ticks.
func InProgress(message string) Result {
	return Result{Kind: KindInProgress, Message: message}
}

// WaitingForSignal parks the obligation on the given signal key.
func WaitingForSignal(signalKey string) Result {
	return Result{Kind: KindWaitingForSignal, SignalKey: signalKey}
}

// Retry re-queues the obligation with backoff.
func Retry(message string) Result {
	return Result{Kind: KindRetry, Message: message}
}

// PermanentFailure fails the obligation without further attempts.
func PermanentFailure(message string) Result {
	return Result{Kind: KindPermanentFailure, Message: message}
}

// WithData attaches data entries to merge into the obligation.
func (r Result) WithData(data map[string]string) Result {
	r.Data = data
	return r
}
