package events

import (
	"sync"
	"time"

	"github.com/decloud/orchestrator/pkg/types"
	"github.com/google/uuid"
)

// Event type constants for the orchestrator's domain.
const (
	EventNodeRegistered      = "node.registered"
	EventNodeOnline          = "node.online"
	EventNodeOffline         = "node.offline"
	EventNodeAuthFailed      = "node.auth-failed"
	EventVMCreated           = "vm.created"
	EventVMScheduled         = "vm.scheduled"
	EventVMRunning           = "vm.running"
	EventVMStopped           = "vm.stopped"
	EventVMDeleted           = "vm.deleted"
	EventVMError             = "vm.error"
	EventAttestationFailed   = "attestation.failed"
	EventBillingPaused       = "billing.paused"
	EventBillingResumed      = "billing.resumed"
	EventBillingInsufficient = "billing.insufficient-funds"
)

// Subscriber is a channel that receives events
type Subscriber chan *types.Event

// Sink persists published events; wired to the state store at startup.
type Sink func(*types.Event)

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}
	sink        Sink
}

// NewBroker creates a new event broker
func NewBroker(sink Sink) *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
		sink:        sink,
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers and the durable sink.
func (b *Broker) Publish(event *types.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if b.sink != nil {
		b.sink(event)
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
