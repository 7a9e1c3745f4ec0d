package events

import (
	"sync"
	"time"

	"github.com/DataBiosphere/dsub-sub000/pkg/types"
)

// Transition is one attempt-level phase change published to subscribers.
type Transition struct {
	JobID       string
	TaskID      string
	TaskAttempt int
	Event       types.Event
	Status      types.Status
}

// Subscriber is a channel that receives transitions
type Subscriber chan *Transition

// Broker fans attempt transitions out to subscribers. The local
// provider publishes; the dsub and dstat wait loops poll and do not
// subscribe.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Transition
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Transition, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
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

// Publish publishes a transition to all subscribers
func (b *Broker) Publish(t *Transition) {
	if t.Event.Timestamp.IsZero() {
		t.Event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- t:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case t := <-b.eventCh:
			b.broadcast(t)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(t *Transition) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- t:
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
