package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of event kinds Burrow emits. Payload fields
// are structured; subscribers must not depend on free-form message text.
type EventType string

const (
	EventHealthCheckComplete  EventType = "health_check_complete"
	EventPoolRecoveryAttempt  EventType = "pool_recovery_attempted"
	EventPoolRecoverySkipped  EventType = "pool_recovery_skipped"
	EventPoolRecoveryFailed   EventType = "pool_recovery_failed"
	EventBotRecoveryAttempt   EventType = "bot_recovery_attempted"
	EventBotRecoverySkipped   EventType = "bot_recovery_skipped"
	EventBotRecoveryFailed    EventType = "bot_recovery_failed"
	EventSlotRemovedStale     EventType = "slot_removed_stale"
	EventOrphanedBot          EventType = "orphaned_bot"
	EventPoolCreated          EventType = "pool_created"
	EventPoolRemoved          EventType = "pool_removed"
	EventBotMigrated          EventType = "bot_migrated"
	EventBotMigrationFailed   EventType = "bot_migration_failed"
	EventBotMigrationRollback EventType = "bot_migration_rolled_back"
)

// Event is a structured orchestrator event.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	PoolID     string            `json:"poolId,omitempty"`
	InstanceID string            `json:"instanceId,omitempty"`
	UserID     string            `json:"userId,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Subscribers are
// independent; a slow subscriber drops events rather than blocking the rest.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
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

	sub := make(Subscriber, 50)
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

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
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

func (b *Broker) broadcast(event *Event) {
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
