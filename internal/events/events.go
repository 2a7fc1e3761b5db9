package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventPingOpened     = "ping_opened"
	EventPingCommitted  = "ping_committed"
	EventPingCancelled  = "ping_cancelled"
	EventPingCompleted  = "ping_completed"
	EventPingExpired    = "ping_expired"
	EventRadiusExpanded = "ping_radius_expanded"

	// AllEvents subscribes a handler to every event type.
	AllEvents = "*"
)

// PingEventPayload describes the minimal ping snapshot for event consumers.
type PingEventPayload struct {
	PingID             string    `json:"ping_id"`
	RequesterID        string    `json:"requester_id"`
	ProviderID         string    `json:"provider_id,omitempty"`
	ItemName           string    `json:"item_name"`
	Urgency            string    `json:"urgency"`
	Status             string    `json:"status"`
	RadiusKm           float64   `json:"radius_km,omitempty"`
	ReservationMinutes int       `json:"reservation_minutes,omitempty"`
	ExpiresAt          time.Time `json:"expires_at,omitempty"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for lifecycle events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type, or AllEvents.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type, then wildcard subscribers.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.subscribers[AllEvents]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously and must not block.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	event, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	b.Publish(event)
	return nil
}

// NewJSONEvent builds an event with a JSON payload.
func NewJSONEvent(eventType string, payload interface{}) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
