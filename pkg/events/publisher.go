package events

import "sync"

// EventType represents the type of event
type EventType string

// Define event types
const (
	EventConnectionClosed  EventType = "CONNECTION_CLOSED"
	EventSessionTerminated EventType = "SESSION_TERMINATED"
)

// ConnectionClosedPayload accompanies EventConnectionClosed and names the
// sessions the closed connection was seated in.
type ConnectionClosedPayload struct {
	ConnectionID string
	SessionIDs   []string
}

// Event represents an event in the system
type Event struct {
	Type      EventType
	SessionID string // Optional, can be empty for non-session events
	Payload   interface{}
}

// Handler is a function that processes events
type Handler func(event Event)

// Publisher is the central event publisher
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Handler
}

// NewPublisher creates a new event publisher
func NewPublisher() *Publisher {
	return &Publisher{
		subscribers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a specific event type
func (p *Publisher) Subscribe(eventType EventType, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribers[eventType] = append(p.subscribers[eventType], handler)
}

// Publish broadcasts an event to all subscribers
func (p *Publisher) Publish(event Event) {
	p.mu.RLock()
	handlers := p.subscribers[event.Type]
	p.mu.RUnlock()

	// Call all handlers
	for _, handler := range handlers {
		go handler(event) // Run handlers concurrently
	}
}
