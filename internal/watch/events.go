package watch

import (
	"log/slog"
	"sync"

	"watchtwin/internal/calendar"
	"watchtwin/internal/display"
)

// Event types
const (
	EventTimeSet          = "time_set"
	EventClockRefresh     = "clock_refresh"
	EventDateRefresh      = "date_refresh"
	EventPeerConnected    = "peer_connected"
	EventPeerDisconnected = "peer_disconnected"
	EventTickStopped      = "tick_stopped"
)

// RefreshData is the payload of clock and date refresh events.
type RefreshData struct {
	Time calendar.Time     `json:"time"`
	Face display.FaceState `json:"face"`
}

// PeerData is the payload of peer connection events.
type PeerData struct {
	Address    string `json:"address"`
	ConnHandle uint16 `json:"conn_handle"`
	Reason     uint8  `json:"reason,omitempty"`
}

// TickStoppedData is the payload of the tick_stopped event.
type TickStoppedData struct {
	Epoch uint32 `json:"epoch"`
}

// Event represents a watch event. Data is a cts.Change for time_set,
// RefreshData for refreshes and PeerData for connection changes.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for watch events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	for _, h := range eb.subscribers(event.Type) {
		eb.dispatch(h, event)
	}
}

func (eb *EventBus) subscribers(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make([]EventHandler, 0, len(eb.handlers[eventType])+len(eb.allHandlers))
	for _, h := range eb.handlers[eventType] {
		out = append(out, h)
	}
	for _, h := range eb.allHandlers {
		out = append(out, h)
	}
	return out
}

func (eb *EventBus) dispatch(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
