package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted during feature execution.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// FeatureID is the associated feature ID.
	FeatureID string `json:"feature_id,omitempty"`

	// WorkstreamID is the associated workstream ID, if applicable.
	WorkstreamID string `json:"workstream_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types emitted by the orchestrator.
const (
	EventTypeFeatureStarted      = "feature.started"
	EventTypeFeatureFinished     = "feature.finished"
	EventTypeWorkstreamStarted   = "workstream.started"
	EventTypeWorkstreamCompleted = "workstream.completed"
	EventTypeWorkstreamEscalated = "workstream.escalated"
	EventTypeWorkstreamBlocked   = "workstream.blocked"
	EventTypeAttemptFailed       = "attempt.failed"
	EventTypeError               = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

const eventSource = "orchestrator"

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Subscribers are called
// one at a time in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	stopped     bool
	wg          sync.WaitGroup
	mu          sync.RWMutex
	deliverMu   sync.Mutex
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	ep := &EventPublisher{
		config:      cfg,
		subscribers: make([]subscriberEntry, 0),
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// NewNopEventPublisher returns a publisher that drops every event.
func NewNopEventPublisher() *EventPublisher {
	return &EventPublisher{}
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Source == "" {
		event.Source = eventSource
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()

	if ep.stopped {
		return fmt.Errorf("event publisher stopped")
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event %s dropped", event.Type)
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishFeatureStarted publishes a feature started event.
func (ep *EventPublisher) PublishFeatureStarted(featureID string, total int, resumed bool) error {
	return ep.Publish(Event{
		Type:      EventTypeFeatureStarted,
		FeatureID: featureID,
		Message:   fmt.Sprintf("Feature %s started with %d workstreams", featureID, total),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"total":   total,
			"resumed": resumed,
		},
	})
}

// PublishFeatureFinished publishes a feature finished event.
func (ep *EventPublisher) PublishFeatureFinished(featureID, status string, duration time.Duration) error {
	level := EventLevelInfo
	if status != "completed" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:      EventTypeFeatureFinished,
		FeatureID: featureID,
		Message:   fmt.Sprintf("Feature %s finished with status: %s", featureID, status),
		Level:     level,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishWorkstreamStarted publishes a workstream started event.
func (ep *EventPublisher) PublishWorkstreamStarted(featureID, workstreamID, tier, backendID string) error {
	return ep.Publish(Event{
		Type:         EventTypeWorkstreamStarted,
		FeatureID:    featureID,
		WorkstreamID: workstreamID,
		Message:      fmt.Sprintf("Workstream %s started on %s (tier %s)", workstreamID, backendID, tier),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"tier":    tier,
			"backend": backendID,
		},
	})
}

// PublishWorkstreamCompleted publishes a workstream completed event.
func (ep *EventPublisher) PublishWorkstreamCompleted(featureID, workstreamID string, attempts int) error {
	return ep.Publish(Event{
		Type:         EventTypeWorkstreamCompleted,
		FeatureID:    featureID,
		WorkstreamID: workstreamID,
		Message:      fmt.Sprintf("Workstream %s completed after %d attempt(s)", workstreamID, attempts),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"attempts": attempts,
		},
	})
}

// PublishAttemptFailed publishes a failed build attempt event.
func (ep *EventPublisher) PublishAttemptFailed(featureID, workstreamID string, attempt int, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypeAttemptFailed,
		FeatureID:    featureID,
		WorkstreamID: workstreamID,
		Message:      fmt.Sprintf("Attempt %d of workstream %s failed: %s", attempt, workstreamID, reason),
		Level:        EventLevelWarning,
		Data: map[string]interface{}{
			"attempt": attempt,
			"reason":  reason,
		},
	})
}

// PublishWorkstreamEscalated publishes an escalation event.
func (ep *EventPublisher) PublishWorkstreamEscalated(featureID, workstreamID, tier string, attemptCount int, escalationID string) error {
	return ep.Publish(Event{
		Type:         EventTypeWorkstreamEscalated,
		FeatureID:    featureID,
		WorkstreamID: workstreamID,
		Message: fmt.Sprintf("Workstream %s escalated after %d attempts (tier %s)",
			workstreamID, attemptCount, tier),
		Level: EventLevelError,
		Data: map[string]interface{}{
			"tier":          tier,
			"attempt_count": attemptCount,
			"escalation_id": escalationID,
		},
	})
}

// PublishWorkstreamBlocked publishes an event for a workstream that cannot start.
func (ep *EventPublisher) PublishWorkstreamBlocked(featureID, workstreamID, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypeWorkstreamBlocked,
		FeatureID:    featureID,
		WorkstreamID: workstreamID,
		Message:      fmt.Sprintf("Workstream %s blocked: %s", workstreamID, reason),
		Level:        EventLevelWarning,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events until the buffer is closed.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for event := range ep.buffer {
		ep.mu.RLock()
		ep.deliverEvent(event)
		ep.mu.RUnlock()
	}
}

// deliverEvent delivers an event to all subscribers. Callers hold ep.mu.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.deliverMu.Lock()
	defer ep.deliverMu.Unlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for buffered events to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.mu.Lock()
	if ep.stopped {
		ep.mu.Unlock()
		return nil
	}
	ep.stopped = true
	if ep.buffer != nil {
		close(ep.buffer)
	}
	ep.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByFeatureID creates a filter that only allows events for a specific feature.
func FilterByFeatureID(featureID string) EventFilter {
	return func(event Event) bool {
		return event.FeatureID == featureID
	}
}
