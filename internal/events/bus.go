package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPipelineCreated   EventType = "PIPELINE_CREATED"
	EventStageTransition   EventType = "STAGE_TRANSITION"
	EventStatusChanged     EventType = "STATUS_CHANGED"
	EventStageProgress     EventType = "STAGE_PROGRESS"
	EventRecommendation    EventType = "RECOMMENDATION"
	EventOrchestrationPass EventType = "ORCHESTRATION_PASS"
	EventError             EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// UserID returns the owning user of the event, if any
func (e Event) UserID() string {
	if e.Data == nil {
		return ""
	}
	id, _ := e.Data["user_id"].(string)
	return id
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
	synchronous bool
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// NewSyncEventBus creates a bus that calls subscribers on the publishing
// goroutine, in subscription order. Used by tests and the one-shot CLI.
func NewSyncEventBus() *EventBus {
	eb := NewEventBus()
	eb.synchronous = true
	return eb
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	deliver := func(sub Subscriber) {
		if eb.synchronous {
			sub(event)
			return
		}
		go sub(event) // Run in goroutine to avoid blocking
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			deliver(sub)
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		deliver(sub)
	}
}

// PublishPipelineCreated publishes a pipeline created event
func (eb *EventBus) PublishPipelineCreated(pipelineID, userID, strategyConfigID string) {
	eb.Publish(Event{
		Type: EventPipelineCreated,
		Data: map[string]interface{}{
			"pipeline_id":        pipelineID,
			"user_id":            userID,
			"strategy_config_id": strategyConfigID,
		},
	})
}

// PublishStageTransition publishes a stage transition event
func (eb *EventBus) PublishStageTransition(pipelineID, userID, from, to string, score float64) {
	eb.Publish(Event{
		Type: EventStageTransition,
		Data: map[string]interface{}{
			"pipeline_id": pipelineID,
			"user_id":     userID,
			"from_stage":  from,
			"to_stage":    to,
			"score":       score,
		},
	})
}

// PublishStatusChanged publishes a pipeline status change
func (eb *EventBus) PublishStatusChanged(pipelineID, userID, from, to, reason string) {
	data := map[string]interface{}{
		"pipeline_id": pipelineID,
		"user_id":     userID,
		"from_status": from,
		"to_status":   to,
	}
	if reason != "" {
		data["reason"] = reason
	}
	eb.Publish(Event{
		Type: EventStatusChanged,
		Data: data,
	})
}

// PublishStageProgress publishes checkpoint progress of a running simulation
func (eb *EventBus) PublishStageProgress(runID string, processed, total int64) {
	percent := 0.0
	if total > 0 {
		percent = float64(processed) / float64(total) * 100
	}
	eb.Publish(Event{
		Type: EventStageProgress,
		Data: map[string]interface{}{
			"run_id":    runID,
			"processed": processed,
			"total":     total,
			"percent":   percent,
		},
	})
}

// PublishRecommendation publishes the final deploy recommendation of a pipeline
func (eb *EventBus) PublishRecommendation(pipelineID, userID, recommendation string, confidence float64, warnings []string) {
	eb.Publish(Event{
		Type: EventRecommendation,
		Data: map[string]interface{}{
			"pipeline_id":    pipelineID,
			"user_id":        userID,
			"recommendation": recommendation,
			"confidence":     confidence,
			"warnings":       warnings,
		},
	})
}

// PublishOrchestrationPass publishes the totals of a scheduling pass
func (eb *EventBus) PublishOrchestrationPass(users, created, skipped, failed int, duration time.Duration) {
	eb.Publish(Event{
		Type: EventOrchestrationPass,
		Data: map[string]interface{}{
			"users":       users,
			"created":     created,
			"skipped":     skipped,
			"errors":      failed,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
