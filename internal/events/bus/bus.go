// Package bus carries coordinator lifecycle events to in-process or NATS subscribers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one lifecycle notification. TaskID and ClientID are lifted out of
// Data so subscribers can filter without decoding the payload.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	TaskID    string                 `json:"task_id,omitempty"`
	ClientID  string                 `json:"client_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current UTC time
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	e := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if v, ok := data["task_id"].(string); ok {
		e.TaskID = v
	}
	if v, ok := data["client_id"].(string); ok {
		e.ClientID = v
	}
	return e
}

// String returns the payload value for key, or "" when absent or not a string
func (e *Event) String(key string) string {
	v, _ := e.Data[key].(string)
	return v
}

// EventHandler consumes an event. A returned error is logged by the bus.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes lifecycle events. Subjects are dot separated and
// subscriptions accept NATS wildcards (* for one token, > for the rest).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
