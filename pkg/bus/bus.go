package bus

import (
	"context"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Source is the CloudEvents source attribute of every event published by the engine.
const Source = "ai-audit/engine"

// Handler processes one delivered event. Returning an error requests redelivery.
type Handler func(ctx context.Context, event cloudevents.Event) error

// Publisher publishes events.
type Publisher interface {
	// Publish enqueues an event for delivery. An event whose id was published
	// recently is dropped without error.
	Publish(ctx context.Context, event cloudevents.Event) error
}

// Subscriber registers handlers.
type Subscriber interface {
	// Subscribe registers a handler for an event type. Every group receives
	// each event once; handlers sharing a group compete for events.
	Subscribe(eventType, group string, handler Handler) error
}

// Bus is a publisher and subscriber with a lifecycle.
type Bus interface {
	Publisher
	Subscriber

	// Start begins delivering events until the context is cancelled.
	Start(ctx context.Context) error

	// Close stops delivery and waits for in-flight handlers.
	Close() error
}

// NewEvent builds a CloudEvent with a JSON payload. An empty id is replaced by a random one.
func NewEvent(eventType, id string, data interface{}) (cloudevents.Event, error) {
	if id == "" {
		id = uuid.New().String()
	}

	e := cloudevents.NewEvent()
	e.SetID(id)
	e.SetType(eventType)
	e.SetSource(Source)
	e.SetTime(time.Now().UTC())
	if err := e.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return e, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return e, nil
}

// Emit builds and publishes an event in one call.
func Emit(ctx context.Context, pub Publisher, eventType, id string, data interface{}) error {
	e, err := NewEvent(eventType, id, data)
	if err != nil {
		return err
	}
	return pub.Publish(ctx, e)
}

// Decode unmarshals the event payload into v.
func Decode(event cloudevents.Event, v interface{}) error {
	if err := event.DataAs(v); err != nil {
		return fmt.Errorf("failed to decode %s event %s: %w", event.Type(), event.ID(), err)
	}
	return nil
}
