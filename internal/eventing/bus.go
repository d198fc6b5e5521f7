package eventing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// EventHandler consumes one published event.
type EventHandler func(ctx context.Context, event any) error

// EventBus is the in-process channel between ingestion and its consumers:
// the coordinator publishes telemetry events, the realtime hub subscribes.
// Neither side knows about the other; events are keyed by their concrete
// type name.
type EventBus interface {
	Publish(ctx context.Context, event any) error
	Subscribe(eventType string, handler EventHandler)
}

// ErrNilEvent is returned when a nil event is published.
var ErrNilEvent = errors.New("eventing: nil event")

// ErrInvalidEventType is returned when the event's type cannot be resolved.
var ErrInvalidEventType = errors.New("eventing: event type not resolvable")

// InMemoryBus delivers events synchronously on the publisher's goroutine.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewInMemoryBus constructs an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{handlers: make(map[string][]EventHandler)}
}

// Publish hands the event to every handler registered for its type. All
// handlers run even when an earlier one fails; their errors are joined.
func (b *InMemoryBus) Publish(ctx context.Context, event any) error {
	if event == nil {
		return ErrNilEvent
	}
	key := EventType(event)
	if key == "" {
		return ErrInvalidEventType
	}

	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[key]...)
	b.mu.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a handler under an event type key.
func (b *InMemoryBus) Subscribe(eventType string, handler EventHandler) {
	if eventType == "" || handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.mu.Unlock()
}

// SubscribeTo registers a typed handler, deriving the subscription key from
// the handler's event type. A published event that resolves to the same key
// but is not of that type is reported as an error, never dropped silently.
func SubscribeTo[T any](bus EventBus, handler func(ctx context.Context, event T) error) {
	if bus == nil || handler == nil {
		return
	}
	key := EventTypeOf[T]()
	bus.Subscribe(key, func(ctx context.Context, event any) error {
		typed, ok := event.(T)
		if !ok {
			return fmt.Errorf("eventing: handler for %s received %T", key, event)
		}
		return handler(ctx, typed)
	})
}

// EventType resolves the key for an event instance. Pointer events share the
// key of their element type, so publishing *T and T reaches the same
// handlers.
func EventType(event any) string {
	if event == nil {
		return ""
	}
	t := reflect.TypeOf(event)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}

// EventTypeOf resolves the key for a type parameter.
func EventTypeOf[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
