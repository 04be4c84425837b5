package events

import (
	"github.com/kelindar/event"
)

// Bus wraps a kelindar/event dispatcher for in-process event broadcasting.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish publishes an event to all subscribers.
// Usage: bus.Publish(StreamStartedEvent{...})
func (b *Bus) Publish(ev Event) {
	// kelindar/event dispatches on the concrete type, so each event type
	// needs its own Publish instantiation.
	switch e := ev.(type) {
	case StreamStartedEvent:
		event.Publish(b.dispatcher, e)
	case StreamStoppedEvent:
		event.Publish(b.dispatcher, e)
	case StreamCrashedEvent:
		event.Publish(b.dispatcher, e)
	case ViewerCountChangedEvent:
		event.Publish(b.dispatcher, e)
	case DetectionBatchEvent:
		event.Publish(b.dispatcher, e)
	case SourceAddedEvent:
		event.Publish(b.dispatcher, e)
	case SourceRemovedEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes a typed handler function; the handler's parameter type
// determines which events it receives. Returns an unsubscribe function.
// Usage: unsub := bus.Subscribe(func(e StreamStartedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(StreamStartedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamStoppedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(StreamCrashedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ViewerCountChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DetectionBatchEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SourceAddedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SourceRemovedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}
