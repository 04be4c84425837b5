package events

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	received := make(chan StreamStartedEvent, 1)

	unsub := bus.Subscribe(func(e StreamStartedEvent) {
		received <- e
	})
	defer unsub()

	bus.Publish(StreamStartedEvent{StreamID: 7, Endpoint: "0.0.0.0:30007", PID: 42})

	select {
	case got := <-received:
		if got.StreamID != 7 {
			t.Errorf("expected stream_id 7, got %d", got.StreamID)
		}
		if got.Endpoint != "0.0.0.0:30007" {
			t.Errorf("unexpected endpoint %q", got.Endpoint)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	received1 := make(chan DetectionBatchEvent, 1)
	received2 := make(chan DetectionBatchEvent, 1)

	unsub1 := bus.Subscribe(func(e DetectionBatchEvent) { received1 <- e })
	defer unsub1()
	unsub2 := bus.Subscribe(func(e DetectionBatchEvent) { received2 <- e })
	defer unsub2()

	bus.Publish(DetectionBatchEvent{StreamID: 1})

	for i, ch := range []chan DetectionBatchEvent{received1, received2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive event", i+1)
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	received := make(chan StreamStoppedEvent, 1)

	unsub := bus.Subscribe(func(e StreamStoppedEvent) { received <- e })
	unsub()

	bus.Publish(StreamStoppedEvent{StreamID: 3})

	select {
	case <-received:
		t.Error("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_TypeIsolation(t *testing.T) {
	bus := New()
	received := make(chan StreamCrashedEvent, 1)

	unsub := bus.Subscribe(func(e StreamCrashedEvent) { received <- e })
	defer unsub()

	// Publishing a different type must not reach the crash subscriber.
	bus.Publish(StreamStartedEvent{StreamID: 1})

	select {
	case <-received:
		t.Error("crash subscriber received a start event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeToChannel_DropsWhenFull(t *testing.T) {
	bus := New()
	ch := make(chan any, 1)

	unsub := SubscribeToChannel[ViewerCountChangedEvent](bus, ch)
	defer unsub()

	bus.Publish(ViewerCountChangedEvent{StreamID: 1, ViewerCount: 1})
	bus.Publish(ViewerCountChangedEvent{StreamID: 1, ViewerCount: 2})

	// Dispatcher delivery is asynchronous; give it a moment.
	time.Sleep(50 * time.Millisecond)

	if len(ch) != 1 {
		t.Fatalf("expected exactly one buffered event, got %d", len(ch))
	}
}
