package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/pvolkov/streamrelay/internal/events"
)

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time feed of stream lifecycle changes, detection batches and log entries",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"stream-started":       events.StreamStartedEvent{},
		"stream-stopped":       events.StreamStoppedEvent{},
		"stream-crashed":       events.StreamCrashedEvent{},
		"viewer-count-changed": events.ViewerCountChangedEvent{},
		"detection-batch":      events.DetectionBatchEvent{},
		"source-added":         events.SourceAddedEvent{},
		"source-removed":       events.SourceRemovedEvent{},
		"log-entry":            events.LogEntryEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 10)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.StreamStartedEvent](s.bus, eventCh),
			events.SubscribeToChannel[events.StreamStoppedEvent](s.bus, eventCh),
			events.SubscribeToChannel[events.StreamCrashedEvent](s.bus, eventCh),
			events.SubscribeToChannel[events.ViewerCountChangedEvent](s.bus, eventCh),
			events.SubscribeToChannel[events.DetectionBatchEvent](s.bus, eventCh),
			events.SubscribeToChannel[events.SourceAddedEvent](s.bus, eventCh),
			events.SubscribeToChannel[events.SourceRemovedEvent](s.bus, eventCh),
			events.SubscribeToChannel[events.LogEntryEvent](s.bus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Initial message confirms the subscription before any event fires.
		if err := send.Data(events.LogEntryEvent{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Level:     "info",
			Module:    "api",
			Message:   "SSE connection established",
		}); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
