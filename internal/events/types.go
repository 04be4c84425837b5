package events

// Event type constants for kelindar/event.
const (
	TypeStreamStarted uint32 = iota + 1
	TypeStreamStopped
	TypeStreamCrashed
	TypeViewerCountChanged
	TypeDetectionBatch
	TypeSourceAdded
	TypeSourceRemoved
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StreamStartedEvent is published when a transcode session reaches Running.
type StreamStartedEvent struct {
	StreamID    int    `json:"stream_id" example:"1" doc:"Stream identifier"`
	Endpoint    string `json:"endpoint" example:"0.0.0.0:30001" doc:"TCP address viewers connect to"`
	StartTimeMs int64  `json:"start_time_ms" example:"1756600000000" doc:"Wall-clock start time, epoch milliseconds"`
	PID         int    `json:"pid" example:"12345" doc:"Transcoder process id"`
	Timestamp   string `json:"timestamp" example:"2026-08-31T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStartedEvent.
func (e StreamStartedEvent) Type() uint32 { return TypeStreamStarted }

// StreamStoppedEvent is published when the last viewer detaches and the
// session is torn down.
type StreamStoppedEvent struct {
	StreamID  int    `json:"stream_id" example:"1" doc:"Stream identifier"`
	Timestamp string `json:"timestamp" example:"2026-08-31T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStoppedEvent.
func (e StreamStoppedEvent) Type() uint32 { return TypeStreamStopped }

// StreamCrashedEvent is published when lazy liveness checking finds the
// transcoder dead.
type StreamCrashedEvent struct {
	StreamID  int    `json:"stream_id" example:"1" doc:"Stream identifier"`
	ExitCode  int    `json:"exit_code" example:"1" doc:"Transcoder exit code"`
	Timestamp string `json:"timestamp" example:"2026-08-31T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamCrashedEvent.
func (e StreamCrashedEvent) Type() uint32 { return TypeStreamCrashed }

// ViewerCountChangedEvent tracks viewer attach/detach on a shared session.
type ViewerCountChangedEvent struct {
	StreamID    int    `json:"stream_id" example:"1" doc:"Stream identifier"`
	ViewerCount int    `json:"viewer_count" example:"2" doc:"Viewers attached after the change"`
	Timestamp   string `json:"timestamp" example:"2026-08-31T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for ViewerCountChangedEvent.
func (e ViewerCountChangedEvent) Type() uint32 { return TypeViewerCountChanged }

// Detection is one detection record as carried by events and the index.
type Detection struct {
	PTS               int64   `json:"pts" example:"90000" doc:"Presentation timestamp, stream time base units"`
	AbsoluteTimeMs    int64   `json:"absolute_timestamp_ms" example:"1756600001000" doc:"Wall-clock timestamp, epoch milliseconds"`
	TopLeftCorner     int     `json:"top_left_corner" doc:"Top left corner of box, pixel index"`
	BottomRightCorner int     `json:"bottom_right_corner" doc:"Bottom right corner of box, pixel index"`
	ClassName         string  `json:"class_name" example:"person" doc:"Object class name"`
	Confidence        float64 `json:"confidence" example:"0.92" doc:"Detection confidence in [0,1]"`
}

// DetectionBatchEvent carries newly inserted detection records, grouped by
// pts, for real-time subscribers of a stream.
type DetectionBatchEvent struct {
	StreamID    int                   `json:"stream_id" example:"1" doc:"Stream identifier"`
	StartTimeMs int64                 `json:"stream_start_time_ms" example:"1756600000000" doc:"Stream start time for client-side timestamp math"`
	Buckets     map[int64][]Detection `json:"buckets" doc:"Inserted records grouped by pts"`
	Timestamp   string                `json:"timestamp" example:"2026-08-31T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DetectionBatchEvent.
func (e DetectionBatchEvent) Type() uint32 { return TypeDetectionBatch }

// SourceAddedEvent is published when a media source is registered.
type SourceAddedEvent struct {
	SourceID  int    `json:"source_id" example:"1" doc:"Source identifier"`
	Name      string `json:"name" example:"lobby.mp4" doc:"Source display name"`
	Timestamp string `json:"timestamp" example:"2026-08-31T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SourceAddedEvent.
func (e SourceAddedEvent) Type() uint32 { return TypeSourceAdded }

// SourceRemovedEvent is published when a media source is removed.
type SourceRemovedEvent struct {
	SourceID  int    `json:"source_id" example:"1" doc:"Source identifier"`
	Timestamp string `json:"timestamp" example:"2026-08-31T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SourceRemovedEvent.
func (e SourceRemovedEvent) Type() uint32 { return TypeSourceRemoved }

// LogEntryEvent carries a structured log line to SSE subscribers.
type LogEntryEvent struct {
	Timestamp  string         `json:"timestamp" example:"2026-08-31T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"relay" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
