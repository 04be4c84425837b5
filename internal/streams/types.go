package streams

// State is the lifecycle state of a stream.
type State int

const (
	// StateStopped means no session exists for the stream.
	StateStopped State = iota
	// StateStarting means launch is in progress, resources partly allocated.
	StateStarting
	// StateRunning means the transcoder and relay are live.
	StateRunning
	// StateStopping means teardown is in progress.
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// StreamStatus is the externally visible state of one stream.
type StreamStatus struct {
	StreamID    int     `json:"stream_id" example:"1" doc:"Stream identifier"`
	State       string  `json:"state" example:"running" doc:"Lifecycle state" enum:"stopped,starting,running,stopping"`
	Endpoint    string  `json:"endpoint,omitempty" example:"[::]:22001" doc:"TCP address consumers connect to"`
	StartTimeMs int64   `json:"start_time_ms,omitempty" example:"1756600000000" doc:"Session start, epoch milliseconds"`
	PID         int     `json:"pid,omitempty" example:"12345" doc:"Transcoder process id"`
	ViewerCount int     `json:"viewer_count" example:"2" doc:"Viewers attached to the session"`
	Connections int     `json:"connections" example:"2" doc:"Open relay egress connections"`
	CPUPercent  float64 `json:"cpu_percent,omitempty" example:"42.5" doc:"Transcoder CPU usage"`
	RSSBytes    uint64  `json:"rss_bytes,omitempty" example:"104857600" doc:"Transcoder resident memory"`
	Crashed     bool    `json:"crashed,omitempty" doc:"Session ended because the transcoder died"`
	ExitCode    int     `json:"exit_code,omitempty" doc:"Transcoder exit code when crashed"`
}

// SourceInfo describes the media a stream transcodes.
type SourceInfo struct {
	Path   string
	Width  int
	Height int
	FPS    string
}

// SourceResolver maps a stream id to its media source.
type SourceResolver interface {
	Resolve(streamID int) (SourceInfo, error)
}

// DetectionPurger clears the detection index for a stream whose session
// ended. Satisfied by the metadata index.
type DetectionPurger interface {
	EvictAll(streamID int) int
}
