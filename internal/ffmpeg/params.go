package ffmpeg

// TranscodeParams holds everything needed to build the transcoder command
// for one stream session. Strongly typed fields instead of a loose map so
// a typo is a compile error.
type TranscodeParams struct {
	// Input
	SourcePath string
	Loop       bool   // loop the source indefinitely
	Resolution string // target WxH, empty = keep source
	FPS        string // target frame rate, empty = keep source

	// Embedded metadata
	StreamID    int
	StartTimeMs int64 // wall-clock start, epoch milliseconds

	// Encoder
	Preset     string // veryfast by default
	Bitrate    string // 2M by default
	BufferSize string // 4M by default
	GOP        int    // keyframe interval in frames

	// Outputs: a continuous low-latency feed into the relay's ingest port
	// and an optional segmented feed directory for playback consumers.
	IngestPort int
	SegmentDir string // empty = no segmented output
}
