package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/pvolkov/streamrelay/cmd"
	"github.com/pvolkov/streamrelay/internal/api"
	"github.com/pvolkov/streamrelay/internal/config"
	"github.com/pvolkov/streamrelay/internal/events"
	"github.com/pvolkov/streamrelay/internal/ffmpeg"
	"github.com/pvolkov/streamrelay/internal/library"
	"github.com/pvolkov/streamrelay/internal/logging"
	"github.com/pvolkov/streamrelay/internal/metadata"
	"github.com/pvolkov/streamrelay/internal/metrics"
	"github.com/pvolkov/streamrelay/internal/streams"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Address to listen on" short:"p" default:":8080" toml:"server.port" env:"SERVER_PORT"`

	// Library settings
	SourcesCatalog string `help:"Source catalog file" default:"sources.toml" toml:"library.catalog" env:"LIBRARY_CATALOG"`

	// Relay settings
	IngestBasePort int `help:"UDP ingest base port, stream id added" default:"21000" toml:"relay.ingest_base_port" env:"RELAY_INGEST_BASE_PORT"`
	EgressBasePort int `help:"TCP egress base port, stream id added" default:"22000" toml:"relay.egress_base_port" env:"RELAY_EGRESS_BASE_PORT"`

	// Stream settings
	StopTimeout string `help:"Graceful transcoder shutdown window" default:"5s" toml:"streams.stop_timeout" env:"STREAMS_STOP_TIMEOUT"`
	SegmentRoot string `help:"Directory for playback segments, empty disables" default:"" toml:"streams.segment_root" env:"STREAMS_SEGMENT_ROOT"`

	// Encoder settings
	EncoderPreset     string `help:"x264 preset" default:"veryfast" toml:"encoder.preset" env:"ENCODER_PRESET"`
	EncoderBitrate    string `help:"Target bitrate" default:"2M" toml:"encoder.bitrate" env:"ENCODER_BITRATE"`
	EncoderBufferSize string `help:"Rate control buffer" default:"4M" toml:"encoder.buffer_size" env:"ENCODER_BUFFER_SIZE"`
	EncoderGop        int    `help:"Keyframe interval in frames" default:"50" toml:"encoder.gop" env:"ENCODER_GOP"`

	// Detection settings
	DetectionRetention string `help:"Detection retention window" default:"5m" toml:"detections.retention" env:"DETECTION_RETENTION"`
	JanitorSchedule    string `help:"Cron schedule for the retention sweep" default:"* * * * *" toml:"detections.janitor_schedule" env:"JANITOR_SCHEDULE"`

	// Auth settings
	AuthUsername string `help:"Basic auth username, empty disables auth" default:"" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel      string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat     string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingRelay      string `help:"Relay logging level" default:"info" toml:"logging.relay" env:"LOGGING_RELAY"`
	LoggingSupervisor string `help:"Supervisor logging level" default:"info" toml:"logging.supervisor" env:"LOGGING_SUPERVISOR"`
	LoggingStreams    string `help:"Streams logging level" default:"info" toml:"logging.streams" env:"LOGGING_STREAMS"`
	LoggingMetadata   string `help:"Metadata logging level" default:"info" toml:"logging.metadata" env:"LOGGING_METADATA"`
	LoggingLibrary    string `help:"Library logging level" default:"info" toml:"logging.library" env:"LOGGING_LIBRARY"`
	LoggingFfmpeg     string `help:"Transcoder output logging level" default:"warn" toml:"logging.ffmpeg" env:"LOGGING_FFMPEG"`
	LoggingAPI        string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
}

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.Load(opts, nil); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"relay":      opts.LoggingRelay,
				"supervisor": opts.LoggingSupervisor,
				"streams":    opts.LoggingStreams,
				"metadata":   opts.LoggingMetadata,
				"library":    opts.LoggingLibrary,
				"ffmpeg":     opts.LoggingFfmpeg,
				"api":        opts.LoggingAPI,
			},
		})
		logger := logging.GetLogger("main")

		eventBus := events.New()

		// Forward every log line to SSE subscribers.
		logging.SetEntryCallback(func(entry logging.Entry) {
			eventBus.Publish(events.LogEntryEvent{
				Timestamp:  entry.Timestamp.UTC().Format(time.RFC3339Nano),
				Level:      entry.Level,
				Module:     entry.Module,
				Message:    entry.Message,
				Attributes: entry.Attributes,
			})
		})

		lib := library.New(opts.SourcesCatalog, ffmpeg.NewFFProbe(), eventBus, logging.GetLogger("library"))
		if loadErr := lib.Load(); loadErr != nil {
			logger.Warn("Failed to load source catalog", "error", loadErr)
		}

		stopTimeout, err := time.ParseDuration(opts.StopTimeout)
		if err != nil {
			stopTimeout = 5 * time.Second
		}
		controller := streams.NewController(streams.Config{
			IngestBasePort:  opts.IngestBasePort,
			EgressBasePort:  opts.EgressBasePort,
			GracefulTimeout: stopTimeout,
			Preset:          opts.EncoderPreset,
			Bitrate:         opts.EncoderBitrate,
			BufferSize:      opts.EncoderBufferSize,
			GOP:             opts.EncoderGop,
			SegmentRoot:     opts.SegmentRoot,
			LoopSource:      true,
		}, lib, eventBus, logging.GetLogger("streams"))
		controller.SetProcessLogger(logging.GetLogger("ffmpeg"))

		retention, err := time.ParseDuration(opts.DetectionRetention)
		if err != nil {
			retention = metadata.DefaultRetention
		}
		index := metadata.New(controller, eventBus, logging.GetLogger("metadata"),
			metadata.WithRetention(retention))

		// Close the loops: teardown purges detections, removal checks for
		// live sessions.
		controller.SetDetectionPurger(index)
		lib.SetActivityChecker(controller)
		lib.SetPurger(index)

		janitor := metadata.NewJanitor(index, opts.JanitorSchedule, logging.GetLogger("metadata"))

		server := api.NewServer(&api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			Streams:           controller,
			Detections:        index,
			Sources:           lib,
			Bus:               eventBus,
			PrometheusHandler: metrics.Handler(),
		})

		var stopWatch func()

		hooks.OnStart(func() {
			if startErr := janitor.Start(); startErr != nil {
				logger.Warn("Failed to start retention janitor", "error", startErr)
			}

			if watchStop, watchErr := lib.Watch(0); watchErr != nil {
				logger.Warn("Failed to watch source catalog", "error", watchErr)
			} else {
				stopWatch = watchStop
			}

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}

			// Drain live sessions after the API stops accepting requests.
			controller.StopAll()

			if stopWatch != nil {
				stopWatch()
			}
			janitor.Stop()
		})
	})

	cli.Root().AddCommand(cmd.CreateProbeCmd())

	cli.Run()
}
