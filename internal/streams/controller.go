// Package streams owns the lifecycle of transcode sessions. A stream is
// shared: the first start launches the transcoder and relay, later starts
// attach to the running session, and the session ends when the last viewer
// detaches. Liveness is checked lazily on access, never by a watchdog.
package streams

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pvolkov/streamrelay/internal/events"
	"github.com/pvolkov/streamrelay/internal/ffmpeg"
	"github.com/pvolkov/streamrelay/internal/metrics"
	"github.com/pvolkov/streamrelay/internal/relay"
	"github.com/pvolkov/streamrelay/internal/supervisor"
)

// Config holds controller tuning.
type Config struct {
	// IngestBasePort and EgressBasePort are added to the stream id to form
	// that stream's ports. Zero means ephemeral ports.
	IngestBasePort int
	EgressBasePort int

	// GracefulTimeout bounds the SIGTERM-to-SIGKILL window on teardown.
	GracefulTimeout time.Duration

	// Encoder settings passed through to the transcoder command.
	Preset     string
	Bitrate    string
	BufferSize string
	GOP        int

	// SegmentRoot, when set, gives each session a per-stream directory of
	// playback segments, removed on teardown.
	SegmentRoot string

	// LoopSource replays the source indefinitely.
	LoopSource bool
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		IngestBasePort:  21000,
		EgressBasePort:  22000,
		GracefulTimeout: 5 * time.Second,
		LoopSource:      true,
	}
}

// Controller implements the shared start/stop/status operations.
type Controller struct {
	cfg      Config
	registry *registry
	sources  SourceResolver
	bus      *events.Bus
	logger   *slog.Logger

	// processLogger receives transcoder output lines; nil falls back to logger.
	processLogger *slog.Logger

	// detections is wired after construction to break the dependency loop
	// with the index, which resolves session start times through us.
	detections DetectionPurger

	// buildCommand and supOpts are swappable for tests.
	buildCommand func(*ffmpeg.TranscodeParams) string
	supOpts      []supervisor.Option

	now    func() int64
	active atomic.Int64
}

// NewController creates a controller over an empty registry.
func NewController(cfg Config, sources SourceResolver, bus *events.Bus, logger *slog.Logger) *Controller {
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 5 * time.Second
	}
	return &Controller{
		cfg:          cfg,
		registry:     newRegistry(),
		sources:      sources,
		bus:          bus,
		logger:       logger,
		buildCommand: ffmpeg.BuildCommand,
		now:          func() int64 { return time.Now().UnixMilli() },
	}
}

// SetDetectionPurger wires the detection index for teardown cleanup.
func (c *Controller) SetDetectionPurger(p DetectionPurger) {
	c.detections = p
}

// SetProcessLogger routes transcoder output to a dedicated logger.
func (c *Controller) SetProcessLogger(l *slog.Logger) {
	c.processLogger = l
}

// StartStream starts a stream or attaches to its running session. Each call
// adds one viewer; the session launches only on the transition from zero.
// When the previous session's transcoder died unnoticed, the dead session is
// cleaned up and a fresh one launched in the same call.
func (c *Controller) StartStream(id int) (StreamStatus, error) {
	e := c.registry.getOrCreate(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	c.healLocked(e)

	switch e.state {
	case StateRunning:
		e.refCount++
		c.logger.Debug("Viewer attached", "stream_id", id, "viewers", e.refCount)
		c.publishViewerCount(e)
		return c.statusLocked(e), nil
	case StateStarting, StateStopping:
		return StreamStatus{}, NewStreamError(ErrCodeInvalidState,
			fmt.Sprintf("stream %d is %s", id, e.state), nil)
	}

	src, err := c.sources.Resolve(id)
	if err != nil {
		return StreamStatus{}, NewStreamError(ErrCodeSourceNotFound,
			fmt.Sprintf("no source for stream %d", id), err)
	}

	e.state = StateStarting
	e.lastCrashed = false
	e.lastExitCode = 0

	rl := relay.New(id, c.logger)
	if err := rl.Start(c.portFor(c.cfg.IngestBasePort, id), c.portFor(c.cfg.EgressBasePort, id)); err != nil {
		e.resetLocked()
		return StreamStatus{}, NewStreamError(ErrCodeLaunchFailed,
			fmt.Sprintf("failed to allocate relay for stream %d", id), err)
	}

	segmentDir, err := c.segmentDirFor(id)
	if err != nil {
		rl.Stop()
		e.resetLocked()
		return StreamStatus{}, NewStreamError(ErrCodeConfigError,
			fmt.Sprintf("failed to prepare segment directory for stream %d", id), err)
	}

	startMs := c.now()
	command := c.buildCommand(&ffmpeg.TranscodeParams{
		SourcePath:  src.Path,
		Loop:        c.cfg.LoopSource,
		Resolution:  resolutionOf(src),
		FPS:         src.FPS,
		StreamID:    id,
		StartTimeMs: startMs,
		Preset:      c.cfg.Preset,
		Bitrate:     c.cfg.Bitrate,
		BufferSize:  c.cfg.BufferSize,
		GOP:         c.cfg.GOP,
		IngestPort:  rl.IngestPort(),
		SegmentDir:  segmentDir,
	})

	sup := supervisor.New(id, command, c.logger, c.supOpts...)
	if c.processLogger != nil {
		sup.SetLogParser(c.processLogger, ffmpeg.ParseLogLevel)
	}
	if err := sup.Start(); err != nil {
		rl.Stop()
		c.removeSegmentDir(segmentDir)
		e.resetLocked()
		return StreamStatus{}, NewStreamError(ErrCodeLaunchFailed,
			fmt.Sprintf("transcoder failed to start for stream %d", id), err)
	}

	e.state = StateRunning
	e.refCount = 1
	e.supervisor = sup
	e.relay = rl
	e.startTimeMs = startMs
	e.endpoint = rl.EgressAddr()
	e.segmentDir = segmentDir

	metrics.SetActiveStreams(int(c.active.Add(1)))
	c.logger.Info("Stream started",
		"stream_id", id, "pid", sup.PID(), "endpoint", e.endpoint, "start_ms", startMs)
	c.publish(events.StreamStartedEvent{
		StreamID:    id,
		Endpoint:    e.endpoint,
		StartTimeMs: startMs,
		PID:         sup.PID(),
		Timestamp:   c.timestamp(),
	})
	c.publishViewerCount(e)

	return c.statusLocked(e), nil
}

// StopStream detaches one viewer. The session is torn down only when the
// viewer count reaches zero. Stopping an unknown or already stopped stream
// is a no-op; the count never goes negative.
func (c *Controller) StopStream(id int) (StreamStatus, error) {
	e := c.registry.get(id)
	if e == nil {
		return StreamStatus{StreamID: id, State: StateStopped.String()}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	c.healLocked(e)

	if e.state != StateRunning {
		return c.statusLocked(e), nil
	}

	e.refCount--
	if e.refCount > 0 {
		c.logger.Debug("Viewer detached", "stream_id", id, "viewers", e.refCount)
		c.publishViewerCount(e)
		return c.statusLocked(e), nil
	}

	c.teardownLocked(e, c.cfg.GracefulTimeout)
	c.logger.Info("Stream stopped", "stream_id", id)
	c.publish(events.StreamStoppedEvent{StreamID: id, Timestamp: c.timestamp()})

	return c.statusLocked(e), nil
}

// GetStatus reports a stream's current state. A running session whose
// transcoder died is cleaned up here and reported as crashed.
func (c *Controller) GetStatus(id int) (StreamStatus, error) {
	e := c.registry.get(id)
	if e == nil {
		return StreamStatus{}, NewStreamError(ErrCodeStreamNotFound,
			fmt.Sprintf("stream %d not found", id), nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c.healLocked(e)
	return c.statusLocked(e), nil
}

// ListStreams reports every known stream, healing dead sessions on the way.
func (c *Controller) ListStreams() []StreamStatus {
	ids := c.registry.ids()
	out := make([]StreamStatus, 0, len(ids))
	for _, id := range ids {
		e := c.registry.get(id)
		if e == nil {
			continue
		}
		e.mu.Lock()
		c.healLocked(e)
		out = append(out, c.statusLocked(e))
		e.mu.Unlock()
	}
	return out
}

// SessionStartTime reports the start time of a running session. Satisfies
// the detection index's resolver; a dead session found here is healed, so
// detections against a crashed stream are rejected rather than anchored to
// a stale start time.
func (c *Controller) SessionStartTime(id int) (int64, bool) {
	e := c.registry.get(id)
	if e == nil {
		return 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	c.healLocked(e)
	if e.state != StateRunning {
		return 0, false
	}
	return e.startTimeMs, true
}

// StopAll tears down every live session regardless of viewer count. Used on
// shutdown.
func (c *Controller) StopAll() {
	for _, id := range c.registry.ids() {
		e := c.registry.get(id)
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.state == StateRunning {
			c.teardownLocked(e, c.cfg.GracefulTimeout)
			c.publish(events.StreamStoppedEvent{StreamID: id, Timestamp: c.timestamp()})
			c.logger.Info("Stream stopped on shutdown", "stream_id", id)
		}
		e.mu.Unlock()
	}
}

// healLocked checks a running session's transcoder and tears the session
// down if the process is dead. Caller holds e.mu. Returns true if the
// session was cleaned up.
func (c *Controller) healLocked(e *entry) bool {
	if e.state != StateRunning {
		return false
	}
	st := e.supervisor.Poll()
	if st.Alive {
		return false
	}

	c.logger.Warn("Transcoder found dead",
		"stream_id", e.id, "exit_code", st.ExitCode)

	// Stop also reaps the output drain goroutines of the dead process.
	e.supervisor.Stop(0)
	e.relay.Stop()
	if c.detections != nil {
		c.detections.EvictAll(e.id)
	}
	c.removeSegmentDir(e.segmentDir)

	exitCode := st.ExitCode
	e.resetLocked()
	e.lastCrashed = true
	e.lastExitCode = exitCode

	metrics.IncStreamCrashes(e.id)
	metrics.SetActiveStreams(int(c.active.Add(-1)))
	metrics.ResetStream(e.id)
	c.publish(events.StreamCrashedEvent{
		StreamID:  e.id,
		ExitCode:  exitCode,
		Timestamp: c.timestamp(),
	})
	return true
}

// teardownLocked stops the session's process and relay and clears session
// state. Caller holds e.mu.
func (c *Controller) teardownLocked(e *entry, grace time.Duration) {
	e.state = StateStopping
	if e.supervisor != nil {
		e.supervisor.Stop(grace)
	}
	if e.relay != nil {
		e.relay.Stop()
	}
	if c.detections != nil {
		c.detections.EvictAll(e.id)
	}
	c.removeSegmentDir(e.segmentDir)
	e.resetLocked()

	metrics.SetActiveStreams(int(c.active.Add(-1)))
	metrics.ResetStream(e.id)
}

// statusLocked builds the visible status. Caller holds e.mu.
func (c *Controller) statusLocked(e *entry) StreamStatus {
	status := StreamStatus{
		StreamID:    e.id,
		State:       e.state.String(),
		Endpoint:    e.endpoint,
		StartTimeMs: e.startTimeMs,
		ViewerCount: e.refCount,
		Crashed:     e.lastCrashed,
		ExitCode:    e.lastExitCode,
	}
	if e.state == StateRunning {
		status.PID = e.supervisor.PID()
		status.Connections = e.relay.ConnectionCount()
		if stats, err := e.supervisor.Stats(); err == nil {
			status.CPUPercent = stats.CPUPercent
			status.RSSBytes = stats.RSSBytes
		}
	}
	return status
}

func (c *Controller) publishViewerCount(e *entry) {
	metrics.SetStreamViewers(e.id, e.refCount)
	c.publish(events.ViewerCountChangedEvent{
		StreamID:    e.id,
		ViewerCount: e.refCount,
		Timestamp:   c.timestamp(),
	})
}

func (c *Controller) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func (c *Controller) timestamp() string {
	return time.UnixMilli(c.now()).UTC().Format(time.RFC3339)
}

func (c *Controller) portFor(base, id int) int {
	if base == 0 {
		return 0
	}
	return base + id
}

// segmentDirFor creates the per-stream segment directory, or returns empty
// when segmented output is disabled.
func (c *Controller) segmentDirFor(id int) (string, error) {
	if c.cfg.SegmentRoot == "" {
		return "", nil
	}
	dir := filepath.Join(c.cfg.SegmentRoot, fmt.Sprintf("stream-%d", id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// removeSegmentDir deletes a session's segment directory. Best effort:
// teardown proceeds even if playback files linger.
func (c *Controller) removeSegmentDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		c.logger.Warn("Failed to remove segment directory", "dir", dir, "error", err)
	}
}

func resolutionOf(src SourceInfo) string {
	if src.Width > 0 && src.Height > 0 {
		return fmt.Sprintf("%dx%d", src.Width, src.Height)
	}
	return ""
}
