package streams

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pvolkov/streamrelay/internal/events"
	"github.com/pvolkov/streamrelay/internal/ffmpeg"
	"github.com/pvolkov/streamrelay/internal/supervisor"
)

type fakeSources struct {
	known map[int]SourceInfo
}

func (f *fakeSources) Resolve(id int) (SourceInfo, error) {
	src, ok := f.known[id]
	if !ok {
		return SourceInfo{}, errors.New("unknown source")
	}
	return src, nil
}

type fakePurger struct {
	mu     sync.Mutex
	purged []int
}

func (f *fakePurger) EvictAll(id int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, id)
	return 0
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestController builds a controller whose transcoder is a shell command
// instead of a real encoder.
func newTestController(t *testing.T, command string, bus *events.Bus) (*Controller, *fakePurger) {
	t.Helper()
	sources := &fakeSources{known: map[int]SourceInfo{
		1: {Path: "/media/one.mp4", Width: 640, Height: 480, FPS: "30"},
		2: {Path: "/media/two.mp4"},
	}}
	cfg := Config{GracefulTimeout: 2 * time.Second, LoopSource: true}
	c := NewController(cfg, sources, bus, testLogger())
	c.buildCommand = func(*ffmpeg.TranscodeParams) string { return command }
	c.supOpts = []supervisor.Option{supervisor.WithSettleInterval(50 * time.Millisecond)}
	purger := &fakePurger{}
	c.SetDetectionPurger(purger)
	t.Cleanup(c.StopAll)
	return c, purger
}

func TestStartStreamLaunchesSession(t *testing.T) {
	c, _ := newTestController(t, "sleep 30", nil)

	status, err := c.StartStream(1)
	if err != nil {
		t.Fatalf("StartStream failed: %v", err)
	}
	if status.State != "running" {
		t.Errorf("state = %s, want running", status.State)
	}
	if status.ViewerCount != 1 {
		t.Errorf("viewers = %d, want 1", status.ViewerCount)
	}
	if status.PID == 0 {
		t.Error("expected a transcoder pid")
	}
	if status.Endpoint == "" {
		t.Error("expected an egress endpoint")
	}
	if status.StartTimeMs == 0 {
		t.Error("expected a session start time")
	}
}

func TestStartAttachesToRunningSession(t *testing.T) {
	c, _ := newTestController(t, "sleep 30", nil)

	first, err := c.StartStream(1)
	if err != nil {
		t.Fatalf("first StartStream failed: %v", err)
	}
	second, err := c.StartStream(1)
	if err != nil {
		t.Fatalf("second StartStream failed: %v", err)
	}

	if second.ViewerCount != 2 {
		t.Errorf("viewers = %d, want 2", second.ViewerCount)
	}
	if second.PID != first.PID {
		t.Errorf("second start launched a new process: pid %d vs %d", second.PID, first.PID)
	}
	if second.StartTimeMs != first.StartTimeMs {
		t.Errorf("session start time changed on attach")
	}
}

func TestStopDetachesBeforeTeardown(t *testing.T) {
	c, purger := newTestController(t, "sleep 30", nil)

	c.StartStream(1)
	c.StartStream(1)

	status, err := c.StopStream(1)
	if err != nil {
		t.Fatalf("StopStream failed: %v", err)
	}
	if status.State != "running" || status.ViewerCount != 1 {
		t.Errorf("after first stop: state=%s viewers=%d, want running/1", status.State, status.ViewerCount)
	}

	status, err = c.StopStream(1)
	if err != nil {
		t.Fatalf("final StopStream failed: %v", err)
	}
	if status.State != "stopped" {
		t.Errorf("after final stop: state = %s, want stopped", status.State)
	}

	purger.mu.Lock()
	defer purger.mu.Unlock()
	if len(purger.purged) != 1 || purger.purged[0] != 1 {
		t.Errorf("detection purge calls = %v, want [1]", purger.purged)
	}
}

func TestStopUnknownStreamIsNoOp(t *testing.T) {
	c, _ := newTestController(t, "sleep 30", nil)

	status, err := c.StopStream(42)
	if err != nil {
		t.Fatalf("StopStream on unknown stream failed: %v", err)
	}
	if status.State != "stopped" {
		t.Errorf("state = %s, want stopped", status.State)
	}
}

func TestViewerCountNeverGoesNegative(t *testing.T) {
	c, _ := newTestController(t, "sleep 30", nil)

	c.StartStream(1)
	c.StopStream(1)
	c.StopStream(1)
	c.StopStream(1)

	// The stream restarts cleanly after the extra stops.
	status, err := c.StartStream(1)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if status.State != "running" || status.ViewerCount != 1 {
		t.Errorf("after restart: state=%s viewers=%d, want running/1", status.State, status.ViewerCount)
	}
}

func TestStartUnknownSourceFails(t *testing.T) {
	c, _ := newTestController(t, "sleep 30", nil)

	_, err := c.StartStream(99)
	var serr *StreamError
	if !errors.As(err, &serr) || serr.Code != ErrCodeSourceNotFound {
		t.Errorf("err = %v, want %s", err, ErrCodeSourceNotFound)
	}
}

func TestLaunchFailureRollsBack(t *testing.T) {
	c, _ := newTestController(t, `sh -c "echo 'no such device' >&2; exit 3"`, nil)

	_, err := c.StartStream(1)
	var serr *StreamError
	if !errors.As(err, &serr) || serr.Code != ErrCodeLaunchFailed {
		t.Fatalf("err = %v, want %s", err, ErrCodeLaunchFailed)
	}
	var lerr *supervisor.LaunchError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected a launch error in the chain, got %v", err)
	}
	if lerr.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", lerr.ExitCode)
	}

	// No resources linger: the stream is stopped and restartable.
	status, err := c.GetStatus(1)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != "stopped" || status.ViewerCount != 0 {
		t.Errorf("after failed launch: state=%s viewers=%d, want stopped/0", status.State, status.ViewerCount)
	}
}

func TestCrashHealedOnStatus(t *testing.T) {
	bus := events.New()
	crashed := make(chan events.StreamCrashedEvent, 1)
	unsub := bus.Subscribe(func(e events.StreamCrashedEvent) { crashed <- e })
	defer unsub()

	c, purger := newTestController(t, `sh -c "sleep 0.2; exit 7"`, bus)

	if _, err := c.StartStream(1); err != nil {
		t.Fatalf("StartStream failed: %v", err)
	}

	// Let the fake transcoder die, then observe via status.
	time.Sleep(500 * time.Millisecond)

	status, err := c.GetStatus(1)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != "stopped" {
		t.Errorf("state = %s, want stopped", status.State)
	}
	if !status.Crashed || status.ExitCode != 7 {
		t.Errorf("crash info = (%v, %d), want (true, 7)", status.Crashed, status.ExitCode)
	}

	select {
	case ev := <-crashed:
		if ev.StreamID != 1 || ev.ExitCode != 7 {
			t.Errorf("crash event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no crash event published")
	}

	purger.mu.Lock()
	purgeCount := len(purger.purged)
	purger.mu.Unlock()
	if purgeCount != 1 {
		t.Errorf("detection purge calls = %d, want 1", purgeCount)
	}
}

func TestStartHealsCrashedSession(t *testing.T) {
	c, _ := newTestController(t, `sh -c "sleep 0.2; exit 1"`, nil)

	first, err := c.StartStream(1)
	if err != nil {
		t.Fatalf("StartStream failed: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	// The dead session is replaced in one call, viewer count reset to 1.
	c.buildCommand = func(*ffmpeg.TranscodeParams) string { return "sleep 30" }
	second, err := c.StartStream(1)
	if err != nil {
		t.Fatalf("restart over crashed session failed: %v", err)
	}
	if second.State != "running" || second.ViewerCount != 1 {
		t.Errorf("state=%s viewers=%d, want running/1", second.State, second.ViewerCount)
	}
	if second.PID == first.PID {
		t.Error("expected a fresh transcoder process")
	}
	if second.Crashed {
		t.Error("fresh session still reports crashed")
	}
}

func TestSessionStartTime(t *testing.T) {
	c, _ := newTestController(t, "sleep 30", nil)

	if _, ok := c.SessionStartTime(1); ok {
		t.Error("stopped stream reported a start time")
	}

	status, err := c.StartStream(1)
	if err != nil {
		t.Fatalf("StartStream failed: %v", err)
	}
	startMs, ok := c.SessionStartTime(1)
	if !ok || startMs != status.StartTimeMs {
		t.Errorf("SessionStartTime = (%d, %v), want (%d, true)", startMs, ok, status.StartTimeMs)
	}

	c.StopStream(1)
	if _, ok := c.SessionStartTime(1); ok {
		t.Error("stopped stream reported a start time")
	}
}

func TestConcurrentAttachDetach(t *testing.T) {
	c, _ := newTestController(t, "sleep 30", nil)

	if _, err := c.StartStream(1); err != nil {
		t.Fatalf("initial StartStream failed: %v", err)
	}

	const starts, stops = 20, 12
	var wg sync.WaitGroup
	for i := 0; i < starts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.StartStream(1)
		}()
	}
	wg.Wait()
	for i := 0; i < stops; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.StopStream(1)
		}()
	}
	wg.Wait()

	status, err := c.GetStatus(1)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if want := 1 + starts - stops; status.ViewerCount != want {
		t.Errorf("viewers = %d, want %d", status.ViewerCount, want)
	}
	if status.State != "running" {
		t.Errorf("state = %s, want running", status.State)
	}
}

func TestListStreams(t *testing.T) {
	c, _ := newTestController(t, "sleep 30", nil)

	c.StartStream(2)
	c.StartStream(1)
	c.StopStream(2)

	list := c.ListStreams()
	if len(list) != 2 {
		t.Fatalf("got %d streams, want 2", len(list))
	}
	if list[0].StreamID != 1 || list[0].State != "running" {
		t.Errorf("stream 1 = %+v", list[0])
	}
	if list[1].StreamID != 2 || list[1].State != "stopped" {
		t.Errorf("stream 2 = %+v", list[1])
	}
}

func TestStopAllIgnoresViewerCount(t *testing.T) {
	c, _ := newTestController(t, "sleep 30", nil)

	c.StartStream(1)
	c.StartStream(1)
	c.StartStream(2)

	c.StopAll()

	for _, id := range []int{1, 2} {
		status, err := c.GetStatus(id)
		if err != nil {
			t.Fatalf("GetStatus(%d) failed: %v", id, err)
		}
		if status.State != "stopped" {
			t.Errorf("stream %d state = %s, want stopped", id, status.State)
		}
	}
}

func TestGetStatusUnknownStream(t *testing.T) {
	c, _ := newTestController(t, "sleep 30", nil)

	_, err := c.GetStatus(7)
	var serr *StreamError
	if !errors.As(err, &serr) || serr.Code != ErrCodeStreamNotFound {
		t.Errorf("err = %v, want %s", err, ErrCodeStreamNotFound)
	}
}

func TestSegmentDirLifecycle(t *testing.T) {
	root := t.TempDir()
	sources := &fakeSources{known: map[int]SourceInfo{1: {Path: "/media/one.mp4"}}}
	cfg := Config{GracefulTimeout: 2 * time.Second, SegmentRoot: root}
	c := NewController(cfg, sources, nil, testLogger())
	c.buildCommand = func(p *ffmpeg.TranscodeParams) string {
		if p.SegmentDir == "" {
			t.Error("expected a segment dir in transcode params")
		}
		return "sleep 30"
	}
	c.supOpts = []supervisor.Option{supervisor.WithSettleInterval(50 * time.Millisecond)}
	t.Cleanup(c.StopAll)

	if _, err := c.StartStream(1); err != nil {
		t.Fatalf("StartStream failed: %v", err)
	}
	dir := filepath.Join(root, "stream-1")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("segment dir not created: %v", err)
	}

	c.StopStream(1)
	if _, err := os.Stat(dir); err == nil {
		t.Error("segment dir not removed on teardown")
	}
}
