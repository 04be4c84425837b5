// Package metadata stores per-stream detection records in an ordered
// multimap keyed by presentation timestamp. Records arrive tagged with
// transcoder pts values and are anchored to the owning session's wall-clock
// start time, so the index empties and rebuilds naturally across restarts.
package metadata

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pvolkov/streamrelay/internal/events"
	"github.com/pvolkov/streamrelay/internal/metrics"
)

const (
	// Presentation timestamps from the mpegts mux tick at 90 kHz.
	DefaultTimeBaseHz = 90000

	// Nearest lookups default to a 100 ms window at the default time base.
	DefaultNearestTolerancePTS = 9000

	// Records older than this are evicted.
	DefaultRetention = 5 * time.Minute
)

// ErrStreamNotRunning is returned when detections arrive for a stream that
// has no live session to anchor timestamps against.
var ErrStreamNotRunning = errors.New("stream has no running session")

// SessionResolver reports the start time of a running session.
// The second result is false unless the stream is currently running.
type SessionResolver interface {
	SessionStartTime(streamID int) (startMs int64, running bool)
}

// Record is one detection as submitted by the analysis pipeline.
type Record struct {
	PTS               int64
	TopLeftCorner     int
	BottomRightCorner int
	ClassName         string
	Confidence        float64
}

// Bucket is one pts bucket with its records, as returned by range queries.
type Bucket struct {
	PTS     int64              `json:"pts" example:"90000" doc:"Presentation timestamp shared by the records"`
	Records []events.Detection `json:"records" doc:"Detections sharing this pts, in insertion order"`
}

// ptsBucket holds the records sharing one pts. absMs is the anchored
// wall-clock timestamp the retention policy ages the bucket by.
type ptsBucket struct {
	absMs   int64
	records []events.Detection
}

// streamIndex holds one stream's detections keyed by pts. keys stays sorted
// ascending, and anchored timestamps grow with pts within a session, so
// eviction only ever trims the front.
type streamIndex struct {
	buckets map[int64]*ptsBucket
	keys    []int64

	// buckets removed by the most recent eviction, drained by the caller
	evictedBuckets int
}

// Index is the detection store for all streams.
type Index struct {
	resolver   SessionResolver
	bus        *events.Bus
	logger     *slog.Logger
	timeBaseHz float64
	retention  time.Duration
	now        func() int64

	mu      sync.Mutex
	streams map[int]*streamIndex
}

// Option configures an Index.
type Option func(*Index)

// WithTimeBase overrides the presentation timestamp tick rate.
func WithTimeBase(hz float64) Option {
	return func(ix *Index) { ix.timeBaseHz = hz }
}

// WithRetention overrides how long records are kept.
func WithRetention(d time.Duration) Option {
	return func(ix *Index) { ix.retention = d }
}

// WithClock overrides the wall clock, in milliseconds. Used by tests.
func WithClock(now func() int64) Option {
	return func(ix *Index) { ix.now = now }
}

// New creates an empty index.
func New(resolver SessionResolver, bus *events.Bus, logger *slog.Logger, opts ...Option) *Index {
	ix := &Index{
		resolver:   resolver,
		bus:        bus,
		logger:     logger,
		timeBaseHz: DefaultTimeBaseHz,
		retention:  DefaultRetention,
		now:        func() int64 { return time.Now().UnixMilli() },
		streams:    make(map[int]*streamIndex),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// absoluteMs anchors a presentation timestamp to a session start time.
func (ix *Index) absoluteMs(startMs, pts int64) int64 {
	return startMs + int64(float64(pts)/ix.timeBaseHz*1000)
}

// Insert accepts a batch of detections for a stream. The stream must have a
// running session; its start time anchors every record's wall-clock
// timestamp. Records sharing a pts accumulate in the same bucket. Aged
// buckets across all streams are evicted after the batch lands. Returns the
// number of records added and the number of pts buckets the stream holds
// after eviction.
func (ix *Index) Insert(streamID int, records []Record) (added, remainingBuckets int, err error) {
	startMs, running := ix.resolver.SessionStartTime(streamID)
	if !running {
		return 0, 0, ErrStreamNotRunning
	}

	batch := make(map[int64][]events.Detection)

	ix.mu.Lock()
	si := ix.streams[streamID]
	if si == nil {
		si = &streamIndex{buckets: make(map[int64]*ptsBucket)}
		ix.streams[streamID] = si
	}
	for _, rec := range records {
		det := events.Detection{
			PTS:               rec.PTS,
			AbsoluteTimeMs:    ix.absoluteMs(startMs, rec.PTS),
			TopLeftCorner:     rec.TopLeftCorner,
			BottomRightCorner: rec.BottomRightCorner,
			ClassName:         rec.ClassName,
			Confidence:        rec.Confidence,
		}
		b := si.buckets[rec.PTS]
		if b == nil {
			b = &ptsBucket{absMs: det.AbsoluteTimeMs}
			si.buckets[rec.PTS] = b
			pos, _ := slices.BinarySearch(si.keys, rec.PTS)
			si.keys = slices.Insert(si.keys, pos, rec.PTS)
		}
		b.records = append(b.records, det)
		batch[rec.PTS] = append(batch[rec.PTS], det)
	}
	evicted := ix.evictAgedLocked()
	remainingBuckets = len(si.keys)
	ix.mu.Unlock()

	metrics.AddDetectionsInserted(streamID, len(records))
	if evicted > 0 {
		metrics.AddBucketsEvicted(evicted)
	}

	if ix.bus != nil && len(batch) > 0 {
		ix.bus.Publish(events.DetectionBatchEvent{
			StreamID:    streamID,
			StartTimeMs: startMs,
			Buckets:     batch,
			Timestamp:   time.UnixMilli(ix.now()).UTC().Format(time.RFC3339),
		})
	}

	return len(records), remainingBuckets, nil
}

// QueryRange returns every pts bucket in [fromPts, toPts] inclusive, ordered
// by pts ascending. Unknown streams and inverted ranges yield nil.
func (ix *Index) QueryRange(streamID int, fromPts, toPts int64) []Bucket {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	si := ix.streams[streamID]
	if si == nil || fromPts > toPts {
		return nil
	}

	lo, _ := slices.BinarySearch(si.keys, fromPts)
	var out []Bucket
	for _, pts := range si.keys[lo:] {
		if pts > toPts {
			break
		}
		out = append(out, Bucket{PTS: pts, Records: slices.Clone(si.buckets[pts].records)})
	}
	return out
}

// QueryNearest returns the bucket whose pts is closest to the query and no
// further than tolerance away, along with that pts. An exact match wins
// outright; ties resolve to the earlier bucket. The third result is false
// when no bucket falls inside the window.
func (ix *Index) QueryNearest(streamID int, pts, tolerance int64) ([]events.Detection, int64, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	si := ix.streams[streamID]
	if si == nil || len(si.keys) == 0 {
		return nil, 0, false
	}

	pos, exact := slices.BinarySearch(si.keys, pts)
	if exact {
		return slices.Clone(si.buckets[pts].records), pts, true
	}

	best, found := int64(0), false
	if pos > 0 && pts-si.keys[pos-1] <= tolerance {
		best, found = si.keys[pos-1], true
	}
	if pos < len(si.keys) && si.keys[pos]-pts <= tolerance {
		if !found || si.keys[pos]-pts < pts-best {
			best, found = si.keys[pos], true
		}
	}
	if !found {
		return nil, 0, false
	}
	return slices.Clone(si.buckets[best].records), best, true
}

// EvictAged removes every bucket older than the retention window. It
// returns the number of streams touched and the number of records removed.
func (ix *Index) EvictAged() (streamsCleaned, recordsRemoved int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	cutoff := ix.now() - ix.retention.Milliseconds()
	var buckets int
	for id, si := range ix.streams {
		removed := si.evictBefore(cutoff)
		if removed > 0 {
			streamsCleaned++
			recordsRemoved += removed
		}
		buckets += si.evictedBuckets
		si.evictedBuckets = 0
		if len(si.keys) == 0 {
			delete(ix.streams, id)
		}
	}
	if buckets > 0 {
		metrics.AddBucketsEvicted(buckets)
	}
	if recordsRemoved > 0 {
		ix.logger.Debug("Evicted aged detections",
			"streams", streamsCleaned, "records", recordsRemoved)
	}
	return streamsCleaned, recordsRemoved
}

// evictAgedLocked is the insert-path eviction. Caller holds ix.mu.
// Returns the number of buckets removed.
func (ix *Index) evictAgedLocked() int {
	cutoff := ix.now() - ix.retention.Milliseconds()
	var buckets int
	for id, si := range ix.streams {
		si.evictBefore(cutoff)
		buckets += si.evictedBuckets
		si.evictedBuckets = 0
		if len(si.keys) == 0 {
			delete(ix.streams, id)
		}
	}
	return buckets
}

// EvictAll drops every record for one stream and returns how many were held.
func (ix *Index) EvictAll(streamID int) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	si := ix.streams[streamID]
	if si == nil {
		return 0
	}
	var n int
	for _, b := range si.buckets {
		n += len(b.records)
	}
	delete(ix.streams, streamID)
	if n > 0 {
		ix.logger.Info("Cleared detection index", "stream_id", streamID, "records", n)
	}
	return n
}

// RecordCount returns the number of records held for a stream.
func (ix *Index) RecordCount(streamID int) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	si := ix.streams[streamID]
	if si == nil {
		return 0
	}
	var n int
	for _, b := range si.buckets {
		n += len(b.records)
	}
	return n
}

// evictBefore drops buckets anchored strictly before the cutoff, returning
// the number of records removed. Anchored timestamps rise with pts, so the
// scan stops at the first young-enough bucket.
func (si *streamIndex) evictBefore(cutoff int64) int {
	var idx int
	for idx < len(si.keys) && si.buckets[si.keys[idx]].absMs < cutoff {
		idx++
	}
	if idx == 0 {
		return 0
	}
	var removed int
	for _, pts := range si.keys[:idx] {
		removed += len(si.buckets[pts].records)
		delete(si.buckets, pts)
	}
	si.evictedBuckets += idx
	si.keys = slices.Delete(si.keys, 0, idx)
	return removed
}
