package metadata

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pvolkov/streamrelay/internal/events"
)

type fakeResolver struct {
	startMs int64
	running bool
}

func (f *fakeResolver) SessionStartTime(int) (int64, bool) {
	return f.startMs, f.running
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestIndex(startMs int64, nowMs *int64) *Index {
	return New(
		&fakeResolver{startMs: startMs, running: true},
		nil,
		testLogger(),
		WithClock(func() int64 { return *nowMs }),
	)
}

func TestInsertAnchorsTimestamps(t *testing.T) {
	now := int64(10_000)
	ix := newTestIndex(1000, &now)

	// One second of 90 kHz ticks lands one second after session start.
	n, remaining, err := ix.Insert(1, []Record{{PTS: 90000, ClassName: "person", Confidence: 0.9}})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if n != 1 || remaining != 1 {
		t.Errorf("Insert = (%d, %d), want (1, 1)", n, remaining)
	}

	buckets := ix.QueryRange(1, 90000, 90000)
	if len(buckets) != 1 {
		t.Fatalf("round-trip query returned %d buckets, want 1", len(buckets))
	}
	if buckets[0].PTS != 90000 {
		t.Errorf("bucket pts = %d, want 90000", buckets[0].PTS)
	}
	recs := buckets[0].Records
	if len(recs) != 1 || recs[0].AbsoluteTimeMs != 2000 {
		t.Errorf("records = %+v, want one with absolute 2000", recs)
	}
}

func TestDistinctPTSGetDistinctBuckets(t *testing.T) {
	now := int64(10_000)
	ix := newTestIndex(1000, &now)

	// 90 and 45 ticks apart: well under a millisecond, still separate keys.
	ix.Insert(1, []Record{{PTS: 90000, ClassName: "person"}})
	ix.Insert(1, []Record{{PTS: 90045, ClassName: "car"}})

	buckets := ix.QueryRange(1, 90000, 90045)
	if len(buckets) != 2 {
		t.Fatalf("got %d buckets, want 2: %+v", len(buckets), buckets)
	}
	if buckets[0].PTS != 90000 || buckets[1].PTS != 90045 {
		t.Errorf("bucket keys = %d, %d", buckets[0].PTS, buckets[1].PTS)
	}

	only := ix.QueryRange(1, 90000, 90000)
	if len(only) != 1 || len(only[0].Records) != 1 || only[0].Records[0].ClassName != "person" {
		t.Errorf("exact window leaked neighboring records: %+v", only)
	}
}

func TestInsertRejectedWithoutSession(t *testing.T) {
	now := int64(0)
	ix := New(&fakeResolver{running: false}, nil, testLogger(),
		WithClock(func() int64 { return now }))

	if _, _, err := ix.Insert(1, []Record{{PTS: 0}}); err != ErrStreamNotRunning {
		t.Errorf("err = %v, want ErrStreamNotRunning", err)
	}
	if got := ix.RecordCount(1); got != 0 {
		t.Errorf("record count = %d, want 0", got)
	}
}

func TestSamePTSAccumulates(t *testing.T) {
	now := int64(10_000)
	ix := newTestIndex(0, &now)

	ix.Insert(1, []Record{{PTS: 9000, ClassName: "person"}})
	_, remaining, _ := ix.Insert(1, []Record{{PTS: 9000, ClassName: "car"}})
	if remaining != 1 {
		t.Errorf("remaining buckets = %d, want 1", remaining)
	}

	dets, _, ok := ix.QueryNearest(1, 9000, 0)
	if !ok || len(dets) != 2 {
		t.Fatalf("bucket = %v, want 2 records", dets)
	}
	if dets[0].ClassName != "person" || dets[1].ClassName != "car" {
		t.Errorf("insertion order not preserved: %+v", dets)
	}
}

func TestQueryRangeInclusiveAndOrdered(t *testing.T) {
	now := int64(60_000)
	ix := newTestIndex(0, &now)

	for _, pts := range []int64{500, 100, 300, 200, 400} {
		ix.Insert(1, []Record{{PTS: pts}})
	}

	buckets := ix.QueryRange(1, 200, 400)
	if len(buckets) != 3 {
		t.Fatalf("got %d buckets, want 3", len(buckets))
	}
	want := []int64{200, 300, 400}
	for i, b := range buckets {
		if b.PTS != want[i] {
			t.Errorf("bucket %d pts = %d, want %d", i, b.PTS, want[i])
		}
	}

	if buckets := ix.QueryRange(1, 600, 700); buckets != nil {
		t.Errorf("empty window returned %v", buckets)
	}
	if buckets := ix.QueryRange(1, 400, 200); buckets != nil {
		t.Errorf("inverted window returned %v", buckets)
	}
	if buckets := ix.QueryRange(99, 0, 1000); buckets != nil {
		t.Errorf("unknown stream returned %v", buckets)
	}
}

func TestQueryNearestPicksClosestWithinTolerance(t *testing.T) {
	now := int64(60_000)
	ix := newTestIndex(0, &now)

	ix.Insert(1, []Record{{PTS: 9000}})
	ix.Insert(1, []Record{{PTS: 18000}})

	// Exact matches need no window; a tie resolves to the earlier bucket;
	// anything past the tolerance bound reports not-found.
	cases := []struct {
		query     int64
		tolerance int64
		want      int64
		found     bool
	}{
		{9000, 0, 9000, true},
		{12000, 9000, 9000, true},
		{13500, 9000, 9000, true},
		{13501, 9000, 18000, true},
		{0, 9000, 9000, true},
		{27000, 9000, 18000, true},
		{27001, 9000, 0, false},
		{4000, 1000, 0, false},
		{12000, 3000, 9000, true},
	}
	for _, tc := range cases {
		_, pts, ok := ix.QueryNearest(1, tc.query, tc.tolerance)
		if ok != tc.found {
			t.Errorf("query %d tol %d: found = %v, want %v", tc.query, tc.tolerance, ok, tc.found)
			continue
		}
		if ok && pts != tc.want {
			t.Errorf("query %d tol %d: bucket = %d, want %d", tc.query, tc.tolerance, pts, tc.want)
		}
	}

	if _, _, ok := ix.QueryNearest(42, 9000, DefaultNearestTolerancePTS); ok {
		t.Error("unknown stream reported a bucket")
	}
}

func TestRetentionEvictionOnInsert(t *testing.T) {
	now := int64(0)
	ix := newTestIndex(0, &now)

	ix.Insert(1, []Record{{PTS: 0}})
	if got := ix.RecordCount(1); got != 1 {
		t.Fatalf("record count = %d, want 1", got)
	}

	// Jump past the retention window; the next insert sweeps the old bucket.
	now = DefaultRetention.Milliseconds() + 10_000
	_, remaining, _ := ix.Insert(1, []Record{{PTS: now * 90}})
	if remaining != 1 {
		t.Errorf("remaining buckets = %d, want 1 after eviction", remaining)
	}

	if got := ix.RecordCount(1); got != 1 {
		t.Errorf("record count = %d, want 1 after eviction", got)
	}
	if buckets := ix.QueryRange(1, 0, 0); buckets != nil {
		t.Errorf("evicted bucket still queryable: %v", buckets)
	}
}

func TestEvictAgedReportsCounts(t *testing.T) {
	now := int64(0)
	ix := newTestIndex(0, &now)

	ix.Insert(1, []Record{{PTS: 0}, {PTS: 0}})
	ix.Insert(2, []Record{{PTS: 90}})

	now = DefaultRetention.Milliseconds() + 1000
	streams, removed := ix.EvictAged()
	if streams != 2 || removed != 3 {
		t.Errorf("EvictAged = (%d, %d), want (2, 3)", streams, removed)
	}

	// Second sweep is a no-op.
	streams, removed = ix.EvictAged()
	if streams != 0 || removed != 0 {
		t.Errorf("repeat EvictAged = (%d, %d), want (0, 0)", streams, removed)
	}
}

func TestEvictAllClearsStream(t *testing.T) {
	now := int64(60_000)
	ix := newTestIndex(0, &now)

	ix.Insert(1, []Record{{PTS: 0}, {PTS: 90}})
	ix.Insert(2, []Record{{PTS: 0}})

	if n := ix.EvictAll(1); n != 2 {
		t.Errorf("EvictAll(1) = %d, want 2", n)
	}
	if got := ix.RecordCount(1); got != 0 {
		t.Errorf("record count = %d, want 0", got)
	}
	if got := ix.RecordCount(2); got != 1 {
		t.Errorf("other stream record count = %d, want 1", got)
	}
	if n := ix.EvictAll(1); n != 0 {
		t.Errorf("repeat EvictAll = %d, want 0", n)
	}
}

func TestInsertPublishesBatchEvent(t *testing.T) {
	bus := events.New()
	now := int64(10_000)
	ix := New(
		&fakeResolver{startMs: 1000, running: true},
		bus,
		testLogger(),
		WithClock(func() int64 { return now }),
	)

	ch := make(chan events.DetectionBatchEvent, 1)
	unsub := bus.Subscribe(func(e events.DetectionBatchEvent) {
		ch <- e
	})
	defer unsub()

	ix.Insert(7, []Record{{PTS: 90000, ClassName: "person"}})

	select {
	case ev := <-ch:
		if ev.StreamID != 7 || ev.StartTimeMs != 1000 {
			t.Errorf("event = %+v", ev)
		}
		recs := ev.Buckets[90000]
		if len(recs) != 1 || recs[0].AbsoluteTimeMs != 2000 {
			t.Errorf("bucket contents = %v", ev.Buckets)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no batch event published")
	}
}
