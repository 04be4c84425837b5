package streams

import (
	"sort"
	"sync"

	"github.com/pvolkov/streamrelay/internal/relay"
	"github.com/pvolkov/streamrelay/internal/supervisor"
)

// entry is the registry record for one stream. All session fields are
// guarded by the entry's own mutex so independent streams never serialize
// behind each other.
type entry struct {
	id int

	mu          sync.Mutex
	state       State
	refCount    int
	supervisor  *supervisor.Supervisor
	relay       *relay.Relay
	startTimeMs int64
	endpoint    string
	segmentDir  string

	// Outcome of the previous session, surfaced in status after a crash
	// until the next launch.
	lastCrashed  bool
	lastExitCode int
}

// registry maps stream ids to their entries. The map itself is guarded by
// one mutex; entries are created on first sight and never removed, so an
// entry pointer stays valid for the stream's lifetime.
type registry struct {
	mu      sync.Mutex
	entries map[int]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[int]*entry)}
}

// getOrCreate returns the entry for a stream, creating a stopped one on
// first sight.
func (r *registry) getOrCreate(id int) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		e = &entry{id: id, state: StateStopped}
		r.entries[id] = e
	}
	return e
}

// get returns the entry for a stream, or nil if the stream was never seen.
func (r *registry) get(id int) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

// ids returns every known stream id in ascending order.
func (r *registry) ids() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// runningCount returns the number of streams currently running.
func (r *registry) runningCount() int {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var n int
	for _, e := range entries {
		e.mu.Lock()
		if e.state == StateRunning {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// resetLocked clears an entry's session fields. Caller holds e.mu.
func (e *entry) resetLocked() {
	e.state = StateStopped
	e.refCount = 0
	e.supervisor = nil
	e.relay = nil
	e.startTimeMs = 0
	e.endpoint = ""
	e.segmentDir = ""
}
