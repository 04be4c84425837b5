package supervisor

import "sync"

// tailBuffer keeps the most recent N output lines for launch-failure
// diagnostics.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	head  int
	count int
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{lines: make([]string, size)}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines[t.head] = line
	t.head = (t.head + 1) % len(t.lines)
	if t.count < len(t.lines) {
		t.count++
	}
}

// Lines returns the buffered lines oldest-first.
func (t *tailBuffer) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 {
		return nil
	}

	out := make([]string, t.count)
	if t.count < len(t.lines) {
		copy(out, t.lines[:t.count])
	} else {
		n := copy(out, t.lines[t.head:])
		copy(out[n:], t.lines[:t.head])
	}
	return out
}
