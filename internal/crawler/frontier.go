package crawler

import "sync"

// frontier is the shared crawl queue: a deque popped from the front, with
// newly discovered links prepended as an ordered batch. That makes the walk
// depth-first with FIFO siblings, so partial crawls stop deep in unvisited
// subtrees instead of re-walking shallow ones on resume.
//
// Pop blocks while the deque is empty but entries are still in flight, and
// reports exhaustion once the deque is empty with nothing in flight. Pushes
// are accepted even after close so that links discovered by in-flight pages
// still land in the resume snapshot.
type frontier struct {
	mu        sync.Mutex
	cond      *sync.Cond
	entries   []FrontierEntry
	inflight  int
	closed    bool
	nextOrder int64
}

func newFrontier(seed []FrontierEntry) *frontier {
	f := &frontier{}
	f.cond = sync.NewCond(&f.mu)
	f.append(seed)
	return f
}

func (f *frontier) append(batch []FrontierEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, entry := range batch {
		if entry.Order == 0 {
			f.nextOrder++
			entry.Order = f.nextOrder
		} else if entry.Order > f.nextOrder {
			f.nextOrder = entry.Order
		}
		f.entries = append(f.entries, entry)
	}
	f.cond.Broadcast()
}

// PushFront prepends the batch, preserving its internal order.
func (f *frontier) PushFront(batch []FrontierEntry) {
	if len(batch) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stamped := make([]FrontierEntry, 0, len(batch))
	for _, entry := range batch {
		f.nextOrder++
		entry.Order = f.nextOrder
		stamped = append(stamped, entry)
	}
	f.entries = append(stamped, f.entries...)
	f.cond.Broadcast()
}

// Pop returns the next entry, blocking while the frontier is drained but
// entries remain in flight. ok is false once the frontier is exhausted or
// closed. Every true return must be matched by a Done call.
func (f *frontier) Pop() (FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if f.closed {
			return FrontierEntry{}, false
		}
		if len(f.entries) > 0 {
			entry := f.entries[0]
			f.entries = f.entries[1:]
			f.inflight++
			return entry, true
		}
		if f.inflight == 0 {
			f.closed = true
			f.cond.Broadcast()
			return FrontierEntry{}, false
		}
		f.cond.Wait()
	}
}

// Done marks one popped entry as finished.
func (f *frontier) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight > 0 {
		f.inflight--
	}
	f.cond.Broadcast()
}

// Close stops further pops; pending entries stay for Snapshot.
func (f *frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

// Snapshot copies the remaining entries front-to-back.
func (f *frontier) Snapshot() []FrontierEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FrontierEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

func (f *frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
