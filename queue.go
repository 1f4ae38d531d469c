package tilestream

import "sync"

// Completion is one finished tile read travelling from a reader goroutine to
// the render thread.
type Completion struct {
	Coord TileCoordinate
	Data  []byte
	Err   error

	// request and epoch identify the load that produced this completion so
	// the manager can discard results that were superseded by a reset or a
	// texture release while the read was in flight.
	request uint64
	epoch   uint64
}

// CompletionQueue hands finished reads from any number of producer
// goroutines to a single consumer.
//
// Producers call Push; the consumer calls Drain once per frame and receives
// everything pushed so far in push order. The mutex provides the ordering
// guarantee that a buffer filled before Push is fully visible after Drain.
type CompletionQueue struct {
	mu    sync.Mutex
	items []Completion
}

// Push appends c. It never blocks on the consumer.
func (q *CompletionQueue) Push(c Completion) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
}

// Drain moves every queued completion into dst and returns the extended
// slice. Passing the previous frame's slice truncated to zero lets the two
// backing arrays alternate without reallocating.
func (q *CompletionQueue) Drain(dst []Completion) []Completion {
	q.mu.Lock()
	dst = append(dst, q.items...)
	clear(q.items)
	q.items = q.items[:0]
	q.mu.Unlock()
	return dst
}

// Len reports the number of completions waiting to be drained.
func (q *CompletionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

var closedSignal = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// readTracker counts outstanding reads. Unlike a WaitGroup, start may be
// called from zero while another goroutine is waiting in idle.
type readTracker struct {
	mu      sync.Mutex
	pending int
	drained chan struct{}
}

func (r *readTracker) start() {
	r.mu.Lock()
	if r.pending == 0 {
		r.drained = make(chan struct{})
	}
	r.pending++
	r.mu.Unlock()
}

func (r *readTracker) finish() {
	r.mu.Lock()
	r.pending--
	if r.pending == 0 {
		close(r.drained)
	}
	r.mu.Unlock()
}

// idle returns a channel that is closed once every read started before the
// call has finished.
func (r *readTracker) idle() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == 0 {
		return closedSignal
	}
	return r.drained
}
