package srl

import "sync"

// activeQueue is a FIFO of connections with pending input. A descriptor is
// queued at most once, and never while a worker is processing it.
//
// The queue lock also guards every descriptor's processing flag: popping a
// descriptor and marking it as processing happen in one critical section, as
// do claiming it for teardown and withdrawing it from the queue.
type activeQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []*ConnectionDescriptor
	queued   map[*ConnectionDescriptor]struct{}
	capacity int // 0 = unbounded
	closed   bool
}

func newActiveQueue(capacity int) *activeQueue {
	q := &activeQueue{
		queued:   make(map[*ConnectionDescriptor]struct{}),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push offers d to the queue. It returns false without error when d is
// already queued or being processed.
func (q *activeQueue) push(d *ConnectionDescriptor) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrStopped
	}
	if _, ok := q.queued[d]; ok || d.processing.Load() {
		return false, nil
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return false, ErrQueueFull
	}

	q.items = append(q.items, d)
	q.queued[d] = struct{}{}
	q.cond.Signal()
	return true, nil
}

// pop blocks until a descriptor is available or the queue is closed. The
// returned descriptor is marked as processing; the caller must release it or
// hand it over to teardown.
func (q *activeQueue) pop() (*ConnectionDescriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}

	d := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	delete(q.queued, d)
	d.processing.Store(true)
	return d, true
}

// claim takes exclusive ownership of d outside of the dispatch path. It
// fails when a worker already processes d; a queued d is withdrawn.
func (q *activeQueue) claim(d *ConnectionDescriptor) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if d.processing.Load() {
		return false
	}
	if _, ok := q.queued[d]; ok {
		delete(q.queued, d)
		for i, item := range q.items {
			if item == d {
				q.items = append(q.items[:i], q.items[i+1:]...)
				break
			}
		}
	}
	d.processing.Store(true)
	return true
}

func (q *activeQueue) release(d *ConnectionDescriptor) {
	q.mu.Lock()
	d.processing.Store(false)
	q.mu.Unlock()
}

func (q *activeQueue) contains(d *ConnectionDescriptor) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queued[d]
	return ok
}

func (q *activeQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close wakes every blocked pop; queued descriptors are dropped.
func (q *activeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.queued = make(map[*ConnectionDescriptor]struct{})
	q.cond.Broadcast()
	q.mu.Unlock()
}
