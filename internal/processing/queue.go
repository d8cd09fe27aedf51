package processing

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("queue closed")

type workItem struct {
	id   string
	path string
	prev *workItem
}

// queue is an unbounded FIFO of admitted reports waiting for a worker.
// Push never blocks; Pop blocks until an item is available, the queue is closed or ctx is done.
type queue struct {
	lock   sync.Mutex
	head   *workItem
	tail   *workItem
	size   int
	closed bool
	// ready holds at most one pending wakeup
	ready  chan struct{}
	doneCh chan struct{}
}

func newQueue() *queue {
	return &queue{
		ready:  make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
}

func (q *queue) Push(item *workItem) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if q.head == nil {
		q.head = item
		q.tail = item
	} else {
		q.tail.prev = item
		q.tail = item
	}
	q.size++
	q.wakeup()

	return nil
}

func (q *queue) Pop(ctx context.Context) (*workItem, error) {
	for {
		q.lock.Lock()
		if q.closed {
			q.lock.Unlock()
			return nil, ErrQueueClosed
		}
		if item := q.pop(); item != nil {
			if q.size > 0 {
				// pass the wakeup on to the next waiting worker
				q.wakeup()
			}
			q.lock.Unlock()
			return item, nil
		}
		q.lock.Unlock()

		select {
		case <-q.ready:
		case <-q.doneCh:
			return nil, ErrQueueClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops the queue. Pending items are kept and can be drained with Remaining.
func (q *queue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.doneCh)
}

// Remaining removes and returns the items never handed to a worker.
func (q *queue) Remaining() []*workItem {
	q.lock.Lock()
	defer q.lock.Unlock()

	var items []*workItem
	for item := q.pop(); item != nil; item = q.pop() {
		items = append(items, item)
	}
	return items
}

func (q *queue) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.size
}

// pop must be called with the lock held.
func (q *queue) pop() *workItem {
	if q.head == nil {
		return nil
	}
	tmp := q.head
	if q.head.prev != nil {
		q.head = q.head.prev
	} else {
		// removing the last one
		q.head = nil
		q.tail = nil
	}
	tmp.prev = nil
	q.size--
	return tmp
}

func (q *queue) wakeup() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
