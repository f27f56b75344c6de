package node

import "sync"

// OverflowPolicy determines what a bounded message queue does when a producer
// pushes into a full queue.
type OverflowPolicy uint32

const (
	// OverflowBlock blocks the producer until the dispatcher has drained an
	// item. This propagates backpressure to the remote publisher's write.
	OverflowBlock OverflowPolicy = iota
	// OverflowDropOldest discards the oldest queued item to make room.
	OverflowDropOldest
)

// messageQueue is the bounded FIFO between a subscription's connection
// readers and its dispatcher. It is the sole path by which network-received
// messages reach callback code.
type messageQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []interface{}
	limit    int // 0 means unbounded
	policy   OverflowPolicy
	closed   bool
}

func newMessageQueue(limit int, policy OverflowPolicy) *messageQueue {
	q := &messageQueue{
		limit:  limit,
		policy: policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// push appends an item, blocking while the queue is full under the block
// policy. It reports false once the queue has been closed.
func (q *messageQueue) push(v interface{}) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.limit > 0 && len(q.items) >= q.limit && !q.closed {
		if q.policy == OverflowDropOldest {
			q.items = q.items[1:]
			break
		}
		q.notFull.Wait()
	}

	if q.closed {
		return false
	}

	q.items = append(q.items, v)
	q.notEmpty.Signal()
	return true
}

// pop removes the oldest item, blocking while the queue is empty. It reports
// false once the queue has been closed and drained.
func (q *messageQueue) pop() (interface{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}

	if len(q.items) == 0 {
		return nil, false
	}

	v := q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return v, true
}

// close wakes all producers and the consumer. Queued items remain available
// to pop so the dispatcher can drain before exiting.
func (q *messageQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}
