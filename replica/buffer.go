package replica

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/did-method-plc/go-oplogsync/oplog"
	"github.com/emirpasic/gods/queues/circularbuffer"
)

// ErrShutdown is returned by blocking operations once the sync engine has
// been shut down.
var ErrShutdown = errors.New("background sync shut down")

// Stats is the monitoring view of the buffer.
type Stats struct {
	QueueSize        int    `json:"queueSize"`
	WaitTimeMicros   uint64 `json:"waitTimeMicros"`
	ElementsProduced uint64 `json:"elementsProduced"`
}

/*

Buffer is the bounded FIFO between the producer and the applier.

The producer calls Push, which blocks while the buffer is full. The applier
looks at the head with Peek, applies it, and only then calls Consume. Every
mutation closes the current "changed" channel and replaces it, which wakes
anyone blocked in Push or WaitForMore so they can re-check.

*/

type Buffer struct {
	mu       sync.Mutex
	queue    *circularbuffer.Queue
	capacity int
	changed  chan struct{}
	closed   chan struct{}
	isClosed bool

	// cumulative since process start
	waitTime time.Duration
	produced uint64
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{
		queue:    circularbuffer.New(capacity),
		capacity: capacity,
		changed:  make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

// notifyLocked wakes all waiters. Caller must hold b.mu.
func (b *Buffer) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Push appends op at the tail, blocking while the buffer is full. It returns
// ctx.Err() if ctx ends first, or ErrShutdown once the buffer is closed. A
// cancelled ctx is checked under the lock before appending, so nothing is
// pushed after cancellation has been observed by the caller.
func (b *Buffer) Push(ctx context.Context, op *oplog.Entry) error {
	var start time.Time
	b.mu.Lock()
	for {
		if b.isClosed {
			b.addWaitLocked(start)
			b.mu.Unlock()
			return ErrShutdown
		}
		if err := ctx.Err(); err != nil {
			b.addWaitLocked(start)
			b.mu.Unlock()
			return err
		}
		if !b.queue.Full() {
			break
		}
		if start.IsZero() {
			start = time.Now()
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-changed:
		case <-b.closed:
		case <-ctx.Done():
		}
		b.mu.Lock()
	}
	b.addWaitLocked(start)
	b.queue.Enqueue(op)
	b.produced++
	b.notifyLocked()
	b.mu.Unlock()
	return nil
}

// addWaitLocked counts time blocked on a full buffer since start, if any.
func (b *Buffer) addWaitLocked(start time.Time) {
	if !start.IsZero() {
		b.waitTime += time.Since(start)
	}
}

// Peek returns the head entry without removing it.
func (b *Buffer) Peek() (*oplog.Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.queue.Peek()
	if !ok {
		return nil, false
	}
	return v.(*oplog.Entry), true
}

// Consume removes the head entry. The caller must already have applied it.
func (b *Buffer) Consume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queue.Dequeue(); ok {
		b.notifyLocked()
	}
}

// WaitForMore blocks until the buffer is non-empty, timeout elapses, ctx
// ends, or the buffer is closed. It reports whether an entry is available.
func (b *Buffer) WaitForMore(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	b.mu.Lock()
	for b.queue.Empty() {
		if b.isClosed {
			b.mu.Unlock()
			return false
		}
		changed := b.changed
		b.mu.Unlock()

		select {
		case <-changed:
		case <-b.closed:
		case <-ctx.Done():
			return false
		case <-timer.C:
			b.mu.Lock()
			ok := !b.queue.Empty()
			b.mu.Unlock()
			return ok
		}
		b.mu.Lock()
	}
	b.mu.Unlock()
	return true
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Size()
}

func (b *Buffer) Cap() int {
	return b.capacity
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		QueueSize:        b.queue.Size(),
		WaitTimeMicros:   uint64(b.waitTime.Microseconds()),
		ElementsProduced: b.produced,
	}
}

// Close wakes every waiter. Buffered entries can still be drained.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed {
		return
	}
	b.isClosed = true
	close(b.closed)
	b.notifyLocked()
}
