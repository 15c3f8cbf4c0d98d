package server

import (
	"context"
	"sync"
	"time"
)

// acquireStatus is the outcome of one limiter acquire attempt.
type acquireStatus int

const (
	acquireOK acquireStatus = iota
	acquireBusy
	acquireQueueTimeout
	acquireAborted
)

// waiter is one queued request. A permit handed to a waiter transfers
// ownership without touching the active count.
type waiter struct {
	ready   chan struct{}
	granted bool
	gone    bool
}

// limiter bounds concurrent handler executions per route. Requests beyond
// the concurrency cap wait in a FIFO queue bounded by maxQueue; a full queue
// rejects immediately.
type limiter struct {
	mu       sync.Mutex
	max      int
	active   int
	maxQueue int
	timeout  time.Duration
	queue    []*waiter
}

func newLimiter(maxConcurrent, maxQueue int, queueTimeout time.Duration) *limiter {
	return &limiter{
		max:      maxConcurrent,
		maxQueue: maxQueue,
		timeout:  queueTimeout,
	}
}

// acquire blocks until a permit is available, the queue wait times out, or
// the caller's context ends. The returned release is idempotent; calling it
// more than once frees the permit only once.
func (l *limiter) acquire(ctx context.Context) (func(), acquireStatus) {
	if l.max <= 0 {
		return func() {}, acquireOK
	}

	l.mu.Lock()
	if l.active < l.max {
		l.active++
		l.mu.Unlock()
		return l.releaseOnce(), acquireOK
	}
	if len(l.queue) >= l.maxQueue {
		l.mu.Unlock()
		return nil, acquireBusy
	}
	w := &waiter{ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return l.releaseOnce(), acquireOK
	case <-timer.C:
		if l.abandon(w) {
			return l.releaseOnce(), acquireOK
		}
		return nil, acquireQueueTimeout
	case <-ctx.Done():
		if l.abandon(w) {
			return l.releaseOnce(), acquireOK
		}
		return nil, acquireAborted
	}
}

// abandon marks a waiter as gone. It reports true when a permit was granted
// concurrently, in which case the caller owns the permit after all.
func (l *limiter) abandon(w *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.granted {
		return true
	}
	w.gone = true
	for i, queued := range l.queue {
		if queued == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			break
		}
	}
	return false
}

func (l *limiter) releaseOnce() func() {
	var once sync.Once
	return func() {
		once.Do(l.release)
	}
}

// release hands the permit to the next live waiter, or frees it when the
// queue is empty.
func (l *limiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) > 0 {
		w := l.queue[0]
		l.queue = l.queue[1:]
		if w.gone {
			continue
		}
		w.granted = true
		close(w.ready)
		return
	}
	l.active--
}
