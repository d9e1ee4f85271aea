package sandbox

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"appforge/internal/logging"
	"appforge/internal/metrics"
)

// ErrQueueClosed is returned when submitting to a closed queue.
var ErrQueueClosed = errors.New("sandbox request queue closed")

const defaultQueueBuffer = 1024

// Queue runs submitted jobs one at a time in submission order. A panicking
// job is logged and does not stop the worker.
type Queue struct {
	jobs  chan func()
	depth atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewQueue starts a queue with its single worker.
func NewQueue(buffer int) *Queue {
	if buffer <= 0 {
		buffer = defaultQueueBuffer
	}
	q := &Queue{
		jobs: make(chan func(), buffer),
		done: make(chan struct{}),
	}
	go q.worker()
	return q
}

var (
	defaultQueueOnce sync.Once
	defaultQueue     *Queue
)

// DefaultQueue returns the process-wide queue shared by every Client.
func DefaultQueue() *Queue {
	defaultQueueOnce.Do(func() {
		defaultQueue = NewQueue(defaultQueueBuffer)
	})
	return defaultQueue
}

// Submit enqueues fn. It returns once fn is queued, not when it has run.
func (q *Queue) Submit(fn func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.depth.Add(1)
	metrics.Get().SandboxQueueDepth.Inc()
	q.jobs <- fn
	return nil
}

// Depth reports jobs queued or running.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Close stops accepting jobs and waits for queued ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) worker() {
	defer close(q.done)
	for fn := range q.jobs {
		q.run(fn)
		q.depth.Add(-1)
		metrics.Get().SandboxQueueDepth.Dec()
	}
}

func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Error("sandbox queue job panicked",
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"))
		}
	}()
	fn()
}
