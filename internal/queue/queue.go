// Package queue provides serial callback queues. Tasks submitted to one Queue
// run one at a time on a dedicated goroutine in submission order.
package queue

import (
	"errors"
	"fmt"
	"sync"

	"kvbind/internal/logging"
)

const defaultBufferSize = 64

var ErrClosed = errors.New("queue is closed")

type Options struct {
	Name string
	// BufferSize is the initial capacity of the pending list. The list
	// grows as needed, so Async never blocks.
	BufferSize int
	Logger     *logging.Logger
}

type Queue struct {
	name    string
	mutex   sync.Mutex
	pending []func()
	signal  chan struct{}
	done    chan struct{}
	closed  bool
	once    sync.Once
	logger  *logging.Logger
}

// New starts a queue with default options.
func New(name string) *Queue {
	return NewWithOptions(Options{Name: name})
}

func NewWithOptions(options Options) *Queue {
	size := options.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	name := options.Name
	if name == "" {
		name = "queue"
	}
	queue := &Queue{
		name:    name,
		pending: make([]func(), 0, size),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  logger.With(map[string]string{"queue": name}),
	}
	go queue.run()
	return queue
}

func (queue *Queue) Name() string {
	if queue == nil {
		return ""
	}
	return queue.name
}

// Async appends task and returns at once. Tasks posted from a running task,
// including one on this queue, keep submission order.
func (queue *Queue) Async(task func()) error {
	if queue == nil {
		return ErrClosed
	}
	if task == nil {
		return nil
	}
	queue.mutex.Lock()
	if queue.closed {
		queue.mutex.Unlock()
		return ErrClosed
	}
	queue.pending = append(queue.pending, task)
	queue.mutex.Unlock()
	queue.wake()
	return nil
}

// Len reports the number of tasks waiting to run.
func (queue *Queue) Len() int {
	if queue == nil {
		return 0
	}
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	return len(queue.pending)
}

// Sync enqueues task and waits for it to finish. Calling Sync from a task on
// the same queue deadlocks.
func (queue *Queue) Sync(task func()) error {
	finished := make(chan struct{})
	err := queue.Async(func() {
		defer close(finished)
		if task != nil {
			task()
		}
	})
	if err != nil {
		return err
	}
	<-finished
	return nil
}

// Close stops accepting tasks, runs everything already queued and returns
// once the worker has drained. Calling Close from a task on the same queue
// deadlocks.
func (queue *Queue) Close() {
	if queue == nil {
		return
	}
	queue.once.Do(func() {
		queue.mutex.Lock()
		queue.closed = true
		queue.mutex.Unlock()
		queue.wake()
		<-queue.done
	})
}

func (queue *Queue) wake() {
	select {
	case queue.signal <- struct{}{}:
	default:
	}
}

func (queue *Queue) run() {
	defer close(queue.done)
	for {
		task, ok := queue.next()
		if !ok {
			return
		}
		queue.invoke(task)
	}
}

// next waits for the oldest pending task. It reports false once the queue
// is closed and drained.
func (queue *Queue) next() (func(), bool) {
	for {
		queue.mutex.Lock()
		if len(queue.pending) > 0 {
			task := queue.pending[0]
			queue.pending[0] = nil
			queue.pending = queue.pending[1:]
			queue.mutex.Unlock()
			return task, true
		}
		closed := queue.closed
		queue.mutex.Unlock()
		if closed {
			return nil, false
		}
		<-queue.signal
	}
}

func (queue *Queue) invoke(task func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			queue.logger.Error("queued task panicked", map[string]string{
				"panic": fmt.Sprint(recovered),
			})
		}
	}()
	task()
}
