// Package loop implements a single-goroutine task loop. Tasks submitted to a
// Loop run one at a time, in submission order, on the loop's own goroutine,
// never on the submitter's.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"watchd/internal/logging"
)

const defaultQueueSize = 256

var (
	ErrClosed    = errors.New("loop is closed")
	ErrQueueFull = errors.New("loop queue is full")
)

// Task is a unit of work executed on the loop goroutine. The context is the
// loop's own and stays live until every queued task has run.
type Task func(ctx context.Context) error

// Options controls loop behavior.
type Options struct {
	Logger    *logging.Logger
	QueueSize int
	// FailureHandler receives errors and recovered panics from tasks.
	// It is called on the loop goroutine.
	FailureHandler func(error)
}

// Loop is safe for concurrent submission from multiple goroutines.
type Loop struct {
	tasks          chan Task
	done           chan struct{}
	finished       chan struct{}
	ctx            context.Context
	cancel         context.CancelFunc
	logger         *logging.Logger
	failureHandler func(error)

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	submitted atomic.Uint64
	executed  atomic.Uint64
	failed    atomic.Uint64
}

// Metrics reports loop counters.
type Metrics struct {
	Submitted uint64
	Executed  uint64
	Failed    uint64
}

// New creates a loop and starts its goroutine.
func New(ctx context.Context, options Options) *Loop {
	if ctx == nil {
		ctx = context.Background()
	}
	queueSize := options.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}

	derived, cancel := context.WithCancel(ctx)
	instance := &Loop{
		tasks:          make(chan Task, queueSize),
		done:           make(chan struct{}),
		finished:       make(chan struct{}),
		ctx:            derived,
		cancel:         cancel,
		logger:         logger,
		failureHandler: options.FailureHandler,
	}
	go instance.run()
	return instance
}

// Submit enqueues a task for execution on the loop goroutine. It never runs
// the task inline and never blocks: a full queue fails with ErrQueueFull, a
// closed loop with ErrClosed. Tasks submitted from the same goroutine execute
// in submission order.
func (l *Loop) Submit(task Task) error {
	if l == nil {
		return ErrClosed
	}
	if task == nil {
		return errors.New("task is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.tasks <- task:
		l.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks, runs everything already queued, and blocks
// until the loop goroutine has exited. Must not be called from a task.
func (l *Loop) Close() {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)
		<-l.finished
		l.cancel()
	})
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	if l == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return l.finished
}

func (l *Loop) Metrics() Metrics {
	if l == nil {
		return Metrics{}
	}
	return Metrics{
		Submitted: l.submitted.Load(),
		Executed:  l.executed.Load(),
		Failed:    l.failed.Load(),
	}
}

func (l *Loop) run() {
	defer close(l.finished)
	for {
		select {
		case task := <-l.tasks:
			l.runTask(task)
		case <-l.done:
			// Queued tasks still run to completion after Close.
			for {
				select {
				case task := <-l.tasks:
					l.runTask(task)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) runTask(task Task) {
	defer func() {
		if recovered := recover(); recovered != nil {
			l.reportFailure(fmt.Errorf("task panic: %v", recovered))
		}
	}()
	l.executed.Add(1)
	if err := task(l.ctx); err != nil {
		l.reportFailure(err)
	}
}

func (l *Loop) reportFailure(err error) {
	l.failed.Add(1)
	if l.logger != nil {
		l.logger.Error("task failed", map[string]string{
			"error": err.Error(),
		})
	}
	if l.failureHandler != nil {
		l.failureHandler(err)
	}
}
