package watch

import (
	"context"

	"watchd/internal/loop"
)

// Dispatcher hands notifications from watcher goroutines to the session's
// task loop. Schedule never runs the handler on the calling goroutine and is
// safe for concurrent use.
type Dispatcher struct {
	loop *loop.Loop
}

func NewDispatcher(taskLoop *loop.Loop) *Dispatcher {
	return &Dispatcher{loop: taskLoop}
}

// Schedule enqueues one handler invocation. The handler runs later, as its
// own task; Schedule does not wait for it and does not observe its outcome.
// Fails with loop.ErrClosed once the loop has been torn down.
func (d *Dispatcher) Schedule(handler Handler, notification Notification) error {
	if d == nil || d.loop == nil {
		return loop.ErrClosed
	}
	return d.loop.Submit(func(ctx context.Context) error {
		return handler(ctx, notification)
	})
}
