package watch

import (
	"fmt"

	"watchd/internal/event"
	"watchd/internal/logging"
)

// adapter is the per-registration glue between a Source and the Dispatcher.
// Its deliver method runs on watcher goroutines; nothing may unwind through
// it, or the source would stop reporting.
type adapter struct {
	registration Registration
	dispatcher   *Dispatcher
	logger       *logging.Logger
	bus          *event.Bus[Notification]
}

func (a *adapter) deliver(notification Notification) {
	defer func() {
		if recovered := recover(); recovered != nil && a.logger != nil {
			a.logger.Error("notification delivery panic", map[string]string{
				"path":  notification.Path,
				"panic": fmt.Sprint(recovered),
			})
		}
	}()

	if !Matches(a.registration, notification) {
		return
	}
	// Dispatch first; the stream fan-out is an observer and must never get
	// in the way of the handler.
	if err := a.dispatcher.Schedule(a.registration.Handler, notification); err != nil {
		if a.logger != nil {
			a.logger.Warn("notification dropped", map[string]string{
				"path":  notification.Path,
				"kind":  string(notification.Kind),
				"error": err.Error(),
			})
		}
	}
	if a.bus != nil {
		a.bus.Publish(notification)
	}
}
