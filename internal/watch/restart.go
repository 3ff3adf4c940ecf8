package watch

import (
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

func restartDelay(attempt int) time.Duration {
	return restartBaseDelay * time.Duration(1<<attempt)
}

func (w *Watcher) scheduleRestart(err error) {
	if w == nil {
		return
	}
	w.restartMutex.Lock()
	if w.restartTimer != nil {
		w.restartMutex.Unlock()
		return
	}
	if w.restartAttempts >= maxRestartAttempts {
		w.restartMutex.Unlock()
		if w.errorHandler != nil {
			w.errorHandler(err)
		}
		return
	}
	delay := restartDelay(w.restartAttempts)
	w.restartAttempts++
	w.restartTimer = time.AfterFunc(delay, w.performRestart)
	w.restartMutex.Unlock()
}

func (w *Watcher) performRestart() {
	if w == nil {
		return
	}
	restartErr := w.restart()

	w.restartMutex.Lock()
	w.restartTimer = nil
	if restartErr == nil {
		w.restartAttempts = 0
		w.restartMutex.Unlock()
		return
	}
	w.restartMutex.Unlock()

	w.logWarn("watcher restart failed", map[string]string{
		"error": restartErr.Error(),
	})
	w.scheduleRestart(restartErr)
}

// restart replaces the fsnotify backend and re-registers every watched path
// with the replacement.
func (w *Watcher) restart() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	paths := make([]string, 0, len(w.watched))
	for path := range w.watched {
		paths = append(paths, path)
	}
	w.mu.Unlock()

	replacement, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, path := range paths {
		if err := replacement.Add(path); err != nil {
			w.logWarn("watcher re-add failed", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
		}
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		_ = replacement.Close()
		return nil
	}
	previous := w.fs
	w.fs = replacement
	// Held across the forwarder launch so Stop cannot slip between the
	// swap and the goroutine accounting.
	w.startForwarder(replacement)
	w.mu.Unlock()

	atomic.AddUint64(&w.restarts, 1)
	if previous != nil {
		_ = previous.Close()
	}
	return nil
}
