package watch

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"watchd/internal/logging"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultMaxWatches  = 256
	maxRestartAttempts = 3
	restartBaseDelay   = 200 * time.Millisecond
)

var (
	ErrMaxWatchesExceeded = errors.New("max watches exceeded")
	ErrSourceStarted      = errors.New("source already started")
	ErrSourceStopped      = errors.New("source is stopped")
)

// SourceOptions controls the fsnotify-backed source.
type SourceOptions struct {
	Logger     *logging.Logger
	MaxWatches int
	// ErrorHandler receives the terminal error when the backend could not
	// be restarted.
	ErrorHandler func(error)
}

// Watcher is the fsnotify-backed Source. Construct with NewWatcher, register
// paths with Watch, then Start; Stop tears everything down and joins the
// watcher goroutines. A Watcher is not restartable after Stop.
type Watcher struct {
	mu      sync.Mutex
	fs      *fsnotify.Watcher
	entries []*watchEntry
	watched map[string]int
	dirs    map[string]struct{}
	started bool
	stopped bool
	nextID  uint64

	events chan fsnotify.Event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	logger       *logging.Logger
	maxWatches   int
	errorHandler func(error)

	restartMutex    sync.Mutex
	restartAttempts int
	restartTimer    *time.Timer

	delivered  uint64
	errorCount uint64
	restarts   uint64
}

// SourceMetrics reports source counters.
type SourceMetrics struct {
	ActiveWatches int
	Delivered     uint64
	Errors        uint64
	Restarts      uint64
}

type watchEntry struct {
	id        uint64
	root      string
	recursive bool
	callback  func(Notification)
	paths     []string
}

func (entry *watchEntry) covers(path string) bool {
	if entry.recursive {
		return isWithinPath(entry.root, path)
	}
	root := filepath.Clean(entry.root)
	cleaned := filepath.Clean(path)
	return cleaned == root || filepath.Dir(cleaned) == root
}

// NewWatcher creates a source. No goroutines run until Start.
func NewWatcher(options SourceOptions) (*Watcher, error) {
	backend, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}
	maxWatches := options.MaxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}

	return &Watcher{
		fs:           backend,
		watched:      make(map[string]int),
		dirs:         make(map[string]struct{}),
		events:       make(chan fsnotify.Event, 64),
		errors:       make(chan error, 4),
		done:         make(chan struct{}),
		logger:       logger,
		maxWatches:   maxWatches,
		errorHandler: options.ErrorHandler,
	}, nil
}

// Watch registers a callback for changes under path. With recursive set, the
// whole subtree is covered, including directories created later.
func (w *Watcher) Watch(path string, recursive bool, callback func(Notification)) (Handle, error) {
	if w == nil {
		return nil, errors.New("watcher is nil")
	}
	if path == "" {
		return nil, errors.New("path is required")
	}
	if callback == nil {
		return nil, errors.New("callback is required")
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	paths := []string{path}
	if recursive && info.IsDir() {
		subdirs, err := collectDirs(path)
		if err != nil {
			return nil, err
		}
		paths = append(paths, subdirs...)
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil, ErrSourceStopped
	}

	added := make([]string, 0, len(paths))
	for _, candidate := range paths {
		ok, err := w.refPathLocked(candidate)
		if err != nil {
			w.unrefPathsLocked(added)
			w.mu.Unlock()
			return nil, err
		}
		if ok {
			added = append(added, candidate)
		}
	}
	if info.IsDir() {
		for _, dir := range paths {
			w.dirs[filepath.Clean(dir)] = struct{}{}
		}
	}

	w.nextID++
	entry := &watchEntry{
		id:        w.nextID,
		root:      path,
		recursive: recursive,
		callback:  callback,
		paths:     paths,
	}
	w.entries = append(w.entries, entry)
	active := len(w.watched)
	w.mu.Unlock()

	w.logDebug("watch added", path, active)
	return &sourceHandle{watcher: w, id: entry.id}, nil
}

// Start launches the forwarder and dispatch goroutines.
func (w *Watcher) Start() error {
	if w == nil {
		return errors.New("watcher is nil")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrSourceStopped
	}
	if w.started {
		return ErrSourceStarted
	}
	w.started = true
	w.startForwarder(w.fs)
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop terminates the backend and blocks until every watcher goroutine has
// exited. No callback fires after Stop returns. Idempotent.
func (w *Watcher) Stop() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	backend := w.fs
	w.mu.Unlock()

	w.restartMutex.Lock()
	if w.restartTimer != nil {
		w.restartTimer.Stop()
		w.restartTimer = nil
	}
	w.restartMutex.Unlock()

	close(w.done)
	var err error
	if backend != nil {
		err = backend.Close()
	}
	w.wg.Wait()
	return err
}

func (w *Watcher) Metrics() SourceMetrics {
	if w == nil {
		return SourceMetrics{}
	}
	w.mu.Lock()
	active := len(w.watched)
	w.mu.Unlock()
	return SourceMetrics{
		ActiveWatches: active,
		Delivered:     atomic.LoadUint64(&w.delivered),
		Errors:        atomic.LoadUint64(&w.errorCount),
		Restarts:      atomic.LoadUint64(&w.restarts),
	}
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case event := <-w.events:
			w.handleEvent(event)
		case err := <-w.errors:
			w.handleError(err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) startForwarder(source *fsnotify.Watcher) {
	if source == nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case event, ok := <-source.Events:
				if !ok {
					return
				}
				select {
				case w.events <- event:
				case <-w.done:
					return
				}
			case err, ok := <-source.Errors:
				if !ok {
					return
				}
				select {
				case w.errors <- err:
				case <-w.done:
					return
				}
			case <-w.done:
				return
			}
		}
	}()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	kind, ok := kindForOp(event.Op)
	if !ok {
		return
	}

	notification := Notification{
		Kind:      kind,
		Path:      event.Name,
		Timestamp: time.Now().UTC(),
	}
	cleaned := filepath.Clean(event.Name)

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}

	expand := false
	switch kind {
	case KindDeleted, KindMoved:
		if _, ok := w.dirs[cleaned]; ok {
			notification.IsDir = true
			delete(w.dirs, cleaned)
		}
	default:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			notification.IsDir = true
			w.dirs[cleaned] = struct{}{}
			expand = kind == KindCreated && w.recursivelyCoveredLocked(event.Name)
		}
	}

	var callbacks []func(Notification)
	for _, entry := range w.entries {
		if entry.covers(event.Name) {
			callbacks = append(callbacks, entry.callback)
		}
	}
	w.mu.Unlock()

	if expand {
		w.expandDir(event.Name)
	}
	for _, callback := range callbacks {
		callback(notification)
		atomic.AddUint64(&w.delivered, 1)
	}
}

func (w *Watcher) handleError(err error) {
	if err == nil {
		return
	}
	atomic.AddUint64(&w.errorCount, 1)
	w.logWarn("watcher error", map[string]string{
		"error": err.Error(),
	})
	w.scheduleRestart(err)
}

func kindForOp(op fsnotify.Op) (Kind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return KindCreated, true
	case op.Has(fsnotify.Remove):
		return KindDeleted, true
	case op.Has(fsnotify.Rename):
		return KindMoved, true
	case op.Has(fsnotify.Write):
		return KindModified, true
	default:
		// Chmod has no notification kind.
		return "", false
	}
}

// refPathLocked adds one reference to path, registering it with the backend
// on the first reference. Reports whether a reference was taken.
func (w *Watcher) refPathLocked(path string) (bool, error) {
	if count := w.watched[path]; count > 0 {
		w.watched[path] = count + 1
		return true, nil
	}
	if len(w.watched) >= w.maxWatches {
		return false, ErrMaxWatchesExceeded
	}
	if err := w.fs.Add(path); err != nil {
		return false, err
	}
	w.watched[path] = 1
	return true, nil
}

func (w *Watcher) unrefPathsLocked(paths []string) {
	for _, path := range paths {
		count := w.watched[path]
		if count > 1 {
			w.watched[path] = count - 1
			continue
		}
		if count == 1 {
			delete(w.watched, path)
			if w.fs != nil {
				if err := w.fs.Remove(path); err != nil {
					w.logWarn("watch remove failed", map[string]string{
						"path":  path,
						"error": err.Error(),
					})
				}
			}
		}
	}
}

func (w *Watcher) removeEntry(id uint64) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	var removed *watchEntry
	for index, entry := range w.entries {
		if entry.id == id {
			removed = entry
			w.entries = append(w.entries[:index], w.entries[index+1:]...)
			break
		}
	}
	if removed == nil || w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.unrefPathsLocked(removed.paths)
	active := len(w.watched)
	w.mu.Unlock()

	w.logDebug("watch removed", removed.root, active)
	return nil
}

type sourceHandle struct {
	watcher *Watcher
	id      uint64
	once    sync.Once
}

func (handle *sourceHandle) Close() error {
	if handle == nil || handle.watcher == nil {
		return nil
	}
	var err error
	handle.once.Do(func() {
		err = handle.watcher.removeEntry(handle.id)
	})
	return err
}

func (w *Watcher) logWarn(message string, fields map[string]string) {
	if w == nil || w.logger == nil {
		return
	}
	w.logger.Warn(message, fields)
}

func (w *Watcher) logDebug(message, path string, activeCount int) {
	if w == nil || w.logger == nil {
		return
	}
	w.logger.Debug(message, map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(activeCount),
	})
}
