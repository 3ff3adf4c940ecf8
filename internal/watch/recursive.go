package watch

import (
	"io/fs"
	"path/filepath"
)

// collectDirs lists every directory below root, excluding root itself.
// Unreadable entries are skipped.
func collectDirs(root string) ([]string, error) {
	dirs := []string{}
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() || path == root {
			return nil
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs, err
}

func (w *Watcher) recursivelyCoveredLocked(path string) bool {
	for _, entry := range w.entries {
		if entry.recursive && entry.covers(path) {
			return true
		}
	}
	return false
}

// expandDir brings a directory created under a recursive root, and anything
// already inside it, into the watch set. Additions here are not tied to a
// handle; they are released when the source stops.
func (w *Watcher) expandDir(dir string) {
	paths := []string{dir}
	if subdirs, err := collectDirs(dir); err == nil {
		paths = append(paths, subdirs...)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	for _, path := range paths {
		if w.watched[path] > 0 {
			continue
		}
		if len(w.watched) >= w.maxWatches {
			w.logWarn("recursive expansion hit watch limit", map[string]string{
				"path": path,
			})
			return
		}
		if err := w.fs.Add(path); err != nil {
			w.logWarn("watch add failed", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
			continue
		}
		w.watched[path] = 1
		w.dirs[filepath.Clean(path)] = struct{}{}
	}
}
