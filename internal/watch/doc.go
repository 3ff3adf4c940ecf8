// Package watch routes filesystem change notifications to registered
// handlers. Notifications are detected on background watcher goroutines and
// handed off to a task loop, so handlers never run on the goroutine that
// observed the change.
package watch
