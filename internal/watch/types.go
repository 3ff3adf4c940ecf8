package watch

import (
	"context"
	"strings"
	"time"
)

// Kind classifies a filesystem change.
type Kind string

const (
	KindCreated  Kind = "created"
	KindDeleted  Kind = "deleted"
	KindModified Kind = "modified"
	KindMoved    Kind = "moved"

	// KindAny matches every kind when used in a registration. It never
	// appears on a notification.
	KindAny Kind = "any"
)

func (kind Kind) Valid() bool {
	switch kind {
	case KindCreated, KindDeleted, KindModified, KindMoved, KindAny:
		return true
	default:
		return false
	}
}

func ParseKind(value string) (Kind, bool) {
	kind := Kind(strings.ToLower(strings.TrimSpace(value)))
	if !kind.Valid() {
		return "", false
	}
	return kind, true
}

// Notification is a single filesystem change report.
type Notification struct {
	Kind      Kind
	Path      string
	IsDir     bool
	Timestamp time.Time
}

// Handler processes a notification as a task on the session's loop.
type Handler func(ctx context.Context, notification Notification) error

// Handle releases a single watch registration on a Source.
type Handle interface {
	Close() error
}

// Source produces raw notifications from background goroutines. Callbacks
// run synchronously on those goroutines and must not block. Stop returns
// only after all source goroutines have terminated; no callback fires after
// Stop returns.
type Source interface {
	Watch(path string, recursive bool, callback func(Notification)) (Handle, error)
	Start() error
	Stop() error
}
