package watch

import (
	"os"
	"path/filepath"
	"strings"
)

// Matches reports whether a notification satisfies a registration: the kinds
// agree (or the registration uses KindAny) and the registration path is an
// ancestor of, or equal to, the notification path. Safe for concurrent use.
func Matches(registration Registration, notification Notification) bool {
	if registration.Kind != KindAny && registration.Kind != notification.Kind {
		return false
	}
	return isWithinPath(registration.Path, notification.Path)
}

func isWithinPath(parent, child string) bool {
	parentPath := filepath.Clean(parent)
	childPath := filepath.Clean(child)
	rel, err := filepath.Rel(parentPath, childPath)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return true
}
