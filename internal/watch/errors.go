package watch

import "errors"

var (
	// ErrConfiguration marks a registration problem detected at session
	// start, before anything is subscribed.
	ErrConfiguration = errors.New("invalid watch configuration")

	// ErrInvalidTransition marks a lifecycle call made in the wrong state.
	ErrInvalidTransition = errors.New("invalid session state transition")
)
