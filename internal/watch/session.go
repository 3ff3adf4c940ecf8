package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"watchd/internal/event"
	"watchd/internal/logging"
	"watchd/internal/loop"
)

// State is a session lifecycle phase.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// DefaultRunDuration bounds Run when no duration is given.
const DefaultRunDuration = 20 * time.Second

// SessionOptions carries optional session collaborators.
type SessionOptions struct {
	Logger *logging.Logger
	// Bus, when set, receives every notification that matched a
	// registration, one publish per dispatch.
	Bus *event.Bus[Notification]
}

// Session wires a registry to a source and owns the watch lifecycle. A
// session runs once: Idle, then Running, then Stopped, with no way back.
type Session struct {
	registry   *Registry
	source     Source
	dispatcher *Dispatcher
	logger     *logging.Logger
	bus        *event.Bus[Notification]

	mu      sync.Mutex
	state   State
	handles []Handle
}

// NewSession builds a session. The loop is the scheduling context every
// handler runs on; it is captured here and assumed stable for the session's
// lifetime.
func NewSession(registry *Registry, source Source, taskLoop *loop.Loop, options SessionOptions) *Session {
	logger := options.Logger
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}
	return &Session{
		registry:   registry,
		source:     source,
		dispatcher: NewDispatcher(taskLoop),
		logger:     logger,
		bus:        options.Bus,
		state:      StateIdle,
	}
}

func (s *Session) State() State {
	if s == nil {
		return StateStopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start validates every registration, subscribes one filtering adapter per
// registration with recursive traversal, and starts the source. On any
// validation failure nothing is subscribed and the session stays Idle.
func (s *Session) Start() error {
	if s == nil {
		return fmt.Errorf("start: %w", ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("start: session is %s: %w", s.state, ErrInvalidTransition)
	}
	if s.source == nil {
		return fmt.Errorf("start: source is required: %w", ErrConfiguration)
	}

	registrations := s.registry.Registrations()
	for index, registration := range registrations {
		if err := validateRegistration(index, registration); err != nil {
			return err
		}
	}

	handles := make([]Handle, 0, len(registrations))
	closeAll := func() {
		for _, handle := range handles {
			_ = handle.Close()
		}
	}

	for _, registration := range registrations {
		bound := &adapter{
			registration: registration,
			dispatcher:   s.dispatcher,
			logger:       s.logger,
			bus:          s.bus,
		}
		handle, err := s.source.Watch(registration.Path, true, bound.deliver)
		if err != nil {
			closeAll()
			return fmt.Errorf("watch %s: %w", registration.Path, err)
		}
		handles = append(handles, handle)
	}

	if err := s.source.Start(); err != nil {
		closeAll()
		return fmt.Errorf("start source: %w", err)
	}

	// Sealed only now: a failed start leaves the session Idle and the
	// registry still open for corrections.
	s.registry.seal()
	s.handles = handles
	s.state = StateRunning
	s.logger.Info("watch session started", map[string]string{
		"registrations": fmt.Sprintf("%d", len(registrations)),
	})
	return nil
}

// Stop halts the source and blocks until its goroutines have terminated; no
// notification is filtered or scheduled after Stop returns. Handler tasks
// already scheduled on the loop still run to completion.
func (s *Session) Stop() error {
	if s == nil {
		return fmt.Errorf("stop: %w", ErrInvalidTransition)
	}
	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("stop: session is %s: %w", state, ErrInvalidTransition)
	}
	s.state = StateStopped
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	err := s.source.Stop()
	for _, handle := range handles {
		_ = handle.Close()
	}
	s.logger.Info("watch session stopped", nil)
	return err
}

// Run starts the session, holds it running for the given duration or until
// ctx is done, then stops it. A non-positive duration means
// DefaultRunDuration; use Start and Stop directly for an unbounded session.
func (s *Session) Run(ctx context.Context, duration time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if duration <= 0 {
		duration = DefaultRunDuration
	}
	if err := s.Start(); err != nil {
		return err
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return s.Stop()
}

func validateRegistration(index int, registration Registration) error {
	if registration.Handler == nil {
		return fmt.Errorf("registration %d (%s): handler is required: %w",
			index, registration.Path, ErrConfiguration)
	}
	if registration.Path == "" {
		return fmt.Errorf("registration %d: path is required: %w", index, ErrConfiguration)
	}
	if !registration.Kind.Valid() {
		return fmt.Errorf("registration %d (%s): unknown kind %q: %w",
			index, registration.Path, registration.Kind, ErrConfiguration)
	}
	return nil
}
