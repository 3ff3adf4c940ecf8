package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"watchd/internal/event"
	"watchd/internal/loop"
)

// fakeSource records subscriptions and lets tests inject notifications the
// way a watcher goroutine would deliver them.
type fakeSource struct {
	mu        sync.Mutex
	callbacks []func(Notification)
	paths     []string
	started   bool
	stopped   bool
	startErr  error
}

type fakeHandle struct{}

func (fakeHandle) Close() error { return nil }

func (s *fakeSource) Watch(path string, recursive bool, callback func(Notification)) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !recursive {
		return nil, errors.New("expected recursive subscription")
	}
	s.callbacks = append(s.callbacks, callback)
	s.paths = append(s.paths, path)
	return fakeHandle{}, nil
}

func (s *fakeSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *fakeSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *fakeSource) inject(notification Notification) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	callbacks := append([]func(Notification){}, s.callbacks...)
	s.mu.Unlock()
	for _, callback := range callbacks {
		callback(notification)
	}
}

func (s *fakeSource) watchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callbacks)
}

func newTestSession(t *testing.T, registry *Registry, source Source) (*Session, *loop.Loop) {
	t.Helper()
	taskLoop := loop.New(context.Background(), loop.Options{})
	t.Cleanup(taskLoop.Close)
	return NewSession(registry, source, taskLoop, SessionOptions{}), taskLoop
}

func TestSessionStartRejectsNilHandler(t *testing.T) {
	registry := NewRegistry()
	registry.OnCreated("/tmp/watched")(func(context.Context, Notification) error { return nil })
	registry.Register(KindAny, "/tmp/other", nil)

	source := &fakeSource{}
	session, _ := newTestSession(t, registry, source)

	err := session.Start()
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if session.State() != StateIdle {
		t.Fatalf("expected Idle after failed start, got %s", session.State())
	}
	if source.watchCount() != 0 {
		t.Fatalf("expected no subscriptions, got %d", source.watchCount())
	}

	// Even an injected notification must reach nothing.
	source.inject(Notification{Kind: KindCreated, Path: "/tmp/watched/file.txt"})
}

func TestSessionStartRejectsUnknownKind(t *testing.T) {
	registry := NewRegistry()
	registry.On(Kind("renamed"), "/tmp")(func(context.Context, Notification) error { return nil })

	session, _ := newTestSession(t, registry, &fakeSource{})
	if err := session.Start(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestSessionLifecycleTransitions(t *testing.T) {
	registry := NewRegistry()
	registry.OnAny("/tmp")(func(context.Context, Notification) error { return nil })
	source := &fakeSource{}
	session, _ := newTestSession(t, registry, source)

	if err := session.Stop(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("stop on idle session: expected ErrInvalidTransition, got %v", err)
	}
	if err := session.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if session.State() != StateRunning {
		t.Fatalf("expected Running, got %s", session.State())
	}
	if err := session.Start(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second start: expected ErrInvalidTransition, got %v", err)
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if session.State() != StateStopped {
		t.Fatalf("expected Stopped, got %s", session.State())
	}
	if err := session.Stop(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second stop: expected ErrInvalidTransition, got %v", err)
	}
	if err := session.Start(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("start after stop: expected ErrInvalidTransition, got %v", err)
	}
}

func TestSessionFailedStartLeavesRegistryOpen(t *testing.T) {
	registry := NewRegistry()
	registry.OnAny("/tmp")(func(context.Context, Notification) error { return nil })

	source := &fakeSource{startErr: errors.New("backend unavailable")}
	session, _ := newTestSession(t, registry, source)

	if err := session.Start(); err == nil {
		t.Fatal("expected start failure")
	}
	if session.State() != StateIdle {
		t.Fatalf("expected Idle after failed start, got %s", session.State())
	}

	// The registry must still accept corrections after a failed start.
	registry.OnCreated("/tmp/extra")(func(context.Context, Notification) error { return nil })

	source.mu.Lock()
	source.startErr = nil
	source.mu.Unlock()

	if err := session.Start(); err != nil {
		t.Fatalf("retry start: %v", err)
	}
	if session.State() != StateRunning {
		t.Fatalf("expected Running after retry, got %s", session.State())
	}
	defer session.Stop()

	// Only now is the registry sealed.
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on registration after successful start")
		}
	}()
	registry.OnAny("/late")(func(context.Context, Notification) error { return nil })
}

func TestSessionDispatchesMatchingNotification(t *testing.T) {
	registry := NewRegistry()
	received := make(chan Notification, 2)
	registry.OnCreated("/tmp/watched")(func(_ context.Context, notification Notification) error {
		received <- notification
		return nil
	})

	source := &fakeSource{}
	session, _ := newTestSession(t, registry, source)
	if err := session.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer session.Stop()

	source.inject(Notification{Kind: KindCreated, Path: "/tmp/watched/file.txt"})
	source.inject(Notification{Kind: KindCreated, Path: "/tmp/other/file.txt"})

	select {
	case notification := <-received:
		if notification.Path != "/tmp/watched/file.txt" {
			t.Fatalf("unexpected path %q", notification.Path)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}

	select {
	case notification := <-received:
		t.Fatalf("unexpected second dispatch for %q", notification.Path)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSessionDispatchesInSubmissionOrder(t *testing.T) {
	registry := NewRegistry()
	kinds := make(chan Kind, 3)
	registry.OnAny("/tmp/watched")(func(_ context.Context, notification Notification) error {
		kinds <- notification.Kind
		return nil
	})

	source := &fakeSource{}
	session, _ := newTestSession(t, registry, source)
	if err := session.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer session.Stop()

	for _, kind := range []Kind{KindCreated, KindModified, KindDeleted} {
		source.inject(Notification{Kind: kind, Path: "/tmp/watched/file.txt"})
	}

	for _, expected := range []Kind{KindCreated, KindModified, KindDeleted} {
		select {
		case kind := <-kinds:
			if kind != expected {
				t.Fatalf("got %s, want %s", kind, expected)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", expected)
		}
	}
}

func TestSessionStopHaltsDelivery(t *testing.T) {
	registry := NewRegistry()
	received := make(chan Notification, 1)
	registry.OnAny("/tmp")(func(_ context.Context, notification Notification) error {
		received <- notification
		return nil
	})

	source := &fakeSource{}
	session, _ := newTestSession(t, registry, source)
	if err := session.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !source.stopped {
		t.Fatal("expected source to be stopped")
	}

	source.inject(Notification{Kind: KindCreated, Path: "/tmp/file.txt"})
	select {
	case <-received:
		t.Fatal("notification delivered after stop")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSessionPublishesMatchesToBus(t *testing.T) {
	bus := event.NewBus[Notification](context.Background(), event.BusOptions{})
	defer bus.Close()
	stream, cancel := bus.Subscribe()
	defer cancel()

	registry := NewRegistry()
	registry.OnModified("/tmp/watched")(func(context.Context, Notification) error { return nil })

	source := &fakeSource{}
	taskLoop := loop.New(context.Background(), loop.Options{})
	t.Cleanup(taskLoop.Close)
	session := NewSession(registry, source, taskLoop, SessionOptions{Bus: bus})
	if err := session.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer session.Stop()

	source.inject(Notification{Kind: KindModified, Path: "/tmp/watched/file.txt"})
	source.inject(Notification{Kind: KindDeleted, Path: "/tmp/watched/file.txt"})

	select {
	case notification := <-stream:
		if notification.Kind != KindModified {
			t.Fatalf("expected modified on bus, got %s", notification.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bus publish")
	}
	select {
	case notification := <-stream:
		t.Fatalf("unmatched notification published: %s", notification.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSessionRunBoundedDuration(t *testing.T) {
	registry := NewRegistry()
	registry.OnAny("/tmp")(func(context.Context, Notification) error { return nil })
	source := &fakeSource{}
	session, _ := newTestSession(t, registry, source)

	start := time.Now()
	if err := session.Run(context.Background(), 50*time.Millisecond); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("run returned after %s, before the bound", elapsed)
	}
	if session.State() != StateStopped {
		t.Fatalf("expected Stopped after run, got %s", session.State())
	}
}

func TestSessionRunCancelledByContext(t *testing.T) {
	registry := NewRegistry()
	registry.OnAny("/tmp")(func(context.Context, Notification) error { return nil })
	session, _ := newTestSession(t, registry, &fakeSource{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx, time.Hour)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after context cancellation")
	}
}
