package watch

import (
	"context"
	"testing"
)

func TestRegistrarReturnsHandlerUnchanged(t *testing.T) {
	registry := NewRegistry()

	called := false
	handler := Handler(func(context.Context, Notification) error {
		called = true
		return nil
	})

	returned := registry.OnCreated("/tmp/watched")(handler)
	if returned == nil {
		t.Fatal("registrar returned nil handler")
	}
	_ = returned(context.Background(), Notification{})
	if !called {
		t.Fatal("returned handler is not the registered one")
	}
	if registry.Len() != 1 {
		t.Fatalf("expected 1 registration, got %d", registry.Len())
	}
}

func TestRegistryPreservesInsertionOrder(t *testing.T) {
	registry := NewRegistry()
	noop := Handler(func(context.Context, Notification) error { return nil })

	registry.OnAny("/a")(noop)
	registry.OnDeleted("/b")(noop)
	registry.Register(KindMoved, "/c", noop)

	registrations := registry.Registrations()
	if len(registrations) != 3 {
		t.Fatalf("expected 3 registrations, got %d", len(registrations))
	}
	wantPaths := []string{"/a", "/b", "/c"}
	wantKinds := []Kind{KindAny, KindDeleted, KindMoved}
	for i, registration := range registrations {
		if registration.Path != wantPaths[i] || registration.Kind != wantKinds[i] {
			t.Fatalf("registration %d = {%s %s}, want {%s %s}",
				i, registration.Kind, registration.Path, wantKinds[i], wantPaths[i])
		}
	}
}

func TestRegistryRejectsRegistrationAfterSeal(t *testing.T) {
	registry := NewRegistry()
	registry.seal()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on registration after seal")
		}
	}()
	registry.OnAny("/tmp")(func(context.Context, Notification) error { return nil })
}

func TestRegistrationsReturnsCopy(t *testing.T) {
	registry := NewRegistry()
	registry.OnAny("/a")(func(context.Context, Notification) error { return nil })

	first := registry.Registrations()
	first[0].Path = "/mutated"

	if registry.Registrations()[0].Path != "/a" {
		t.Fatal("Registrations exposed internal state")
	}
}
