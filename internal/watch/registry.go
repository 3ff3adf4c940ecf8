package watch

import "sync"

// Registration binds a handler to an event kind and a watch path.
type Registration struct {
	Kind    Kind
	Path    string
	Handler Handler
}

// Registrar records a handler and returns it unchanged, so registrations can
// wrap handler declarations.
type Registrar func(handler Handler) Handler

// Registry is an insertion-ordered collection of registrations. It is
// mutable only until a session starts; the session seals it and then reads
// it without synchronization.
type Registry struct {
	mu            sync.Mutex
	registrations []Registration
	sealed        bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// On returns a registrar for the given kind and path. Kind and handler are
// not validated here; the session validates every registration at start.
func (r *Registry) On(kind Kind, path string) Registrar {
	return func(handler Handler) Handler {
		r.add(Registration{Kind: kind, Path: path, Handler: handler})
		return handler
	}
}

func (r *Registry) OnAny(path string) Registrar      { return r.On(KindAny, path) }
func (r *Registry) OnCreated(path string) Registrar  { return r.On(KindCreated, path) }
func (r *Registry) OnDeleted(path string) Registrar  { return r.On(KindDeleted, path) }
func (r *Registry) OnModified(path string) Registrar { return r.On(KindModified, path) }
func (r *Registry) OnMoved(path string) Registrar    { return r.On(KindMoved, path) }

// Register records a registration directly and returns the handler.
func (r *Registry) Register(kind Kind, path string, handler Handler) Handler {
	r.add(Registration{Kind: kind, Path: path, Handler: handler})
	return handler
}

func (r *Registry) add(registration Registration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic("watch: registration after session start")
	}
	r.registrations = append(r.registrations, registration)
}

// Registrations returns a copy in insertion order.
func (r *Registry) Registrations() []Registration {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Registration, len(r.registrations))
	copy(out, r.registrations)
	return out
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.registrations)
}

func (r *Registry) seal() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}
