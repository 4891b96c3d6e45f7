package beacon

import "sync"

// A Handler receives a named event. Handlers run on the goroutine that
// emitted the event, so they must not block the session for long.
type Handler func(e EventPayload)

// EventPayload is handed to every subscriber of a named event.
type EventPayload struct {
	// Name the event was emitted under.
	Name string

	// Data carried by the event. The concrete type depends on the event.
	Data interface{}

	// Session the event fired on.
	Session *Session

	// Prior is a snapshot of the session taken before the event was
	// processed, usable for diffing.
	Prior Snapshot
}

// Snapshot is an immutable view of session identity at a point in time.
type Snapshot struct {
	SessionID  string
	Sequence   int64
	Reconnects int
	Ready      bool
}

type subscription struct {
	fn   Handler
	once bool
}

// Emitter routes named events to subscribers.
type Emitter struct {
	mu   sync.Mutex
	subs map[string][]*subscription
}

func newEmitter() *Emitter {
	return &Emitter{subs: make(map[string][]*subscription)}
}

// On subscribes fn to the named event and returns an unsubscribe function.
func (em *Emitter) On(name string, fn Handler) func() {
	return em.add(name, fn, false)
}

// Once subscribes fn to fire a single time, then remove itself.
func (em *Emitter) Once(name string, fn Handler) func() {
	return em.add(name, fn, true)
}

func (em *Emitter) add(name string, fn Handler, once bool) func() {
	sub := &subscription{fn: fn, once: once}

	em.mu.Lock()
	em.subs[name] = append(em.subs[name], sub)
	em.mu.Unlock()

	return func() { em.remove(name, sub) }
}

func (em *Emitter) remove(name string, sub *subscription) {
	em.mu.Lock()
	defer em.mu.Unlock()

	subs := em.subs[name]
	for i, s := range subs {
		if s == sub {
			em.subs[name] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Emit fires the named event. One-shot subscribers are removed before
// their handler runs, so a handler resubscribing itself is safe.
func (em *Emitter) Emit(e EventPayload) {
	em.mu.Lock()
	subs := em.subs[e.Name]
	fns := make([]Handler, 0, len(subs))
	remaining := subs[:0]
	for _, s := range subs {
		fns = append(fns, s.fn)
		if !s.once {
			remaining = append(remaining, s)
		}
	}
	em.subs[e.Name] = remaining
	em.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
