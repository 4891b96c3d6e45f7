package beacon

import (
	jsoniterator "github.com/json-iterator/go"
)

// A DispatchHandler hydrates one dispatch payload. Handlers are
// constructed per packet and are single-use.
type DispatchHandler interface {
	Handle(done *Done, data jsoniterator.RawMessage)
}

type handlerConstructor func(s *Session) DispatchHandler

type registryEntry struct {
	construct handlerConstructor

	// aliases are emitted alongside the dispatch name on success.
	aliases []string
}

// Done collects the outcome of a dispatch handler. Resolve and Fail are
// terminal; Notify records non-terminal progress that is logged only.
type Done struct {
	value    interface{}
	err      error
	notes    []interface{}
	resolved bool
	failed   bool
}

// Resolve marks the dispatch successful with the hydrated value.
func (d *Done) Resolve(v interface{}) {
	d.resolved, d.value = true, v
}

// Fail marks the dispatch failed. The event is not emitted.
func (d *Done) Fail(err error) {
	d.failed, d.err = true, err
}

// Notify records a progress value without terminating the dispatch.
func (d *Done) Notify(v interface{}) {
	d.notes = append(d.notes, v)
}

var defaultRegistry = make(map[string]registryEntry)

// addDispatch registers a handler constructor for a dispatch name.
func addDispatch(name string, construct handlerConstructor, aliases ...string) {
	if _, ok := defaultRegistry[name]; ok {
		return
	}
	defaultRegistry[name] = registryEntry{construct: construct, aliases: aliases}
}

// Registry is a session's view of the dispatch table, pruned by the
// disabled-events list at startup.
type Registry struct {
	entries map[string]registryEntry
}

func newRegistry(disabled []string) *Registry {
	entries := make(map[string]registryEntry, len(defaultRegistry))
	for name, entry := range defaultRegistry {
		if belongsToList(disabled, name) {
			continue
		}
		entries[name] = entry
	}
	return &Registry{entries: entries}
}

// routeDispatch runs the registered handler for a dispatch packet,
// deferring it when the ready event has not fired yet, then runs the
// internal handlers, which are never deferred.
func (s *Session) routeDispatch(p *Packet, resumed bool) {
	prior := s.Snapshot()

	if entry, ok := s.registry.entries[p.Type]; ok {
		run := func() { s.runHandler(entry, p, prior) }

		s.Lock()
		deferRun := !s.emittedReady && p.Type != "GUILD_CREATE"
		if deferRun {
			s.deferred = append(s.deferred, run)
		}
		s.Unlock()

		if !deferRun {
			run()
		}
	} else {
		s.log.Debug().Str("type", p.Type).Msg("no dispatch handler registered")
	}

	switch p.Type {
	case "READY":
		s.handleReady(p, resumed)
	case "RESUMED":
		s.handleResumed(p)
	case "GUILD_MEMBERS_CHUNK":
		s.handleGuildMembersChunk(p)
	case "VOICE_STATE_UPDATE":
		s.handleVoiceStateUpdate(p)
	case "VOICE_SERVER_UPDATE":
		s.handleVoiceServerUpdate(p)
	}
}

func (s *Session) runHandler(entry registryEntry, p *Packet, prior Snapshot) {
	handler := entry.construct(s)

	done := &Done{}
	handler.Handle(done, p.RawData)

	for _, note := range done.notes {
		s.log.Debug().Str("type", p.Type).Interface("data", note).Msg("dispatch handler progress")
	}

	switch {
	case done.failed:
		s.log.Warn().Err(done.err).Str("type", p.Type).Msg("dispatch handler failed")
	case done.resolved:
		p.Data = done.value
		s.emitWithPrior(p.Type, done.value, prior)
		for _, alias := range entry.aliases {
			s.emit(alias, done.value)
		}
	}
}

// ready emits the ready event at most once, then drains the dispatches
// that were deferred while bootstrapping.
func (s *Session) ready() {
	s.Lock()
	if s.emittedReady {
		s.Unlock()
		return
	}
	s.emittedReady = true
	queue := s.deferred
	s.deferred = nil
	me := s.me
	s.Unlock()

	s.log.Info().Int("deferred", len(queue)).Msg("session is now ready")
	s.emit(EventReady, me)

	for _, run := range queue {
		run()
	}
}
