package beacon

import "fmt"

// handleReady bootstraps the session from the READY payload: client
// identity, private channels, the guild index and the set of guilds that
// are still unavailable. When resuming, the cached view is kept and the
// payload is not re-parsed.
func (s *Session) handleReady(p *Packet, resumed bool) {
	if resumed {
		return
	}

	ready := Ready{}
	if err := json.Unmarshal(p.RawData, &ready); err != nil {
		s.log.Error().Err(err).Msg("failed to unmarshal ready")
		return
	}

	s.Lock()
	s.sessionID = ready.SessionID
	s.me = ready.User
	s.Unlock()

	if ready.User != nil {
		if err := s.Cache.Set(fmt.Sprintf("user:%s", ready.User.ID), ready.User); err != nil {
			s.log.Warn().Err(err).Msg("failed to save client user")
		}
	}

	for _, channel := range ready.PrivateChannels {
		s.cacheChannel(channel)
	}

	if len(ready.Trace) > 0 {
		s.emit(EventTrace, ready.Trace)
	}

	// Build the guild index. Guilds delivered as unavailable are recorded
	// and drained as their GUILD_CREATE arrives.
	unavailable := make(map[string]bool)
	for _, guild := range ready.Guilds {
		raw, err := json.Marshal(guild)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to re-encode ready guild")
			continue
		}

		done := &Done{}
		guildCreateHandler{s}.Handle(done, raw)
		for _, note := range done.notes {
			if ug, ok := note.(UnavailableGuild); ok {
				unavailable[ug.ID] = true
			}
		}
	}

	s.Lock()
	s.unavailable = unavailable
	empty := len(unavailable) == 0
	s.Unlock()

	s.log.Debug().Int("guilds", len(ready.Guilds)).Int("unavailable", len(unavailable)).Msg("ready bootstrap complete")

	if empty {
		s.afterBootstrap()
		return
	}

	var unsub func()
	unsub = s.emitter.On("GUILD_CREATE", func(e EventPayload) {
		guild, ok := e.Data.(*Guild)
		if !ok {
			return
		}

		s.Lock()
		delete(s.unavailable, guild.ID)
		remaining := len(s.unavailable)
		s.Unlock()

		if remaining == 0 {
			unsub()
			s.afterBootstrap()
		}
	})
}

// afterBootstrap hands control to the chunker when member backfill is
// enabled, otherwise the session is ready.
func (s *Session) afterBootstrap() {
	if s.LoadAllMembers {
		s.startChunker()
		return
	}
	s.ready()
}

// handleResumed logs the resume and surfaces the trace. The reconnecting
// flag is cleared by onEvent on the first dispatch after the handshake.
func (s *Session) handleResumed(p *Packet) {
	resumed := Resumed{}
	if err := json.Unmarshal(p.RawData, &resumed); err != nil {
		s.log.Warn().Err(err).Msg("failed to unmarshal resumed")
		return
	}

	s.log.Info().Msg("session resumed")

	if len(resumed.Trace) > 0 {
		s.emit(EventTrace, resumed.Trace)
	}
}
