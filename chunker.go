package beacon

import (
	"fmt"
	"time"
)

const (
	// chunkCheckInterval is how often outstanding backfills are checked.
	chunkCheckInterval = 5 * time.Second

	// chunkBatchSize is the number of guild IDs carried per chunk request.
	chunkBatchSize = 50

	// chunkSendSpacing is the delay between consecutive chunk requests.
	chunkSendSpacing = time.Second
)

// startChunker begins the large-guild member backfill. The first check
// runs immediately, then every chunkCheckInterval until every large
// guild has its members loaded, at which point the session is ready.
func (s *Session) startChunker() {
	s.Lock()
	if s.chunkerRunning {
		s.Unlock()
		return
	}
	s.chunkerRunning = true
	s.Unlock()

	go s.chunkLoop()
}

func (s *Session) chunkLoop() {
	ticker := time.NewTicker(chunkCheckInterval)
	defer ticker.Stop()

	for {
		if s.chunkCheck() {
			return
		}

		select {
		case <-ticker.C:
		case <-s.done:
			return
		}
	}
}

// chunkCheck dispatches chunk requests for guilds awaiting backfill and
// reports whether the chunker should stop: every backfill has completed,
// or the session shut down while requests were being sent.
func (s *Session) chunkCheck() bool {
	if s.largeGuilds.Len() == 0 && s.largeSent.Len() == 0 {
		s.Lock()
		s.chunkerRunning = false
		s.Unlock()

		s.ready()
		return true
	}

	// Move everything pending into the in-flight set before sending, so
	// a guild ID is never in both.
	pending := s.largeGuilds.Drain()
	for _, id := range pending {
		s.largeSent.Add(id)
	}

	for i := 0; i < len(pending); i += chunkBatchSize {
		if i > 0 {
			select {
			case <-time.After(chunkSendSpacing):
			case <-s.done:
				return true
			}
		}

		end := i + chunkBatchSize
		if end > len(pending) {
			end = len(pending)
		}

		s.log.Debug().Int("guilds", end-i).Msg("requesting guild member chunk")
		if err := s.RequestGuildMembers(pending[i:end], "", 0); err != nil {
			s.log.Warn().Err(err).Msg("failed to request guild members")
		}
	}

	return false
}

// handleGuildMembersChunk hydrates backfilled members into the guild's
// member collection and retires the guild once its member count is met.
func (s *Session) handleGuildMembersChunk(p *Packet) {
	chunk := GuildMembersChunk{}
	if err := json.Unmarshal(p.RawData, &chunk); err != nil {
		s.log.Warn().Err(err).Msg("failed to unmarshal guild members chunk")
		return
	}

	membersKey := fmt.Sprintf("guild:%s:members", chunk.GuildID)

	for _, member := range chunk.Members {
		if member.User == nil {
			continue
		}

		known, err := s.Cache.HExists(membersKey, member.User.ID)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to check for member in cache")
			continue
		}
		if known {
			continue
		}

		member.GuildID = chunk.GuildID
		member.Status = StatusOffline
		member.Game = nil

		if err = s.Cache.HSet(membersKey, member.User.ID, member); err != nil {
			s.log.Warn().Err(err).Msg("failed to save member")
		}
		if err = s.Cache.Set(fmt.Sprintf("user:%s", member.User.ID), member.User); err != nil {
			s.log.Warn().Err(err).Msg("failed to save user")
		}
	}

	if !s.largeSent.Contains(chunk.GuildID) {
		return
	}

	guild := Guild{}
	if err := s.Cache.HGet("guilds", chunk.GuildID, &guild); err != nil {
		s.log.Warn().Err(err).Str("guild", chunk.GuildID).Msg("member chunk referenced unknown guild")
		return
	}

	count, err := s.Cache.HLen(membersKey)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to count members")
		return
	}

	if int(count) >= guild.MemberCount {
		s.log.Debug().Str("guild", chunk.GuildID).Int64("count", count).Msg("guild members fully loaded")

		if s.largeSent.Remove(chunk.GuildID) && s.largeSent.Len() == 0 && s.largeGuilds.Len() == 0 {
			s.ready()
		}
	}
}
