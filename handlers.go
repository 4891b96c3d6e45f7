package beacon

import (
	"fmt"

	jsoniterator "github.com/json-iterator/go"
)

func init() {
	addDispatch("READY", newReadyHandler)
	addDispatch("RESUMED", newResumedHandler)

	addDispatch("GUILD_CREATE", newGuildCreateHandler)
	addDispatch("GUILD_UPDATE", newGuildUpdateHandler)
	addDispatch("GUILD_DELETE", newGuildDeleteHandler)

	addDispatch("GUILD_ROLE_CREATE", newGuildRoleHandler)
	addDispatch("GUILD_ROLE_UPDATE", newGuildRoleHandler)
	addDispatch("GUILD_ROLE_DELETE", newGuildRoleDeleteHandler)

	addDispatch("GUILD_BAN_ADD", newGuildBanHandler)
	addDispatch("GUILD_BAN_REMOVE", newGuildBanHandler)

	addDispatch("GUILD_EMOJIS_UPDATE", newGuildEmojisUpdateHandler)

	addDispatch("GUILD_MEMBER_ADD", newGuildMemberAddHandler)
	addDispatch("GUILD_MEMBER_UPDATE", newGuildMemberAddHandler)
	addDispatch("GUILD_MEMBER_REMOVE", newGuildMemberRemoveHandler)
	addDispatch("GUILD_MEMBERS_CHUNK", newGuildMembersChunkHandler)

	addDispatch("CHANNEL_CREATE", newChannelUpsertHandler)
	addDispatch("CHANNEL_UPDATE", newChannelUpsertHandler)
	addDispatch("CHANNEL_DELETE", newChannelDeleteHandler)

	addDispatch("MESSAGE_CREATE", newMessageHandler, "message")
	addDispatch("MESSAGE_UPDATE", newMessageHandler)
	addDispatch("MESSAGE_DELETE", newMessageHandler)

	addDispatch("USER_UPDATE", newUserUpdateHandler)
	addDispatch("PRESENCE_UPDATE", newPresenceUpdateHandler)
	addDispatch("TYPING_START", newTypingStartHandler)

	addDispatch("VOICE_STATE_UPDATE", newVoiceStateUpdateHandler)
	addDispatch("VOICE_SERVER_UPDATE", newVoiceServerUpdateHandler)
}

type readyHandler struct{ s *Session }

func newReadyHandler(s *Session) DispatchHandler { return readyHandler{s} }

func (h readyHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	ready := Ready{}
	if err := json.Unmarshal(data, &ready); err != nil {
		done.Fail(err)
		return
	}
	done.Resolve(&ready)
}

type resumedHandler struct{ s *Session }

func newResumedHandler(s *Session) DispatchHandler { return resumedHandler{s} }

func (h resumedHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	resumed := Resumed{}
	if err := json.Unmarshal(data, &resumed); err != nil {
		done.Fail(err)
		return
	}
	done.Resolve(&resumed)
}

type guildCreateHandler struct{ s *Session }

func newGuildCreateHandler(s *Session) DispatchHandler { return guildCreateHandler{s} }

func (h guildCreateHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	guild := &Guild{}
	if err := json.Unmarshal(data, guild); err != nil {
		done.Fail(err)
		return
	}

	if guild.Unavailable {
		// The guild exists but its data is withheld. Bootstrap records
		// the ID and waits for the real GUILD_CREATE.
		done.Notify(UnavailableGuild{ID: guild.ID, Unavailable: true})
		return
	}

	h.s.cacheGuild(guild)

	if h.s.LoadAllMembers && guild.Large {
		h.s.largeGuilds.Add(guild.ID)
	}

	done.Resolve(guild)
}

type guildUpdateHandler struct{ s *Session }

func newGuildUpdateHandler(s *Session) DispatchHandler { return guildUpdateHandler{s} }

func (h guildUpdateHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	guild := &Guild{}
	if err := json.Unmarshal(data, guild); err != nil {
		done.Fail(err)
		return
	}

	if err := h.s.Cache.HSet("guilds", guild.ID, guild); err != nil {
		h.s.log.Warn().Err(err).Msg("failed to save guild")
	}

	done.Resolve(guild)
}

type guildDeleteHandler struct{ s *Session }

func newGuildDeleteHandler(s *Session) DispatchHandler { return guildDeleteHandler{s} }

func (h guildDeleteHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	partial := UnavailableGuild{}
	if err := json.Unmarshal(data, &partial); err != nil {
		done.Fail(err)
		return
	}

	if partial.Unavailable {
		// The guild has gone down, not been left.
		h.s.Lock()
		h.s.unavailable[partial.ID] = true
		h.s.Unlock()

		done.Resolve(&partial)
		return
	}

	if err := h.s.Cache.HDel("guilds", partial.ID); err != nil {
		h.s.log.Warn().Err(err).Msg("failed to remove guild")
	}
	if err := h.s.Cache.Clear(fmt.Sprintf("guild:%s:*", partial.ID)); err != nil {
		h.s.log.Warn().Err(err).Msg("failed to remove guild collections")
	}

	done.Resolve(&partial)
}

type guildRoleHandler struct{ s *Session }

func newGuildRoleHandler(s *Session) DispatchHandler { return guildRoleHandler{s} }

func (h guildRoleHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	role := GuildRole{}
	if err := json.Unmarshal(data, &role); err != nil {
		done.Fail(err)
		return
	}

	if role.Role != nil {
		if err := h.s.Cache.HSet(fmt.Sprintf("guild:%s:roles", role.GuildID), role.Role.ID, role.Role); err != nil {
			h.s.log.Warn().Err(err).Msg("failed to save role")
		}
	}

	done.Resolve(&role)
}

type guildRoleDeleteHandler struct{ s *Session }

func newGuildRoleDeleteHandler(s *Session) DispatchHandler { return guildRoleDeleteHandler{s} }

func (h guildRoleDeleteHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	role := GuildRoleDelete{}
	if err := json.Unmarshal(data, &role); err != nil {
		done.Fail(err)
		return
	}

	if err := h.s.Cache.HDel(fmt.Sprintf("guild:%s:roles", role.GuildID), role.RoleID); err != nil {
		h.s.log.Warn().Err(err).Msg("failed to remove role")
	}

	done.Resolve(&role)
}

type guildBanHandler struct{ s *Session }

func newGuildBanHandler(s *Session) DispatchHandler { return guildBanHandler{s} }

func (h guildBanHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	ban := GuildBan{}
	if err := json.Unmarshal(data, &ban); err != nil {
		done.Fail(err)
		return
	}
	done.Resolve(&ban)
}

type guildEmojisUpdateHandler struct{ s *Session }

func newGuildEmojisUpdateHandler(s *Session) DispatchHandler { return guildEmojisUpdateHandler{s} }

func (h guildEmojisUpdateHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	emojis := GuildEmojisUpdate{}
	if err := json.Unmarshal(data, &emojis); err != nil {
		done.Fail(err)
		return
	}

	for _, emoji := range emojis.Emojis {
		if err := h.s.Cache.HSet(fmt.Sprintf("guild:%s:emojis", emojis.GuildID), emoji.ID, emoji); err != nil {
			h.s.log.Warn().Err(err).Msg("failed to save emoji")
		}
	}

	done.Resolve(&emojis)
}

type guildMemberAddHandler struct{ s *Session }

func newGuildMemberAddHandler(s *Session) DispatchHandler { return guildMemberAddHandler{s} }

func (h guildMemberAddHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	member := &Member{}
	if err := json.Unmarshal(data, member); err != nil {
		done.Fail(err)
		return
	}
	if member.User == nil {
		done.Fail(errMissingUser)
		return
	}

	if err := h.s.Cache.HSet(fmt.Sprintf("guild:%s:members", member.GuildID), member.User.ID, member); err != nil {
		h.s.log.Warn().Err(err).Msg("failed to save member")
	}
	if err := h.s.Cache.Set(fmt.Sprintf("user:%s", member.User.ID), member.User); err != nil {
		h.s.log.Warn().Err(err).Msg("failed to save user")
	}

	done.Resolve(member)
}

type guildMemberRemoveHandler struct{ s *Session }

func newGuildMemberRemoveHandler(s *Session) DispatchHandler { return guildMemberRemoveHandler{s} }

func (h guildMemberRemoveHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	member := &Member{}
	if err := json.Unmarshal(data, member); err != nil {
		done.Fail(err)
		return
	}
	if member.User == nil {
		done.Fail(errMissingUser)
		return
	}

	if err := h.s.Cache.HDel(fmt.Sprintf("guild:%s:members", member.GuildID), member.User.ID); err != nil {
		h.s.log.Warn().Err(err).Msg("failed to remove member")
	}

	done.Resolve(member)
}

type guildMembersChunkHandler struct{ s *Session }

func newGuildMembersChunkHandler(s *Session) DispatchHandler { return guildMembersChunkHandler{s} }

func (h guildMembersChunkHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	chunk := GuildMembersChunk{}
	if err := json.Unmarshal(data, &chunk); err != nil {
		done.Fail(err)
		return
	}
	done.Resolve(&chunk)
}

type channelUpsertHandler struct{ s *Session }

func newChannelUpsertHandler(s *Session) DispatchHandler { return channelUpsertHandler{s} }

func (h channelUpsertHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	channel := &Channel{}
	if err := json.Unmarshal(data, channel); err != nil {
		done.Fail(err)
		return
	}

	h.s.cacheChannel(channel)

	done.Resolve(channel)
}

type channelDeleteHandler struct{ s *Session }

func newChannelDeleteHandler(s *Session) DispatchHandler { return channelDeleteHandler{s} }

func (h channelDeleteHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	channel := &Channel{}
	if err := json.Unmarshal(data, channel); err != nil {
		done.Fail(err)
		return
	}

	if err := h.s.Cache.Delete(fmt.Sprintf("channel:%s", channel.ID)); err != nil {
		h.s.log.Warn().Err(err).Msg("failed to remove channel")
	}
	if channel.GuildID != "" {
		if err := h.s.Cache.HDel(fmt.Sprintf("guild:%s:channels", channel.GuildID), channel.ID); err != nil {
			h.s.log.Warn().Err(err).Msg("failed to remove channel from guild")
		}
	}

	done.Resolve(channel)
}

type messageHandler struct{ s *Session }

func newMessageHandler(s *Session) DispatchHandler { return messageHandler{s} }

func (h messageHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	message := &Message{}
	if err := json.Unmarshal(data, message); err != nil {
		done.Fail(err)
		return
	}
	done.Resolve(message)
}

type userUpdateHandler struct{ s *Session }

func newUserUpdateHandler(s *Session) DispatchHandler { return userUpdateHandler{s} }

func (h userUpdateHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	user := &User{}
	if err := json.Unmarshal(data, user); err != nil {
		done.Fail(err)
		return
	}

	if err := h.s.Cache.Set(fmt.Sprintf("user:%s", user.ID), user); err != nil {
		h.s.log.Warn().Err(err).Msg("failed to save user")
	}

	h.s.Lock()
	if h.s.me != nil && h.s.me.ID == user.ID {
		h.s.me = user
	}
	h.s.Unlock()

	done.Resolve(user)
}

type presenceUpdateHandler struct{ s *Session }

func newPresenceUpdateHandler(s *Session) DispatchHandler { return presenceUpdateHandler{s} }

func (h presenceUpdateHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	presence := PresenceUpdate{}
	if err := json.Unmarshal(data, &presence); err != nil {
		done.Fail(err)
		return
	}
	if presence.User == nil {
		done.Fail(errMissingUser)
		return
	}

	membersKey := fmt.Sprintf("guild:%s:members", presence.GuildID)
	member := Member{}
	if err := h.s.Cache.HGet(membersKey, presence.User.ID, &member); err == nil {
		member.Status = presence.Status
		member.Game = presence.Game
		if err = h.s.Cache.HSet(membersKey, presence.User.ID, &member); err != nil {
			h.s.log.Warn().Err(err).Msg("failed to save member presence")
		}
	}

	done.Resolve(&presence)
}

type typingStartHandler struct{ s *Session }

func newTypingStartHandler(s *Session) DispatchHandler { return typingStartHandler{s} }

func (h typingStartHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	typing := TypingStart{}
	if err := json.Unmarshal(data, &typing); err != nil {
		done.Fail(err)
		return
	}
	done.Resolve(&typing)
}

type voiceStateUpdateHandler struct{ s *Session }

func newVoiceStateUpdateHandler(s *Session) DispatchHandler { return voiceStateUpdateHandler{s} }

func (h voiceStateUpdateHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	state := &VoiceState{}
	if err := json.Unmarshal(data, state); err != nil {
		done.Fail(err)
		return
	}

	key := fmt.Sprintf("guild:%s:voicestates", state.GuildID)
	if state.ChannelID == "" {
		if err := h.s.Cache.HDel(key, state.UserID); err != nil {
			h.s.log.Warn().Err(err).Msg("failed to remove voice state")
		}
	} else if err := h.s.Cache.HSet(key, state.UserID, state); err != nil {
		h.s.log.Warn().Err(err).Msg("failed to save voice state")
	}

	done.Resolve(state)
}

type voiceServerUpdateHandler struct{ s *Session }

func newVoiceServerUpdateHandler(s *Session) DispatchHandler { return voiceServerUpdateHandler{s} }

func (h voiceServerUpdateHandler) Handle(done *Done, data jsoniterator.RawMessage) {
	update := VoiceServerUpdate{}
	if err := json.Unmarshal(data, &update); err != nil {
		done.Fail(err)
		return
	}
	done.Resolve(&update)
}

// cacheGuild stores a guild and its collections.
func (s *Session) cacheGuild(guild *Guild) {
	if err := s.Cache.HSet("guilds", guild.ID, guild); err != nil {
		s.log.Warn().Err(err).Msg("failed to save guild")
	}

	for _, channel := range guild.Channels {
		channel.GuildID = guild.ID
		s.cacheChannel(channel)
	}

	membersKey := fmt.Sprintf("guild:%s:members", guild.ID)
	for _, member := range guild.Members {
		if member.User == nil {
			continue
		}
		member.GuildID = guild.ID
		if err := s.Cache.HSet(membersKey, member.User.ID, member); err != nil {
			s.log.Warn().Err(err).Msg("failed to save member")
		}
		if err := s.Cache.Set(fmt.Sprintf("user:%s", member.User.ID), member.User); err != nil {
			s.log.Warn().Err(err).Msg("failed to save user")
		}
	}

	statesKey := fmt.Sprintf("guild:%s:voicestates", guild.ID)
	for _, state := range guild.VoiceStates {
		state.GuildID = guild.ID
		if err := s.Cache.HSet(statesKey, state.UserID, state); err != nil {
			s.log.Warn().Err(err).Msg("failed to save voice state")
		}
	}
}

// cacheChannel stores a channel, indexing DM channels by recipient.
func (s *Session) cacheChannel(channel *Channel) {
	if err := s.Cache.Set(fmt.Sprintf("channel:%s", channel.ID), channel); err != nil {
		s.log.Warn().Err(err).Msg("failed to save channel")
	}

	if channel.GuildID != "" {
		if err := s.Cache.HSet(fmt.Sprintf("guild:%s:channels", channel.GuildID), channel.ID, channel); err != nil {
			s.log.Warn().Err(err).Msg("failed to save channel to guild")
		}
	}

	for _, recipient := range channel.Recipients {
		if err := s.Cache.Set(fmt.Sprintf("dm:%s", recipient.ID), channel.ID); err != nil {
			s.log.Warn().Err(err).Msg("failed to index private channel")
		}
	}
}
