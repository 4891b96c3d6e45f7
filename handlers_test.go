package beacon

import (
	"testing"
)

func rawOf(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestGuildCreateUnavailableNotifies(t *testing.T) {
	s := newTestSession(t, "ws://unused")

	done := &Done{}
	guildCreateHandler{s}.Handle(done, rawOf(t, map[string]interface{}{
		"id":          "42",
		"unavailable": true,
	}))

	if done.resolved || done.failed {
		t.Fatalf("unavailable guild resolved=%v failed=%v, want notify only", done.resolved, done.failed)
	}
	if len(done.notes) != 1 {
		t.Fatalf("notes = %v", done.notes)
	}
	ug, ok := done.notes[0].(UnavailableGuild)
	if !ok || ug.ID != "42" {
		t.Errorf("note = %+v", done.notes[0])
	}
}

func TestGuildCreateCachesCollections(t *testing.T) {
	s := newTestSession(t, "ws://unused", func(o *Options) {
		o.LoadAllMembers = true
	})

	done := &Done{}
	guildCreateHandler{s}.Handle(done, rawOf(t, map[string]interface{}{
		"id":           "900",
		"name":         "testing grounds",
		"member_count": 2,
		"large":        true,
		"channels": []interface{}{
			map[string]interface{}{"id": "910", "name": "general", "type": 0},
		},
		"members": []interface{}{
			map[string]interface{}{"user": map[string]interface{}{"id": "110", "username": "someone"}},
		},
	}))

	if !done.resolved {
		t.Fatalf("guild create did not resolve: failed=%v err=%v", done.failed, done.err)
	}

	guild := Guild{}
	if err := s.Cache.HGet("guilds", "900", &guild); err != nil {
		t.Fatalf("guild not cached: %v", err)
	}
	if guild.MemberCount != 2 {
		t.Errorf("cached member_count = %d", guild.MemberCount)
	}

	channel := Channel{}
	if err := s.Cache.Get("channel:910", &channel); err != nil {
		t.Fatalf("channel not cached: %v", err)
	}
	if channel.GuildID != "900" {
		t.Errorf("cached channel guild id = %q", channel.GuildID)
	}

	member := Member{}
	if err := s.Cache.HGet("guild:900:members", "110", &member); err != nil {
		t.Fatalf("member not cached: %v", err)
	}

	if !s.largeGuilds.Contains("900") {
		t.Error("large guild not queued for member backfill")
	}
}

func TestGuildDeleteOutageMarksUnavailable(t *testing.T) {
	s := newTestSession(t, "ws://unused")

	done := &Done{}
	guildDeleteHandler{s}.Handle(done, rawOf(t, map[string]interface{}{
		"id":          "77",
		"unavailable": true,
	}))

	if !done.resolved {
		t.Fatal("outage delete did not resolve")
	}

	s.RLock()
	defer s.RUnlock()
	if !s.unavailable["77"] {
		t.Error("guild outage not recorded in unavailable set")
	}
}

func TestGuildDeleteRemovesCachedGuild(t *testing.T) {
	s := newTestSession(t, "ws://unused")

	s.Cache.HSet("guilds", "78", &Guild{ID: "78"})
	s.Cache.HSet("guild:78:members", "1", &Member{})

	done := &Done{}
	guildDeleteHandler{s}.Handle(done, rawOf(t, map[string]interface{}{"id": "78"}))

	if !done.resolved {
		t.Fatal("guild delete did not resolve")
	}

	guild := Guild{}
	if err := s.Cache.HGet("guilds", "78", &guild); err != ErrCacheMiss {
		t.Errorf("removed guild lookup returned %v", err)
	}
	if n, _ := s.Cache.HLen("guild:78:members"); n != 0 {
		t.Errorf("guild collections survived removal, %d members", n)
	}
}

func TestPresenceUpdateMutatesMember(t *testing.T) {
	s := newTestSession(t, "ws://unused")

	s.Cache.HSet("guild:900:members", "110", &Member{
		GuildID: "900",
		User:    &User{ID: "110"},
		Status:  StatusOffline,
	})

	done := &Done{}
	presenceUpdateHandler{s}.Handle(done, rawOf(t, map[string]interface{}{
		"user":     map[string]interface{}{"id": "110"},
		"guild_id": "900",
		"status":   "online",
		"game":     map[string]interface{}{"name": "a game"},
	}))

	if !done.resolved {
		t.Fatalf("presence update failed: %v", done.err)
	}

	member := Member{}
	if err := s.Cache.HGet("guild:900:members", "110", &member); err != nil {
		t.Fatal(err)
	}
	if member.Status != StatusOnline {
		t.Errorf("member status = %q, want online", member.Status)
	}
	if member.Game == nil || member.Game.Name != "a game" {
		t.Errorf("member game = %+v", member.Game)
	}
}

func TestHandlerFailureIsNotEmitted(t *testing.T) {
	s := newTestSession(t, "ws://unused")
	s.Lock()
	s.emittedReady = true
	s.Unlock()

	var fired bool
	s.On("GUILD_CREATE", func(e EventPayload) { fired = true })

	s.routeDispatch(&Packet{
		Operation: OpDispatch,
		Type:      "GUILD_CREATE",
		RawData:   []byte("{malformed"),
	}, false)

	if fired {
		t.Error("failed dispatch was emitted to subscribers")
	}
}

func TestMessageCreateAlias(t *testing.T) {
	s := newTestSession(t, "ws://unused")
	s.Lock()
	s.emittedReady = true
	s.Unlock()

	var names []string
	s.On("MESSAGE_CREATE", func(e EventPayload) { names = append(names, e.Name) })
	s.On("message", func(e EventPayload) { names = append(names, e.Name) })

	s.routeDispatch(&Packet{
		Operation: OpDispatch,
		Type:      "MESSAGE_CREATE",
		RawData:   rawOf(t, map[string]interface{}{"id": "1", "content": "hello"}),
	}, false)

	if len(names) != 2 || names[0] != "MESSAGE_CREATE" || names[1] != "message" {
		t.Errorf("emissions = %v, want the dispatch name then its alias", names)
	}
}

func TestUserUpdateRefreshesIdentity(t *testing.T) {
	s := newTestSession(t, "ws://unused")
	s.me = &User{ID: "110", Username: "old name"}

	done := &Done{}
	userUpdateHandler{s}.Handle(done, rawOf(t, map[string]interface{}{
		"id":       "110",
		"username": "new name",
	}))

	if !done.resolved {
		t.Fatal("user update did not resolve")
	}
	if me := s.Me(); me.Username != "new name" {
		t.Errorf("identity username = %q, want refreshed", me.Username)
	}
}
