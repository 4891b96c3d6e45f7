package beacon

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeTransport records open/close calls and can be told to fail.
type fakeTransport struct {
	openErr error
	opened  chan *VoiceClient
	closed  chan struct{}
}

func newFakeTransport(openErr error) *fakeTransport {
	return &fakeTransport{
		openErr: openErr,
		opened:  make(chan *VoiceClient, 1),
		closed:  make(chan struct{}, 1),
	}
}

func (f *fakeTransport) Open(vc *VoiceClient) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened <- vc
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed <- struct{}{}
	return nil
}

func voiceChannel(id, guildID string, bitrate int) *Channel {
	return &Channel{ID: id, GuildID: guildID, Type: ChannelTypeGuildVoice, Bitrate: bitrate}
}

func voiceSession(t *testing.T, transport VoiceTransport) *Session {
	t.Helper()

	s := newTestSession(t, "ws://unused", func(o *Options) {
		o.VoiceTransport = func(vc *VoiceClient) VoiceTransport { return transport }
	})
	s.me = &User{ID: "110", Username: "beacon"}
	return s
}

func stateUpdatePacket(t *testing.T, guildID, userID, sessionID string) *Packet {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"guild_id":   guildID,
		"user_id":    userID,
		"channel_id": "voice-1",
		"session_id": sessionID,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &Packet{Type: "VOICE_STATE_UPDATE", RawData: raw}
}

func serverUpdatePacket(t *testing.T, guildID, endpoint, token string) *Packet {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"guild_id": guildID,
		"endpoint": endpoint,
		"token":    token,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &Packet{Type: "VOICE_SERVER_UPDATE", RawData: raw}
}

// registerJoin installs a pending join the way JoinVoiceChannel does,
// without needing a live websocket for the outbound state update.
func registerJoin(s *Session, channel *Channel, mute, deaf bool) *voiceJoin {
	vj := &voiceJoin{
		guildID: channel.GuildID,
		channel: channel,
		mute:    mute,
		deaf:    deaf,
		result:  make(chan voiceJoinResult, 1),
	}
	s.voiceMu.Lock()
	s.voiceJoins[channel.GuildID] = vj
	s.voiceMu.Unlock()
	return vj
}

func awaitJoin(t *testing.T, vj *voiceJoin) voiceJoinResult {
	t.Helper()
	select {
	case res := <-vj.result:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("voice join did not complete")
		return voiceJoinResult{}
	}
}

func TestVoiceJoinStateThenServer(t *testing.T) {
	transport := newFakeTransport(nil)
	s := voiceSession(t, transport)

	vj := registerJoin(s, voiceChannel("voice-1", "800", 64000), false, true)

	s.handleVoiceStateUpdate(stateUpdatePacket(t, "800", "110", "vsess"))
	s.handleVoiceServerUpdate(serverUpdatePacket(t, "800", "voice.host:80", "vtoken"))

	res := awaitJoin(t, vj)
	if res.err != nil {
		t.Fatalf("join failed: %v", res.err)
	}

	vc := res.client
	if vc.SessionID != "vsess" || vc.Token != "vtoken" || vc.Endpoint != "voice.host:80" {
		t.Errorf("voice credentials = %q %q %q", vc.SessionID, vc.Token, vc.Endpoint)
	}
	if vc.UserID != "110" {
		t.Errorf("voice user id = %q, want 110", vc.UserID)
	}
	if !vc.Deaf || vc.Mute {
		t.Errorf("voice flags mute=%v deaf=%v, want false/true", vc.Mute, vc.Deaf)
	}
	if vc.Bitrate != 64000 {
		t.Errorf("bitrate = %d, want 64000 applied after transport ready", vc.Bitrate)
	}
	if s.VoiceClientFor("800") != vc {
		t.Error("voice client not registered in table")
	}
}

func TestVoiceJoinServerThenState(t *testing.T) {
	transport := newFakeTransport(nil)
	s := voiceSession(t, transport)

	vj := registerJoin(s, voiceChannel("voice-1", "801", 96000), true, false)

	// The two updates can arrive in either order.
	s.handleVoiceServerUpdate(serverUpdatePacket(t, "801", "voice.host:80", "vtoken"))
	s.handleVoiceStateUpdate(stateUpdatePacket(t, "801", "110", "vsess"))

	res := awaitJoin(t, vj)
	if res.err != nil {
		t.Fatalf("join failed: %v", res.err)
	}
	if res.client.SessionID != "vsess" || res.client.Token != "vtoken" {
		t.Errorf("voice credentials = %q %q", res.client.SessionID, res.client.Token)
	}
}

func TestVoiceJoinIgnoresOtherUsersAndGuilds(t *testing.T) {
	transport := newFakeTransport(nil)
	s := voiceSession(t, transport)

	vj := registerJoin(s, voiceChannel("voice-1", "802", 0), false, false)

	// Another user's state in the right guild, and our state in the
	// wrong guild, must not feed the join.
	s.handleVoiceStateUpdate(stateUpdatePacket(t, "802", "999", "other"))
	s.handleVoiceStateUpdate(stateUpdatePacket(t, "777", "110", "wrong"))
	s.handleVoiceServerUpdate(serverUpdatePacket(t, "802", "voice.host:80", "vtoken"))

	select {
	case <-vj.result:
		t.Fatal("join completed without the session's own state update")
	case <-time.After(100 * time.Millisecond):
	}

	s.handleVoiceStateUpdate(stateUpdatePacket(t, "802", "110", "vsess"))
	res := awaitJoin(t, vj)
	if res.err != nil || res.client.SessionID != "vsess" {
		t.Fatalf("join result %+v", res)
	}
}

func TestVoiceJoinTransportError(t *testing.T) {
	boom := errors.New("udp handshake failed")
	transport := newFakeTransport(boom)
	s := voiceSession(t, transport)

	vj := registerJoin(s, voiceChannel("voice-1", "803", 0), false, false)

	s.handleVoiceStateUpdate(stateUpdatePacket(t, "803", "110", "vsess"))
	s.handleVoiceServerUpdate(serverUpdatePacket(t, "803", "voice.host:80", "vtoken"))

	res := awaitJoin(t, vj)
	if res.err != boom {
		t.Fatalf("join error = %v, want transport error", res.err)
	}
	if s.VoiceClientFor("803") != nil {
		t.Error("failed voice client left in table")
	}
}

func TestVoiceJoinRejectsTextChannel(t *testing.T) {
	s := voiceSession(t, newFakeTransport(nil))

	_, err := s.JoinVoiceChannel(context.Background(), &Channel{ID: "1", GuildID: "804", Type: ChannelTypeGuildText}, false, false)
	if err != ErrNotVoiceChannel {
		t.Errorf("join of text channel returned %v, want ErrNotVoiceChannel", err)
	}
}

func TestVoiceJoinRejectsDuplicateGuild(t *testing.T) {
	s := voiceSession(t, newFakeTransport(nil))

	s.voiceMu.Lock()
	s.voiceClients["805"] = &VoiceClient{GuildID: "805", session: s}
	s.voiceMu.Unlock()

	_, err := s.JoinVoiceChannel(context.Background(), voiceChannel("voice-1", "805", 0), false, false)
	if err != ErrVoiceAlreadyJoined {
		t.Errorf("duplicate join returned %v, want ErrVoiceAlreadyJoined", err)
	}
}

func TestVoiceJoinRequiresTransport(t *testing.T) {
	s := newTestSession(t, "ws://unused")

	_, err := s.JoinVoiceChannel(context.Background(), voiceChannel("voice-1", "806", 0), false, false)
	if err != ErrNoVoiceTransport {
		t.Errorf("join without transport returned %v, want ErrNoVoiceTransport", err)
	}
}

func TestVoiceClientCloseRemovesTableEntry(t *testing.T) {
	transport := newFakeTransport(nil)
	s := voiceSession(t, transport)

	vj := registerJoin(s, voiceChannel("voice-1", "807", 0), false, false)
	s.handleVoiceStateUpdate(stateUpdatePacket(t, "807", "110", "vsess"))
	s.handleVoiceServerUpdate(serverUpdatePacket(t, "807", "voice.host:80", "vtoken"))

	res := awaitJoin(t, vj)
	if res.err != nil {
		t.Fatal(res.err)
	}

	if err := res.client.Close(); err != nil {
		t.Fatal(err)
	}
	if s.VoiceClientFor("807") != nil {
		t.Error("closed voice client left in table")
	}

	select {
	case <-transport.closed:
	default:
		t.Error("transport was not closed")
	}

	// Closing twice is harmless.
	if err := res.client.Close(); err != nil {
		t.Errorf("second close returned %v", err)
	}
}

func TestVoiceJoinOverWebsocket(t *testing.T) {
	mg := newMockGateway(t)
	transport := newFakeTransport(nil)
	s := newTestSession(t, mg.url(), func(o *Options) {
		o.VoiceTransport = func(vc *VoiceClient) VoiceTransport { return transport }
	})

	readyCh := make(chan struct{})
	s.On(EventReady, func(e EventPayload) { close(readyCh) })

	go s.Run()
	defer s.Shutdown()

	conn := mg.accept(t)
	defer conn.Close()
	readOp(t, conn, OpIdentify)
	sendDispatch(t, conn, "READY", 1, readyPayload("sess-voice"))
	waitFor(t, readyCh, "ready event")

	type joinResult struct {
		vc  *VoiceClient
		err error
	}
	results := make(chan joinResult, 1)
	go func() {
		vc, err := s.JoinVoiceChannel(context.Background(), voiceChannel("voice-1", "808", 48000), false, false)
		results <- joinResult{vc, err}
	}()

	// The gateway is asked to move the session into the channel.
	req := readOp(t, conn, OpVoiceStateUpdate)
	data := req["d"].(map[string]interface{})
	if data["guild_id"] != "808" || data["channel_id"] != "voice-1" {
		t.Fatalf("voice state update carried %v", data)
	}

	sendDispatch(t, conn, "VOICE_STATE_UPDATE", 2, map[string]interface{}{
		"guild_id":   "808",
		"user_id":    "110",
		"channel_id": "voice-1",
		"session_id": "vsess",
	})
	sendDispatch(t, conn, "VOICE_SERVER_UPDATE", 3, map[string]interface{}{
		"guild_id": "808",
		"endpoint": "voice.host:80",
		"token":    "vtoken",
	})

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("join failed: %v", res.err)
		}
		if res.vc.Bitrate != 48000 {
			t.Errorf("bitrate = %d, want 48000", res.vc.Bitrate)
		}
		if s.VoiceClientFor("808") != res.vc {
			t.Error("voice client not registered in table")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("voice join did not resolve")
	}
}
