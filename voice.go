package beacon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// voiceJoinTimeout bounds a join attempt when the caller's context has
// no deadline of its own.
const voiceJoinTimeout = 10 * time.Second

// ErrNotVoiceChannel is returned when joining a channel users cannot
// connect to for voice.
var ErrNotVoiceChannel = errors.New("channel is not a voice channel")

// ErrVoiceAlreadyJoined is returned when a voice client already exists,
// or a join is already in flight, for the guild.
var ErrVoiceAlreadyJoined = errors.New("voice client already exists for this guild")

// ErrNoVoiceTransport is returned when no voice transport was configured.
var ErrNoVoiceTransport = errors.New("no voice transport configured")

// VoiceTransport is the voice data plane for one guild. Open must return
// once the transport is ready to send and receive; Close tears it down.
type VoiceTransport interface {
	Open(vc *VoiceClient) error
	Close() error
}

// VoiceTransportFactory constructs the data plane for a joined channel.
type VoiceTransportFactory func(vc *VoiceClient) VoiceTransport

// VoiceClient holds the credentials of an established voice session and
// the transport built on them.
type VoiceClient struct {
	GuildID   string
	ChannelID string
	UserID    string

	// Server-assigned voice session credentials.
	SessionID string
	Token     string
	Endpoint  string

	Mute bool
	Deaf bool

	// Bitrate of the joined channel, applied once the transport is ready.
	Bitrate int

	Log zerolog.Logger

	session   *Session
	transport VoiceTransport
	closeOnce sync.Once
}

// Close tears down the transport and removes the client from the
// session's voice client table.
func (v *VoiceClient) Close() (err error) {
	v.closeOnce.Do(func() {
		if v.transport != nil {
			err = v.transport.Close()
		}
		v.session.removeVoiceClient(v.GuildID)
	})
	return
}

// voiceJoin is the per-attempt state machine combining the two gateway
// updates a join needs. The updates may arrive in either order.
type voiceJoin struct {
	guildID string
	channel *Channel
	mute    bool
	deaf    bool

	sessionID string
	token     string
	endpoint  string

	haveState  bool
	haveServer bool

	result chan voiceJoinResult
}

type voiceJoinResult struct {
	client *VoiceClient
	err    error
}

type voiceStateUpdateOp struct {
	Op   int                  `json:"op"`
	Data voiceStateUpdateData `json:"d"`
}

type voiceStateUpdateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// JoinVoiceChannel asks the gateway to move the session into a voice
// channel and waits for the voice session to be usable. Exactly one of
// the returned client or error is set. A nil context gets a default
// timeout.
func (s *Session) JoinVoiceChannel(ctx context.Context, channel *Channel, mute, deaf bool) (*VoiceClient, error) {
	if channel == nil || !channel.IsVoice() {
		return nil, ErrNotVoiceChannel
	}
	if s.voiceTransport == nil {
		return nil, ErrNoVoiceTransport
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, voiceJoinTimeout)
		defer cancel()
	}

	s.voiceMu.Lock()
	if _, ok := s.voiceClients[channel.GuildID]; ok {
		s.voiceMu.Unlock()
		return nil, ErrVoiceAlreadyJoined
	}
	if _, ok := s.voiceJoins[channel.GuildID]; ok {
		s.voiceMu.Unlock()
		return nil, ErrVoiceAlreadyJoined
	}

	vj := &voiceJoin{
		guildID: channel.GuildID,
		channel: channel,
		mute:    mute,
		deaf:    deaf,
		result:  make(chan voiceJoinResult, 1),
	}
	s.voiceJoins[channel.GuildID] = vj
	s.voiceMu.Unlock()

	if err := s.sendVoiceStateUpdate(channel.GuildID, &channel.ID, mute, deaf); err != nil {
		s.abortVoiceJoin(channel.GuildID)
		return nil, err
	}

	select {
	case res := <-vj.result:
		return res.client, res.err
	case <-ctx.Done():
		s.abortVoiceJoin(channel.GuildID)
		return nil, ctx.Err()
	}
}

// VoiceClientFor returns the voice client for a guild, or nil.
func (s *Session) VoiceClientFor(guildID string) *VoiceClient {
	s.voiceMu.Lock()
	defer s.voiceMu.Unlock()
	return s.voiceClients[guildID]
}

func (s *Session) removeVoiceClient(guildID string) {
	s.voiceMu.Lock()
	delete(s.voiceClients, guildID)
	s.voiceMu.Unlock()
}

func (s *Session) abortVoiceJoin(guildID string) {
	s.voiceMu.Lock()
	delete(s.voiceJoins, guildID)
	s.voiceMu.Unlock()
}

// sendVoiceStateUpdate tells the gateway to move the session between
// voice channels. A nil channel ID disconnects.
func (s *Session) sendVoiceStateUpdate(guildID string, channelID *string, mute, deaf bool) (err error) {
	s.RLock()
	defer s.RUnlock()
	if s.wsConn == nil {
		return ErrWSNotFound
	}

	op := voiceStateUpdateOp{
		Op: OpVoiceStateUpdate,
		Data: voiceStateUpdateData{
			GuildID:   guildID,
			ChannelID: channelID,
			SelfMute:  mute,
			SelfDeaf:  deaf,
		},
	}

	s.wsMutex.Lock()
	err = s.wsConn.WriteJSON(op)
	s.wsMutex.Unlock()

	return
}

// handleVoiceStateUpdate feeds the session's own voice state into any
// pending join for the guild.
func (s *Session) handleVoiceStateUpdate(p *Packet) {
	state := VoiceState{}
	if err := json.Unmarshal(p.RawData, &state); err != nil {
		s.log.Warn().Err(err).Msg("failed to unmarshal voice state update")
		return
	}

	me := s.Me()
	if me == nil || state.UserID != me.ID {
		return
	}

	s.voiceMu.Lock()
	vj, ok := s.voiceJoins[state.GuildID]
	if !ok {
		s.voiceMu.Unlock()
		return
	}
	vj.sessionID = state.SessionID
	vj.haveState = true
	complete := vj.haveState && vj.haveServer
	s.voiceMu.Unlock()

	if complete {
		s.completeVoiceJoin(vj)
	}
}

// handleVoiceServerUpdate feeds the voice server assignment into any
// pending join for the guild.
func (s *Session) handleVoiceServerUpdate(p *Packet) {
	update := VoiceServerUpdate{}
	if err := json.Unmarshal(p.RawData, &update); err != nil {
		s.log.Warn().Err(err).Msg("failed to unmarshal voice server update")
		return
	}

	s.voiceMu.Lock()
	vj, ok := s.voiceJoins[update.GuildID]
	if !ok {
		s.voiceMu.Unlock()
		return
	}
	vj.token = update.Token
	vj.endpoint = update.Endpoint
	vj.haveServer = true
	complete := vj.haveState && vj.haveServer
	s.voiceMu.Unlock()

	if complete {
		s.completeVoiceJoin(vj)
	}
}

// completeVoiceJoin builds the voice client from the accumulated context,
// registers it and opens the transport. The join resolves when the
// transport is ready and the channel bitrate has been applied.
func (s *Session) completeVoiceJoin(vj *voiceJoin) {
	me := s.Me()

	s.voiceMu.Lock()
	if _, ok := s.voiceJoins[vj.guildID]; !ok {
		// The join was cancelled while the updates were in flight.
		s.voiceMu.Unlock()
		return
	}
	delete(s.voiceJoins, vj.guildID)

	vc := &VoiceClient{
		GuildID:   vj.guildID,
		ChannelID: vj.channel.ID,
		SessionID: vj.sessionID,
		Token:     vj.token,
		Endpoint:  vj.endpoint,
		Mute:      vj.mute,
		Deaf:      vj.deaf,
		Log:       s.log.With().Str("guild", vj.guildID).Logger(),
		session:   s,
	}
	if me != nil {
		vc.UserID = me.ID
	}
	vc.transport = s.voiceTransport(vc)
	s.voiceClients[vj.guildID] = vc
	s.voiceMu.Unlock()

	go func() {
		if err := vc.transport.Open(vc); err != nil {
			vc.Log.Warn().Err(err).Msg("voice transport failed to open")
			s.removeVoiceClient(vj.guildID)
			vj.result <- voiceJoinResult{err: err}
			return
		}

		vc.Bitrate = vj.channel.Bitrate
		vj.result <- voiceJoinResult{client: vc}
	}()
}
