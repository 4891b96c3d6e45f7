package beacon

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sablewing/beacon/client"
)

const (
	// ackDeadline is how long after a heartbeat send an acknowledgement
	// may take before the watchdog fires and the heartbeat is re-sent.
	ackDeadline = 5 * time.Second

	// MaxHeartbeatFailures is the number of unacknowledged heartbeats
	// tolerated before forcing a connection restart.
	MaxHeartbeatFailures = 5

	// BufferSize sets a maximum buffer size for channels
	BufferSize = 2048

	// maxReconnectWait caps the reconnect backoff, in seconds.
	maxReconnectWait = 600

	largeThreshold = 250
)

// Session represents a single gateway connection and the state built on
// top of it. All mutable session state is guarded by the embedded mutex;
// websocket writes are serialized separately by wsMutex.
type Session struct {
	// Prevent other major Session functions being called
	sync.RWMutex

	// Authentication token
	Token string

	// Should the session reconnect on errors
	ShouldReconnectOnError bool

	// Should the session request compressed websocket data.
	Compress bool

	// Sharding
	ShardID    int
	ShardCount int

	// The REST client, used only to discover the gateway URL
	Client *client.Client

	// The user agent used for REST APIs
	UserAgent string

	// Cache that entities are hydrated into
	Cache Cache

	// Presence the bot will start with
	Presence UpdateStatusData

	// LoadAllMembers enables the large-guild member backfill
	LoadAllMembers bool

	// Stores the last HeartbeatAck that was received (in UTC)
	LastHeartbeatAck time.Time

	// Stores the last Heartbeat sent (local time with its monotonic reading)
	LastHeartbeatSent time.Time

	// The websocket connection.
	wsConn *websocket.Conn

	// When nil, the session is not listening.
	listening chan interface{}

	// sequence tracks the current gateway api websocket sequence number
	sequence *int64

	// stores sessions current Discord Gateway
	gateway string

	// wire encoding appended to the gateway address
	encoding string

	// stores session ID of current Gateway connection
	sessionID string

	// used to make sure gateway websocket writes do not happen concurrently
	wsMutex sync.Mutex

	// logging interface
	log *zerolog.Logger

	emitter  *Emitter
	registry *Registry

	// identity of the logged in user, from READY
	me *User

	// set when the session dropped and the next handshake should resume
	reconnecting bool
	reconnects   int

	// the ready event fires at most once per session
	emittedReady bool

	// dispatches deferred until the ready event has been emitted
	deferred []func()

	// guilds withheld from READY, drained as GUILD_CREATE arrives
	unavailable map[string]bool

	// large guilds awaiting a member chunk request, and those with a
	// request in flight. A guild ID lives in at most one of the two.
	largeGuilds    *LockSet
	largeSent      *LockSet
	chunkerRunning bool

	// heartbeat ACK watchdog
	ackTimer   *time.Timer
	missedAcks int

	// voice state, written by the join coordinator and close callbacks
	voiceMu        sync.Mutex
	voiceClients   map[string]*VoiceClient
	voiceJoins     map[string]*voiceJoin
	voiceTransport VoiceTransportFactory

	// optional relay of emitted events to consumers
	relay   *Producer
	produce chan StreamEvent

	done         chan struct{}
	shutdownOnce sync.Once
	fatalErr     error
}

// Run discovers the gateway, connects and blocks until the session is
// shut down or hits a terminal error.
func (s *Session) Run() error {
	s.Lock()
	if s.gateway == "" {
		gw, err := s.Client.Gateway()
		if err != nil {
			s.log.Warn().Err(err).Msg("gateway discovery failed, using default")
			gw = EndpointGateway
		}
		s.gateway = gatewayAddr(gw, s.encoding)
	} else if !strings.Contains(s.gateway, "?") {
		s.gateway = gatewayAddr(s.gateway, s.encoding)
	}
	s.Unlock()

	if s.relay != nil {
		go s.forwardProduce()
	}

	if err := s.Open(); err != nil {
		return err
	}

	<-s.done

	s.RLock()
	defer s.RUnlock()
	return s.fatalErr
}

// gatewayAddr appends the version and encoding query to a gateway URL.
// A single trailing slash is trimmed first.
func gatewayAddr(gateway, encoding string) string {
	return strings.TrimSuffix(gateway, "/") + "/?v=" + APIVersion + "&encoding=" + encoding
}

// Open connects to the gateway and starts listening. The handshake reads
// HELLO, answers with IDENTIFY or RESUME and spawns the heartbeat and
// listen goroutines.
func (s *Session) Open() error {
	var err error

	// Prevent this or other important functions from
	// being called again once it is running.
	s.Lock()
	defer s.Unlock()

	// If the websocket is already open, we should not reopen.
	if s.wsConn != nil {
		return ErrWSAlreadyOpen
	}

	s.log.Info().Str("gateway", s.gateway).Msg("connecting to gateway")

	header := http.Header{}
	header.Add("accept-encoding", "zlib")

	s.wsConn, _, err = websocket.DefaultDialer.Dial(s.gateway, header)
	if err != nil {
		s.log.Error().Err(err).Str("gateway", s.gateway).Msg("error connecting to gateway")
		s.wsConn = nil // remove ws just incase.
		return err
	}

	s.wsConn.SetCloseHandler(func(code int, text string) error {
		return nil
	})

	defer func() {
		// when exiting, err must be set and will then close
		if err != nil {
			s.wsConn.Close()
			s.wsConn = nil
		}
	}()

	mt, m, err := s.wsConn.ReadMessage()
	if err != nil {
		return err
	}

	p, err := decodeFrame(mt, m)
	if err != nil {
		s.log.Error().Err(err).Msg("error decoding websocket message")
		return err
	}

	if p.Operation != OpHello {
		err = fmt.Errorf("expecting Op %d, got Op %d instead", OpHello, p.Operation)
		return err
	}
	s.log.Debug().Msg("hello packet received from gateway")

	var h Hello
	if err = json.Unmarshal(p.RawData, &h); err != nil {
		return err
	}

	s.LastHeartbeatAck = time.Now().UTC()
	s.missedAcks = 0

	// We now have to either Resume or Identify.
	if s.reconnecting && s.sessionID != "" {
		err = s.resume()
	} else {
		s.reconnecting = false
		err = s.identify()
	}
	if err != nil {
		s.log.Error().Err(err).Str("gateway", s.gateway).Msg("error sending handshake packet")
		return err
	}

	if len(h.Trace) > 0 {
		// The session lock is held for the rest of the handshake.
		go s.emit(EventTrace, h.Trace)
	}

	// Create listening chan outside of listen, as it needs to happen inside
	// the mutex lock and needs to exist before calling heartbeat and listen
	// go routines.
	s.listening = make(chan interface{})

	go s.heartbeat(s.listening, h.HeartbeatInterval*time.Millisecond)
	go s.listen(s.wsConn, s.listening)

	return nil
}

// identify sends the identify packet to the gateway
func (s *Session) identify() error {
	properties := identifyProperties{
		OS:      runtime.GOOS,
		Browser: s.UserAgent,
		Device:  s.UserAgent,
	}

	data := identifyData{
		Token:          s.Token,
		Properties:     properties,
		LargeThreshold: largeThreshold,
		Compress:       s.Compress,
		Presence:       s.Presence,
	}

	if s.ShardCount > 1 {
		if s.ShardID >= s.ShardCount {
			return ErrWSShardBounds
		}
		data.Shard = &[2]int{s.ShardID, s.ShardCount}
	}

	s.log.Debug().Msg("sending identify packet to gateway")

	s.wsMutex.Lock()
	err := s.wsConn.WriteJSON(Identify{OpIdentify, data})
	s.wsMutex.Unlock()

	return err
}

// resume sends the resume packet to continue the previous session
func (s *Session) resume() error {
	p := Resume{
		Op: OpResume,
		Data: resumeData{
			Token:     s.Token,
			SessionID: s.sessionID,
			Sequence:  atomic.LoadInt64(s.sequence),
		},
	}

	s.log.Debug().Str("session", s.sessionID).Int64("seq", p.Data.Sequence).Msg("sending resume packet to gateway")

	s.wsMutex.Lock()
	err := s.wsConn.WriteJSON(p)
	s.wsMutex.Unlock()

	return err
}

// listen polls the websocket connection for packets, it will stop when
// the listening channel is closed, or an error occurs.
func (s *Session) listen(wsConn *websocket.Conn, listening <-chan interface{}) {
	for {
		messageType, message, err := wsConn.ReadMessage()
		if err != nil {
			// Detect if we have been closed manually. If a Close() has
			// already happened, the websocket we are listening on will be
			// different to the current session.
			s.RLock()
			sameConnection := s.wsConn == wsConn
			s.RUnlock()

			if sameConnection {
				if websocket.IsCloseError(err, CloseInvalidToken) {
					s.fail(ErrInvalidToken)
					return
				}

				s.log.Error().Err(err).Str("gateway", s.gateway).Msg("error reading from gateway websocket")
				if err := s.Close(); err != nil {
					s.log.Warn().Err(err).Msg("error closing session connection")
				}
				s.reconnect()
			}
			return
		}

		select {
		case <-listening:
			return
		default:
			s.onEvent(messageType, message)
		}
	}
}

// heartbeat sends regular heartbeats to Discord so it knows the client
// is still connected. If you do not send these heartbeats Discord will
// disconnect the websocket connection after a few seconds.
func (s *Session) heartbeat(listening <-chan interface{}, interval time.Duration) {
	if listening == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.sendHeartbeat()

		select {
		case <-ticker.C:
			// continue loop and send heartbeat
		case <-listening:
			s.stopAckWatchdog()
			return
		}
	}
}

// sendHeartbeat writes one heartbeat with the current sequence and arms
// the ACK watchdog.
func (s *Session) sendHeartbeat() {
	s.RLock()
	conn := s.wsConn
	s.RUnlock()
	if conn == nil {
		return
	}

	sequence := atomic.LoadInt64(s.sequence)
	s.log.Debug().Int("shard", s.ShardID).Int64("seq", sequence).Msg("sending gateway websocket heartbeat")

	s.wsMutex.Lock()
	s.LastHeartbeatSent = time.Now()
	err := conn.WriteJSON(Heartbeat{OpHeartbeat, sequence})
	s.wsMutex.Unlock()

	if err != nil {
		s.log.Error().Str("gateway", s.gateway).Err(err).Msg("error sending heartbeat to gateway")
		s.Close()
		s.reconnect()
		return
	}

	s.emit(EventHeartbeat, sequence)
	s.armAckWatchdog()
}

// armAckWatchdog starts the ACK deadline for the heartbeat that was just
// sent. At most one watchdog is armed at a time.
func (s *Session) armAckWatchdog() {
	s.Lock()
	defer s.Unlock()

	if s.ackTimer != nil {
		s.ackTimer.Stop()
	}
	s.ackTimer = time.AfterFunc(ackDeadline, s.onAckDeadline)
}

func (s *Session) stopAckWatchdog() {
	s.Lock()
	defer s.Unlock()

	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}
}

// onAckDeadline fires when a heartbeat went unacknowledged. The heartbeat
// is re-sent until MaxHeartbeatFailures is hit, at which point the
// connection is restarted.
func (s *Session) onAckDeadline() {
	s.Lock()
	s.missedAcks++
	missed := s.missedAcks
	s.Unlock()

	if missed >= MaxHeartbeatFailures {
		s.log.Error().Int("missed", missed).Msg("haven't gotten heartbeat ACK, triggering reconnection")
		s.Close()
		s.reconnect()
		return
	}

	s.log.Warn().Int("missed", missed).Msg("heartbeat was not acknowledged in time, sending another")
	s.sendHeartbeat()
}

// onEvent decodes a frame and routes it by opcode.
func (s *Session) onEvent(messageType int, message []byte) (*Packet, error) {
	p, err := decodeFrame(messageType, message)
	if err != nil {
		s.log.Error().Err(err).Msg("error decoding websocket message")
		return nil, err
	}

	switch p.Operation {
	case OpDispatch:
		// Store the message sequence before dispatching.
		if p.Sequence != 0 {
			atomic.StoreInt64(s.sequence, p.Sequence)
		}

		s.Lock()
		wasReconnecting := s.reconnecting
		s.reconnecting = false
		s.Unlock()

		if wasReconnecting {
			s.emit(EventReconnected, p.Type)
		}

		s.emit(EventRaw, p)
		s.routeDispatch(p, wasReconnecting)

	case OpHeartbeat:
		// Ping request. Must respond with a heartbeat packet within
		// 5 seconds, without disturbing the periodic schedule.
		s.log.Debug().Msg("sending heartbeat in response to server heartbeat request")
		s.wsMutex.Lock()
		err = s.wsConn.WriteJSON(Heartbeat{OpHeartbeat, atomic.LoadInt64(s.sequence)})
		s.wsMutex.Unlock()
		if err != nil {
			s.log.Error().Err(err).Msg("error sending heartbeat in response to server request")
			return p, err
		}

	case OpReconnect:
		// Must immediately disconnect from gateway and reconnect.
		s.log.Debug().Msg("closing and reconnecting in response to reconnect request")
		s.Close()
		s.reconnect()

	case OpInvalidSession:
		// Must respond with an identify packet, not a resume.
		s.log.Debug().Msg("sending identify packet to gateway in response to invalid session")

		s.Lock()
		s.reconnecting = false
		s.Unlock()

		if err = s.identify(); err != nil {
			s.log.Warn().Err(err).Str("gateway", s.gateway).Msg("error sending gateway identify packet")
			return p, err
		}

	case OpHello:
		// Handled by Open()

	case OpHeartbeatAck:
		s.Lock()
		s.LastHeartbeatAck = time.Now().UTC()
		s.missedAcks = 0
		if s.ackTimer != nil {
			s.ackTimer.Stop()
			s.ackTimer = nil
		}
		rtt := time.Since(s.LastHeartbeatSent)
		s.Unlock()

		s.emit(EventHeartbeatAck, rtt.Milliseconds())

	default:
		// Unknown opcodes are ignored.
		s.log.Debug().Int("op", p.Operation).Str("type", p.Type).Msg("unknown opcode")
	}

	return p, nil
}

// reconnect re-opens the session with exponential backoff. The next
// handshake will resume when a session ID is held.
func (s *Session) reconnect() {
	if !s.ShouldReconnectOnError {
		return
	}

	s.Lock()
	s.reconnecting = true
	s.reconnects++
	s.Unlock()

	wait := time.Duration(1)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.log.Info().Msg("trying to reconnect to gateway")

		err := s.Open()
		if err == nil {
			s.log.Info().Msg("successfully reconnected to gateway")
			return
		}

		// Certain race conditions can call reconnect() twice. If this
		// happens, we just break out of the reconnect loop.
		if err == ErrWSAlreadyOpen {
			s.log.Info().Msg("websocket already exists, no need to reconnect")
			return
		}

		s.log.Info().Err(err).Msg("error reconnecting to gateway")

		select {
		case <-s.done:
			return
		case <-time.After(wait * time.Second):
		}

		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

// fail terminates the session without reconnecting.
func (s *Session) fail(err error) {
	s.emit(EventError, err)

	s.Lock()
	s.ShouldReconnectOnError = false
	s.Unlock()

	s.Close()
	s.shutdown(err)
}

// CloseWithStatus closes the websocket with a specified status code and
// stops the listening and heartbeat goroutines.
func (s *Session) CloseWithStatus(statusCode int) (err error) {
	s.Lock()

	if s.listening != nil {
		s.log.Debug().Msg("closing listening channel")
		close(s.listening)
		s.listening = nil
	}

	if s.ackTimer != nil {
		s.ackTimer.Stop()
		s.ackTimer = nil
	}

	if s.wsConn != nil {
		s.log.Debug().Msg("sending close frame")

		s.wsMutex.Lock()
		err := s.wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(statusCode, ""))
		s.wsMutex.Unlock()

		if err != nil {
			s.log.Warn().Err(err).Msg("error closing websocket")
		}

		s.log.Debug().Msg("closing gateway websocket")
		err = s.wsConn.Close()
		if err != nil {
			s.log.Warn().Err(err).Msg("error closing websocket")
		}
		s.wsConn = nil
	}

	s.Unlock()

	return
}

// Close closes the websocket and stops all listening/heartbeat goroutines.
// It does not release Run; use Shutdown for a full stop.
func (s *Session) Close() (err error) {
	return s.CloseWithStatus(websocket.CloseNormalClosure)
}

// Shutdown closes the connection and releases Run.
func (s *Session) Shutdown() error {
	s.Lock()
	s.ShouldReconnectOnError = false
	s.Unlock()

	err := s.Close()
	s.shutdown(nil)
	return err
}

func (s *Session) shutdown(err error) {
	s.shutdownOnce.Do(func() {
		s.Lock()
		s.fatalErr = err
		s.Unlock()

		if s.relay != nil {
			s.relay.Close()
		}
		close(s.done)
	})
}

// HeartbeatLatency retrieves the round trip time between ack and sending
func (s *Session) HeartbeatLatency() time.Duration {
	s.RLock()
	defer s.RUnlock()
	return s.LastHeartbeatAck.Sub(s.LastHeartbeatSent)
}

// Me returns the user the session is logged in as, or nil before READY.
func (s *Session) Me() *User {
	s.RLock()
	defer s.RUnlock()
	return s.me
}

// Snapshot returns an immutable view of the session identity, usable for
// diffing across events.
func (s *Session) Snapshot() Snapshot {
	s.RLock()
	defer s.RUnlock()
	return Snapshot{
		SessionID:  s.sessionID,
		Sequence:   atomic.LoadInt64(s.sequence),
		Reconnects: s.reconnects,
		Ready:      s.emittedReady,
	}
}

// On subscribes to a named event. The returned function unsubscribes.
func (s *Session) On(name string, fn Handler) func() {
	return s.emitter.On(name, fn)
}

// Once subscribes to a named event for a single firing.
func (s *Session) Once(name string, fn Handler) func() {
	return s.emitter.Once(name, fn)
}

// emit fires a named event to subscribers and the relay.
func (s *Session) emit(name string, data interface{}) {
	s.emitWithPrior(name, data, s.Snapshot())
}

func (s *Session) emitWithPrior(name string, data interface{}, prior Snapshot) {
	s.emitter.Emit(EventPayload{
		Name:    name,
		Data:    data,
		Session: s,
		Prior:   prior,
	})

	if s.produce != nil && name != EventRaw {
		select {
		case s.produce <- StreamEvent{Type: name, Data: data}:
		default:
			s.log.Warn().Str("type", name).Msg("produce channel full, dropping stream event")
		}
	}
}

// forwardProduce routes emitted events to the relay.
func (s *Session) forwardProduce() {
	for {
		select {
		case <-s.done:
			return
		case se := <-s.produce:
			if err := s.relay.Publish(se); err != nil {
				s.log.Warn().Err(err).Msg("failed to publish stream event")
			}
		}
	}
}

// CreateUpdateStatusData creates the update status data structure
func CreateUpdateStatusData(idle int, gameType GameType, game, url string) *UpdateStatusData {
	usd := &UpdateStatusData{
		Status: string(StatusOnline),
	}

	if idle > 0 {
		usd.IdleSince = &idle
	}

	if game != "" {
		usd.Game = &Game{
			Name: game,
			Type: gameType,
			URL:  url,
		}
	}

	return usd
}

// SendUpdateStatus allows for sending the status update data.
func (s *Session) SendUpdateStatus(usd UpdateStatusData) (err error) {
	s.RLock()
	defer s.RUnlock()
	if s.wsConn == nil {
		return ErrWSNotFound
	}

	s.wsMutex.Lock()
	err = s.wsConn.WriteJSON(UpdateStatus{OpPresenceUpdate, usd})
	s.wsMutex.Unlock()

	return
}

// UpdatePresence updates the playing game and idle state of the session.
func (s *Session) UpdatePresence(game *Game, idle int) error {
	usd := UpdateStatusData{Status: string(StatusOnline)}
	if idle > 0 {
		usd.IdleSince = &idle
	}
	usd.Game = game

	return s.SendUpdateStatus(usd)
}

// RequestGuildMembers requests guild members from the gateway.
// The gateway responds with GuildMembersChunk packets.
// guildIDs : IDs of the guilds to request members of
// query    : String that username starts with, leave empty to return all members
// limit    : Max number of items to return, or 0 to request all members matched
func (s *Session) RequestGuildMembers(guildIDs []string, query string, limit int) (err error) {
	s.RLock()
	defer s.RUnlock()
	if s.wsConn == nil {
		return ErrWSNotFound
	}

	data := RequestGuildMembersData{
		GuildID: guildIDs,
		Query:   query,
		Limit:   limit,
	}

	s.wsMutex.Lock()
	err = s.wsConn.WriteJSON(RequestGuildMembersOp{OpRequestGuildMembers, data})
	s.wsMutex.Unlock()

	return
}
