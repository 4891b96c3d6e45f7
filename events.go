package beacon

import (
	"time"

	jsoniterator "github.com/json-iterator/go"
)

// Gateway opcodes. The numeric identity must match the server.
const (
	OpDispatch = iota
	OpHeartbeat
	OpIdentify
	OpPresenceUpdate
	OpVoiceStateUpdate
	_
	OpResume
	OpReconnect
	OpRequestGuildMembers
	OpInvalidSession
	OpHello
	OpHeartbeatAck
)

// Close codes the session reacts to. CloseInvalidToken is terminal and
// skips reconnection.
const (
	CloseNormal       = 1000
	CloseInvalidToken = 4004
)

// Named events the session emits alongside the Discord dispatch names.
const (
	EventRaw          = "raw"
	EventReady        = "ready"
	EventReconnected  = "reconnected"
	EventTrace        = "trace"
	EventError        = "error"
	EventHeartbeat    = "heartbeat"
	EventHeartbeatAck = "heartbeat-ack"
)

// Packet provides a basic initial struct for all websocket frames.
type Packet struct {
	Operation int             `json:"op" msgpack:"op"`
	Sequence  int64           `json:"s" msgpack:"s"`
	Type      string          `json:"t" msgpack:"t"`
	RawData   jsoniterator.RawMessage `json:"d" msgpack:"-"`

	// Hydrated event data, filled by dispatch handlers.
	Data interface{} `json:"-" msgpack:"d"`
}

// Hello is the data sent for the Hello event.
type Hello struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	Trace             []string      `json:"_trace"`
}

// Heartbeat is the packet sent to keep the connection alive.
type Heartbeat struct {
	Op   int   `json:"op"`
	Data int64 `json:"d"`
}

// Identify is the packet sent when identifying
type Identify struct {
	Op   int          `json:"op"`
	Data identifyData `json:"d"`
}

type identifyProperties struct {
	OS              string `json:"$os"`
	Browser         string `json:"$browser"`
	Device          string `json:"$device"`
	Referrer        string `json:"$referrer"`
	ReferringDomain string `json:"$referring_domain"`
}

type identifyData struct {
	Token          string             `json:"token"`
	Properties     identifyProperties `json:"properties"`
	LargeThreshold int                `json:"large_threshold"`
	Compress       bool               `json:"compress"`
	Shard          *[2]int            `json:"shard,omitempty"`
	Presence       UpdateStatusData   `json:"presence,omitempty"`
}

// Resume is the packet sent to continue an interrupted session.
type Resume struct {
	Op   int        `json:"op"`
	Data resumeData `json:"d"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// UpdateStatus is the packet sent to update the status.
type UpdateStatus struct {
	Op   int              `json:"op"`
	Data UpdateStatusData `json:"d"`
}

// RequestGuildMembersOp is the packet sent when requesting guild members.
// The gateway accepts one or more guild IDs per request.
type RequestGuildMembersOp struct {
	Op   int                     `json:"op"`
	Data RequestGuildMembersData `json:"d"`
}

// RequestGuildMembersData is the payload of a member chunk request.
type RequestGuildMembersData struct {
	GuildID []string `json:"guild_id"`
	Query   string   `json:"query"`
	Limit   int      `json:"limit"`
}

// A Ready stores all data for the websocket READY event.
type Ready struct {
	Version         int        `json:"v"`
	SessionID       string     `json:"session_id"`
	User            *User      `json:"user"`
	PrivateChannels []*Channel `json:"private_channels"`
	Guilds          []*Guild   `json:"guilds"`
	Trace           []string   `json:"_trace"`
}

// Resumed is the data for a RESUMED event.
type Resumed struct {
	Trace []string `json:"_trace"`
}

// A GuildMembersChunk is the data for a GUILD_MEMBERS_CHUNK event.
type GuildMembersChunk struct {
	GuildID string    `json:"guild_id"`
	Members []*Member `json:"members"`
}

// VoiceServerUpdate is the data for a VOICE_SERVER_UPDATE event.
type VoiceServerUpdate struct {
	Token    string `json:"token"`
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
}

// VoiceStateUpdate is the data for a VOICE_STATE_UPDATE event.
type VoiceStateUpdate struct {
	*VoiceState
}

// GuildRole is the data for guild role create and update events.
type GuildRole struct {
	Role    *Role  `json:"role"`
	GuildID string `json:"guild_id"`
}

// GuildRoleDelete is the data for a GUILD_ROLE_DELETE event.
type GuildRoleDelete struct {
	RoleID  string `json:"role_id"`
	GuildID string `json:"guild_id"`
}

// GuildBan is the data for guild ban add and remove events.
type GuildBan struct {
	User    *User  `json:"user"`
	GuildID string `json:"guild_id"`
}

// GuildEmojisUpdate is the data for a GUILD_EMOJIS_UPDATE event.
type GuildEmojisUpdate struct {
	GuildID string   `json:"guild_id"`
	Emojis  []*Emoji `json:"emojis"`
}

// TypingStart is the data for a TYPING_START event.
type TypingStart struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	Timestamp int    `json:"timestamp"`
}

// PresenceUpdate is the data for a PRESENCE_UPDATE event.
type PresenceUpdate struct {
	User    *User    `json:"user"`
	GuildID string   `json:"guild_id"`
	Status  Status   `json:"status"`
	Game    *Game    `json:"game"`
	Roles   []string `json:"roles"`
}

// Message is the resolved form of message create, update and delete events.
type Message struct {
	ID        string    `json:"id" msgpack:"id"`
	ChannelID string    `json:"channel_id" msgpack:"channel_id"`
	GuildID   string    `json:"guild_id,omitempty" msgpack:"guild_id,omitempty"`
	Content   string    `json:"content" msgpack:"content"`
	Timestamp Timestamp `json:"timestamp" msgpack:"timestamp"`
	Author    *User     `json:"author" msgpack:"author"`
	Mentions  []*User   `json:"mentions" msgpack:"mentions"`
}

// StreamEvent is the shape relayed events take on the wire to consumers.
type StreamEvent struct {
	Type string      `msgpack:"i"`
	Data interface{} `msgpack:"d"`
}
