package beacon

import (
	"strconv"
	"time"
)

// Valid GameType values
const (
	GameTypeGame GameType = iota
	GameTypeStreaming
	GameTypeListening
	GameTypeWatching
)

// Constants for Status with the different current available status
const (
	StatusOnline       Status = "online"
	StatusIdle         Status = "idle"
	StatusDoNotDisturb Status = "dnd"
	StatusInvisible    Status = "invisible"
	StatusOffline      Status = "offline"
)

// Block contains known ChannelType values
const (
	ChannelTypeGuildText ChannelType = iota
	ChannelTypeDM
	ChannelTypeGuildVoice
	ChannelTypeGroupDM
	ChannelTypeGuildCategory
	ChannelTypeGuildNews
	ChannelTypeGuildStore
)

// GameType is the type of "game" a user is playing
type GameType int

// Status type definition
type Status string

// Timestamp stores a timestamp, as sent by the Discord API.
type Timestamp string

// ChannelType is the type of a Channel
type ChannelType int

// VerificationLevel type definition
type VerificationLevel int

// MfaLevel type definition
type MfaLevel int

// PremiumTier type definition
type PremiumTier int

// UpdateStatusData represents the status changed
type UpdateStatusData struct {
	IdleSince *int   `json:"since" msgpack:"since"`
	Game      *Game  `json:"game" msgpack:"game"`
	AFK       bool   `json:"afk" msgpack:"afk"`
	Status    string `json:"status" msgpack:"status"`
}

// A Game struct holds the name of the "playing .." game for a user
type Game struct {
	Name          string     `json:"name" msgpack:"name"`
	Type          GameType   `json:"type" msgpack:"type"`
	URL           string     `json:"url,omitempty" msgpack:"url,omitempty"`
	Details       string     `json:"details,omitempty" msgpack:"details,omitempty"`
	State         string     `json:"state,omitempty" msgpack:"state,omitempty"`
	TimeStamps    TimeStamps `json:"timestamps,omitempty" msgpack:"timestamps,omitempty"`
	ApplicationID string     `json:"application_id,omitempty" msgpack:"application_id,omitempty"`
}

// A TimeStamps struct contains start and end times used in the rich presence "playing .." Game
type TimeStamps struct {
	EndTimestamp   int64 `json:"end,omitempty" msgpack:"end,omitempty"`
	StartTimestamp int64 `json:"start,omitempty" msgpack:"start,omitempty"`
}

// A VoiceState stores the voice states of Guilds
type VoiceState struct {
	UserID    string `json:"user_id" msgpack:"user_id"`
	SessionID string `json:"session_id" msgpack:"session_id"`
	ChannelID string `json:"channel_id" msgpack:"channel_id"`
	GuildID   string `json:"guild_id" msgpack:"guild_id"`
	Suppress  bool   `json:"suppress" msgpack:"suppress"`
	SelfMute  bool   `json:"self_mute" msgpack:"self_mute"`
	SelfDeaf  bool   `json:"self_deaf" msgpack:"self_deaf"`
	Mute      bool   `json:"mute" msgpack:"mute"`
	Deaf      bool   `json:"deaf" msgpack:"deaf"`
}

// A User stores all data for an individual Discord user.
type User struct {
	// The ID of the user.
	ID string `json:"id" msgpack:"id"`

	// The user's username.
	Username string `json:"username" msgpack:"username"`

	// The hash of the user's avatar.
	Avatar string `json:"avatar" msgpack:"avatar"`

	// The discriminator of the user (4 numbers after name).
	Discriminator string `json:"discriminator" msgpack:"discriminator"`

	// Whether the user is a bot.
	Bot bool `json:"bot" msgpack:"bot"`
}

// A Member stores user information for Guild members. A guild
// member represents a certain user's presence in a guild.
type Member struct {
	// The guild ID on which the member exists.
	GuildID string `json:"guild_id" msgpack:"guild_id"`

	// The time at which the member joined the guild, in ISO8601.
	JoinedAt Timestamp `json:"joined_at" msgpack:"joined_at"`

	// The nickname of the member, if they have one.
	Nick string `json:"nick" msgpack:"nick"`

	// Whether the member is deafened at a guild level.
	Deaf bool `json:"deaf" msgpack:"deaf"`

	// Whether the member is muted at a guild level.
	Mute bool `json:"mute" msgpack:"mute"`

	// The underlying user on which the member is based.
	User *User `json:"user" msgpack:"user"`

	// A list of IDs of the roles which are possessed by the member.
	Roles []string `json:"roles" msgpack:"roles"`

	// The current status of the member. Backfilled members default
	// to offline until a presence arrives.
	Status Status `json:"status,omitempty" msgpack:"status,omitempty"`

	// The game the member is currently playing, if any.
	Game *Game `json:"game,omitempty" msgpack:"game,omitempty"`
}

// A Guild holds all data related to a specific Discord Guild. Guilds are
// also sometimes referred to as Servers in the Discord client.
type Guild struct {
	// The ID of the guild.
	ID string `json:"id" msgpack:"id"`

	// The name of the guild. (2–100 characters)
	Name string `json:"name" msgpack:"name"`

	// The hash of the guild's icon.
	Icon string `json:"icon" msgpack:"icon"`

	// The voice region of the guild.
	Region string `json:"region" msgpack:"region"`

	// The user ID of the owner of the guild.
	OwnerID string `json:"owner_id" msgpack:"owner_id"`

	// The time at which the current user joined the guild.
	// This field is only present in GUILD_CREATE events and websocket
	// update events, and thus is only present in state-cached guilds.
	JoinedAt Timestamp `json:"joined_at" msgpack:"joined_at"`

	// The number of members in the guild.
	// This field is only present in GUILD_CREATE events and websocket
	// update events, and thus is only present in state-cached guilds.
	MemberCount int `json:"member_count" msgpack:"member_count"`

	// The verification level required for the guild.
	VerificationLevel VerificationLevel `json:"verification_level" msgpack:"verification_level"`

	// Whether the guild is considered large. Large guilds do not have
	// their full member list delivered in READY and must be backfilled
	// with member chunk requests.
	Large bool `json:"large" msgpack:"large"`

	// Whether this guild is currently unavailable (most likely due to outage).
	Unavailable bool `json:"unavailable" msgpack:"unavailable"`

	// A list of roles in the guild.
	Roles []*Role `json:"roles" msgpack:"roles"`

	// A list of the custom emojis present in the guild.
	Emojis []*Emoji `json:"emojis" msgpack:"emojis"`

	// A list of channels in the guild.
	Channels []*Channel `json:"channels" msgpack:"channels"`

	// A list of the members in the guild, as delivered so far.
	Members []*Member `json:"members" msgpack:"-"`

	// A list of voice states of the guild.
	VoiceStates []*VoiceState `json:"voice_states" msgpack:"-"`

	// The list of enabled guild features
	Features []string `json:"features" msgpack:"features"`

	// Required MFA level for the guild
	MfaLevel MfaLevel `json:"mfa_level" msgpack:"mfa_level"`

	// The premium tier of the guild
	PremiumTier PremiumTier `json:"premium_tier" msgpack:"premium_tier"`
}

// A Channel holds all data related to an individual Discord channel.
type Channel struct {
	// The ID of the channel.
	ID string `json:"id" msgpack:"id"`

	// The ID of the guild to which the channel belongs, if it is in a guild.
	// Else, this ID is empty (e.g. DM channels).
	GuildID string `json:"guild_id" msgpack:"guild_id"`

	// The name of the channel.
	Name string `json:"name" msgpack:"name"`

	// The topic of the channel.
	Topic string `json:"topic" msgpack:"topic,omitempty"`

	// The type of the channel.
	Type ChannelType `json:"type" msgpack:"type"`

	// The position of the channel, used for sorting in client.
	Position int `json:"position" msgpack:"position"`

	// The bitrate of the channel, if it is a voice channel.
	Bitrate int `json:"bitrate" msgpack:"bitrate"`

	// The user limit of the voice channel.
	UserLimit int `json:"user_limit" msgpack:"user_limit"`

	// The recipients of the channel, if it is a DM or group DM channel.
	Recipients []*User `json:"recipients" msgpack:"recipients"`

	// The ID of the parent channel, if the channel is under a category
	ParentID string `json:"parent_id" msgpack:"parent_id"`
}

// IsVoice reports whether a user can connect to the channel for voice.
func (c *Channel) IsVoice() bool {
	return c.Type == ChannelTypeGuildVoice
}

// A Role stores information about Discord guild member roles.
type Role struct {
	// The ID of the role.
	ID string `json:"id" msgpack:"id"`

	// The name of the role.
	Name string `json:"name" msgpack:"name"`

	// Whether this role is managed by an integration, and
	// thus cannot be manually added to, or taken from, members.
	Managed bool `json:"managed" msgpack:"managed"`

	// Whether this role is mentionable.
	Mentionable bool `json:"mentionable" msgpack:"mentionable"`

	// Whether this role is hoisted (shows up separately in member list).
	Hoist bool `json:"hoist" msgpack:"hoist"`

	// The hex color of this role.
	Color int `json:"color" msgpack:"color"`

	// The position of this role in the guild's role hierarchy.
	Position int `json:"position" msgpack:"position"`

	// The permissions of the role on the guild (doesn't include channel overrides).
	Permissions int `json:"permissions" msgpack:"permissions"`
}

// An Emoji stores a Discord emoji.
type Emoji struct {
	ID            string   `json:"id" msgpack:"id"`
	Name          string   `json:"name" msgpack:"name"`
	Roles         []string `json:"roles" msgpack:"roles"`
	Managed       bool     `json:"managed" msgpack:"managed"`
	RequireColons bool     `json:"require_colons" msgpack:"require_colons"`
	Animated      bool     `json:"animated" msgpack:"animated"`
}

// An UnavailableGuild is the stub form guilds take in READY payloads and
// outage GUILD_DELETE events.
type UnavailableGuild struct {
	ID          string `json:"id" msgpack:"id"`
	Unavailable bool   `json:"unavailable" msgpack:"unavailable"`
}

// GatewayBotResponse stores the data for the gateway/bot response
type GatewayBotResponse struct {
	URL          string        `json:"url" msgpack:"url"`
	Shards       int           `json:"shards" msgpack:"shards"`
	SessionLimit SessionLimits `json:"session_start_limit" msgpack:"session_start_limit"`
}

// SessionLimits stores the data for session start limits
type SessionLimits struct {
	Total          int `json:"total" msgpack:"total"`
	Remaining      int `json:"remaining" msgpack:"remaining"`
	ResetAfter     int `json:"reset_after" msgpack:"reset_after"`
	MaxConcurrency int `json:"max_concurrency" msgpack:"max_concurrency"`
}

// TooManyRequests stores the rate limit response from the REST API
type TooManyRequests struct {
	Bucket     string        `json:"bucket" msgpack:"bucket"`
	Message    string        `json:"message" msgpack:"message"`
	RetryAfter time.Duration `json:"retry_after" msgpack:"retry_after"`
}

// SnowflakeTimestamp returns the creation time of a Snowflake ID relative to the creation of Discord.
func SnowflakeTimestamp(ID string) (t time.Time, err error) {
	i, err := strconv.ParseInt(ID, 10, 64)
	if err != nil {
		return
	}
	timestamp := (i >> 22) + 1420070400000
	t = time.Unix(0, timestamp*1000000)
	return
}
