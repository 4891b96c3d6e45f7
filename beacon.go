// Package beacon implements the core of a Discord gateway client: the
// long-lived websocket session, the heartbeat protocol, session resumption,
// the READY bootstrap with large-guild member backfill and the voice-join
// handshake. The REST surface is limited to what the gateway needs (see the
// client subpackage).
package beacon

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	jsoniterator "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/sablewing/beacon/client"
)

var json = jsoniterator.ConfigCompatibleWithStandardLibrary

const (
	// APIVersion we will use from discord
	APIVersion = "6"

	// VERSION of the beacon library
	VERSION = "0.1"

	// EndpointGateway is the default gateway address used when discovery fails
	EndpointGateway = "wss://gateway.discord.gg"

	// EncodingJSON is the only wire encoding the session implements
	EncodingJSON = "json"

	// EncodingETF is declared by the gateway but not implemented here
	EncodingETF = "etf"
)

// ErrWSAlreadyOpen is thrown when you attempt to open
// a websocket that already is open.
var ErrWSAlreadyOpen = errors.New("web socket already opened")

// ErrWSNotFound is thrown when you attempt to use a websocket
// that doesn't exist
var ErrWSNotFound = errors.New("no websocket connection exists")

// ErrWSShardBounds is thrown when you try to use a shard ID that is
// not less than the total shard count
var ErrWSShardBounds = errors.New("ShardID must be less than ShardCount")

// ErrInvalidToken is passed when the token used to authenticate is not valid.
var ErrInvalidToken = errors.New("token is invalid")

// ErrNoToken is returned by New when no token was configured.
var ErrNoToken = errors.New("no token was passed")

// errMissingUser is reported by handlers whose payload requires a user.
var errMissingUser = errors.New("payload is missing a user")

// ErrUnsupportedEncoding is returned by New when an encoding other than
// json is requested. etf is declared by the gateway but not implemented.
var ErrUnsupportedEncoding = errors.New("only the json encoding is supported")

// Options represents the configurable elements of a Session.
type Options struct {
	// Token the session authenticates with. The "Bot " prefix is added
	// when missing.
	Token string

	// ShardID and ShardCount are transmitted in the identify payload when
	// ShardCount is above one. ShardID must be below ShardCount.
	ShardID    int
	ShardCount int

	// Logger used by the session. When Logging is false all output is
	// discarded. LoggerLevel applies to the provided logger.
	Logger      *zerolog.Logger
	LoggerLevel zerolog.Level
	Logging     bool

	// Cache the session hydrates entities into. Defaults to an in-process
	// MemoryCache; use NewRedisCache for a shared store.
	Cache Cache

	// LoadAllMembers enables the large-guild member backfill before the
	// ready event is emitted.
	LoadAllMembers bool

	// DisabledEvents are removed from the dispatch registry at startup.
	DisabledEvents []string

	// Encoding of gateway frames. Only "json" is accepted.
	Encoding string

	// Presence the bot will identify with.
	Presence UpdateStatusData

	// Relay, when set, publishes every emitted event except raw to NATS
	// streaming.
	Relay *RelayOptions

	// VoiceTransport constructs the data plane for joined voice channels.
	// Voice joins fail when nil.
	VoiceTransport VoiceTransportFactory

	// Gateway overrides gateway URL discovery when set.
	Gateway string

	// HTTPClient used for REST requests. Defaults to a 20 second timeout
	// client.
	HTTPClient *http.Client
}

// New creates a session from the given options. The session does not
// connect until Run is called.
func New(opts Options) (*Session, error) {
	if opts.Token == "" {
		return nil, ErrNoToken
	}

	token := opts.Token
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}

	encoding := opts.Encoding
	if encoding == "" {
		encoding = EncodingJSON
	}
	if encoding != EncodingJSON {
		return nil, ErrUnsupportedEncoding
	}

	if opts.ShardCount > 1 && opts.ShardID >= opts.ShardCount {
		return nil, ErrWSShardBounds
	}

	log := zerolog.Nop()
	if opts.Logging {
		if opts.Logger != nil {
			log = *opts.Logger
		} else {
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Stamp}).With().Timestamp().Logger()
		}
		log = log.Level(opts.LoggerLevel)
	}

	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryCache()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}

	rest := client.NewClient(token)
	rest.HTTP = httpClient
	rest.UserAgent = userAgent()

	s := &Session{
		Token:                  token,
		Compress:               true,
		ShouldReconnectOnError: true,
		ShardID:                opts.ShardID,
		ShardCount:             opts.ShardCount,
		Client:                 rest,
		UserAgent:              userAgent(),
		Cache:                  cache,
		Presence:               opts.Presence,
		LoadAllMembers:         opts.LoadAllMembers,
		LastHeartbeatAck:       time.Now().UTC(),
		sequence:               new(int64),
		gateway:                opts.Gateway,
		encoding:               encoding,
		log:                    &log,
		emitter:                newEmitter(),
		registry:               newRegistry(opts.DisabledEvents),
		unavailable:            make(map[string]bool),
		largeGuilds:            &LockSet{},
		largeSent:              &LockSet{},
		voiceClients:           make(map[string]*VoiceClient),
		voiceJoins:             make(map[string]*voiceJoin),
		voiceTransport:         opts.VoiceTransport,
		done:                   make(chan struct{}),
	}

	if opts.Relay != nil {
		producer, err := NewProducer(*opts.Relay, &log)
		if err != nil {
			return nil, err
		}
		s.relay = producer
		s.produce = make(chan StreamEvent, BufferSize)
	}

	return s, nil
}

func userAgent() string {
	return "DiscordBot (https://github.com/sablewing/beacon, v" + VERSION + ")"
}
