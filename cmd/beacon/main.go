package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	beacon "github.com/sablewing/beacon"
)

var zlog = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.Stamp,
}).With().Timestamp().Logger()

func main() {
	if err := godotenv.Load(); err != nil {
		zlog.Debug().Err(err).Msg("no .env file loaded")
	}

	token := flag.String("token", os.Getenv("TOKEN"), "token the bot will use to authenticate")
	shardID := flag.Int("shard", 0, "shard id of this session")
	shardCount := flag.Int("shards", 1, "total shard count")
	loadAllMembers := flag.Bool("members", false, "backfill members of large guilds before ready")
	debug := flag.Bool("debug", false, "enable debug logging")

	redisAddress := flag.String("redis", "", "redis address for the shared cache")
	redisPassword := flag.String("redis-password", os.Getenv("REDIS_PASSWORD"), "redis password")
	redisPrefix := flag.String("redis-prefix", "beacon", "prefix for cache keys")

	natsAddress := flag.String("nats", "", "nats address to relay events to")
	natsCluster := flag.String("nats-cluster", "cluster", "nats streaming cluster id")
	natsClient := flag.String("nats-client", "beacon", "nats streaming client id")
	natsChannel := flag.String("nats-channel", "beacon", "channel events are published to")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}

	opts := beacon.Options{
		Token:          *token,
		ShardID:        *shardID,
		ShardCount:     *shardCount,
		Logger:         &zlog,
		LoggerLevel:    level,
		Logging:        true,
		LoadAllMembers: *loadAllMembers,
	}

	if *redisAddress != "" {
		opts.Cache = beacon.NewRedisCache(&redis.Options{
			Addr:     *redisAddress,
			Password: *redisPassword,
		}, *redisPrefix)
	}

	if *natsAddress != "" {
		opts.Relay = &beacon.RelayOptions{
			NatsAddress: *natsAddress,
			ClusterID:   *natsCluster,
			ClientID:    *natsClient,
			Channel:     *natsChannel,
		}
	}

	session, err := beacon.New(opts)
	if err != nil {
		zlog.Fatal().Err(err).Msg("could not create session")
	}

	session.On(beacon.EventReady, func(e beacon.EventPayload) {
		if user, ok := e.Data.(*beacon.User); ok && user != nil {
			zlog.Info().Str("user", user.Username).Msg("session is ready")
		}
	})
	session.On(beacon.EventError, func(e beacon.EventPayload) {
		zlog.Error().Interface("error", e.Data).Msg("session error")
	})

	errs := make(chan error, 1)
	go func() {
		errs <- session.Run()
	}()

	zlog.Info().Msg("session has now started. Do ^C to close the session")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)

	select {
	case <-sc:
		session.Shutdown()
		<-errs
	case err := <-errs:
		if err != nil {
			zlog.Fatal().Err(err).Msg("session ended")
		}
	}
}
