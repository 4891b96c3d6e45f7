package beacon

import (
	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack"
)

// RelayOptions configures the NATS streaming relay of emitted events.
type RelayOptions struct {
	NatsAddress string
	ClusterID   string
	ClientID    string
	Channel     string
}

// Producer publishes emitted events to a NATS streaming channel so
// out-of-process consumers can follow the session.
type Producer struct {
	natsClient *nats.Conn
	stanClient stan.Conn
	channel    string
	log        *zerolog.Logger
}

// NewProducer connects to NATS streaming.
func NewProducer(opts RelayOptions, log *zerolog.Logger) (*Producer, error) {
	natsClient, err := nats.Connect(opts.NatsAddress)
	if err != nil {
		return nil, err
	}

	stanClient, err := stan.Connect(opts.ClusterID, opts.ClientID, stan.NatsConn(natsClient))
	if err != nil {
		natsClient.Close()
		return nil, err
	}

	return &Producer{
		natsClient: natsClient,
		stanClient: stanClient,
		channel:    opts.Channel,
		log:        log,
	}, nil
}

// Publish relays one stream event.
func (p *Producer) Publish(se StreamEvent) error {
	ep, err := msgpack.Marshal(se)
	if err != nil {
		return err
	}
	return p.stanClient.Publish(p.channel, ep)
}

// Close drains the streaming connection.
func (p *Producer) Close() {
	if err := p.stanClient.Close(); err != nil {
		p.log.Warn().Err(err).Msg("error closing streaming connection")
	}
	p.natsClient.Close()
}
