package events

import (
	"encoding/json"
	"time"

	"github.com/cuemby/backplane/pkg/log"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectPrefix prefixes the NATS subject of forwarded events
const SubjectPrefix = "backplane.events."

type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// Forwarder relays broker events to NATS as JSON on
// "backplane.events.<type>"
type Forwarder struct {
	broker *Broker
	pub    natsPublisher
	conn   *nats.Conn
	sub    Subscriber
	doneCh chan struct{}
	logger zerolog.Logger
}

// NewNATSForwarder connects to url and forwards events of broker
func NewNATSForwarder(broker *Broker, url string) (*Forwarder, error) {
	logger := log.WithComponent("events")
	nc, err := nats.Connect(url,
		nats.Name("backplane"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	f := newForwarder(broker, nc)
	f.conn = nc
	return f, nil
}

func newForwarder(broker *Broker, pub natsPublisher) *Forwarder {
	return &Forwarder{
		broker: broker,
		pub:    pub,
		doneCh: make(chan struct{}),
		logger: log.WithComponent("events"),
	}
}

// Start subscribes to the broker and forwards until Stop
func (f *Forwarder) Start() {
	f.sub = f.broker.Subscribe()
	go func() {
		defer close(f.doneCh)
		for event := range f.sub {
			f.forward(event)
		}
	}()
}

func (f *Forwarder) forward(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := f.pub.Publish(SubjectPrefix+string(event.Type), data); err != nil {
		f.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("Failed to forward event")
	}
}

// Stop unsubscribes and closes the NATS connection
func (f *Forwarder) Stop() {
	if f.sub != nil {
		f.broker.Unsubscribe(f.sub)
		<-f.doneCh
	}
	if f.conn != nil {
		_ = f.conn.Drain()
	}
}
