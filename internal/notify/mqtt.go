package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sammy180/onion-logger/internal/record"
)

const (
	mqttQueueSize = 256

	// DefaultPublishTimeout bounds how long one publish may wait for the
	// broker. Until the client is connected paho never completes the token.
	DefaultPublishTimeout = 2 * time.Second
)

var errPublishTimeout = errors.New("mqtt: publish timed out")

// Publisher sends one message to a broker topic.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

type MQTTOptions struct {
	BrokerURL      string
	ClientID       string
	QoS            byte
	PublishTimeout time.Duration // defaults to DefaultPublishTimeout
}

// MQTTClient is a thin wrapper over a paho client.
type MQTTClient struct {
	raw     mqtt.Client
	qos     byte
	timeout time.Duration
}

// DialMQTT starts connecting to the broker. It does not wait for the
// connection: paho keeps retrying in the background, and publishes made
// before the broker is reachable fail after the publish timeout.
func DialMQTT(opts MQTTOptions) (*MQTTClient, error) {
	if opts.BrokerURL == "" {
		return nil, fmt.Errorf("mqtt: broker url is empty")
	}
	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetAutoReconnect(true)
	c := mqtt.NewClient(o)

	token := c.Connect()
	if token.WaitTimeout(100*time.Millisecond) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", opts.BrokerURL, token.Error())
	}
	timeout := opts.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &MQTTClient{raw: c, qos: opts.QoS, timeout: timeout}, nil
}

// Publish sends one message and waits at most the publish timeout for it.
func (c *MQTTClient) Publish(topic string, payload []byte, retained bool) error {
	token := c.raw.Publish(topic, c.qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("%s: %w", topic, errPublishTimeout)
	}
	return token.Error()
}

func (c *MQTTClient) Close() {
	c.raw.Disconnect(250)
}

// MQTTSink publishes records to <prefix>/<box>/records and staleness changes,
// retained, to <prefix>/<box>/stale. Both are queued and sent from Run, so
// callers never wait on the broker; when the queue is full new messages are
// dropped.
type MQTTSink struct {
	pub     Publisher
	prefix  string
	log     zerolog.Logger
	queue   chan mqttMessage
	dropped atomic.Int64
}

type mqttMessage struct {
	topic    string
	box      string
	payload  []byte
	retained bool
}

func NewMQTTSink(pub Publisher, prefix string, log zerolog.Logger) *MQTTSink {
	return &MQTTSink{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "/"),
		log:    log,
		queue:  make(chan mqttMessage, mqttQueueSize),
	}
}

// Publish implements Sink.
func (s *MQTTSink) Publish(rec record.Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		s.log.Error().Err(err).Msg("encode record")
		return
	}
	s.enqueue(mqttMessage{topic: s.topic(rec.BoxID, "records"), box: rec.BoxID, payload: payload})
}

// Stale implements StaleSink.
func (s *MQTTSink) Stale(ev StaleEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Msg("encode stale event")
		return
	}
	s.enqueue(mqttMessage{topic: s.topic(ev.BoxID, "stale"), box: ev.BoxID, payload: payload, retained: true})
}

func (s *MQTTSink) enqueue(msg mqttMessage) {
	select {
	case s.queue <- msg:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			s.log.Warn().Int64("dropped", n).Msg("mqtt queue full, message not published")
		}
	}
}

// Dropped returns how many messages were not queued.
func (s *MQTTSink) Dropped() int64 { return s.dropped.Load() }

// Run sends queued messages until ctx is cancelled. A publish in progress
// when ctx is cancelled delays the return by at most the publisher's
// timeout.
func (s *MQTTSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.pub.Publish(msg.topic, msg.payload, msg.retained); err != nil {
				s.log.Warn().Err(err).Str("box", msg.box).Msg("mqtt publish failed")
			}
		}
	}
}

func (s *MQTTSink) topic(box, leaf string) string {
	if box == "" {
		box = "_"
	}
	box = strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(box)
	if s.prefix == "" {
		return box + "/" + leaf
	}
	return s.prefix + "/" + box + "/" + leaf
}
