// Package messaging provides a NATS client wrapper for pub/sub between the
// OnboardIQ processes. Feed snapshots and channel events travel on
// realtime.<channel> subjects; every hub instance subscribes to all of them
// and fans frames out to its WebSocket subscribers.
package messaging

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// NATS subject patterns used across OnboardIQ services.
const (
	SubjectRealtime    = "realtime"   // + .<channel>
	SubjectRealtimeAll = "realtime.>" // wildcard used by hubs
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  zerolog.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "onboardiq",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	log := logger.With().Str("component", "nats").Logger()

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return errors.Wrapf(err, "nats subscribe %s", subject)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishRealtime publishes an encoded real-time frame for channel.
func (c *NATSClient) PublishRealtime(channel string, frame []byte) error {
	return c.Publish(RealtimeSubject(channel), frame)
}

// SubscribeRealtime subscribes to every realtime.<channel> subject. The
// handler receives the channel name and the raw frame.
func (c *NATSClient) SubscribeRealtime(handler func(channel string, frame []byte)) error {
	return c.Subscribe(SubjectRealtimeAll, func(msg *nats.Msg) {
		channel, ok := ChannelFromSubject(msg.Subject)
		if !ok {
			return
		}
		handler(channel, msg.Data)
	})
}

// UnsubscribeRealtime removes the wildcard realtime subscription.
func (c *NATSClient) UnsubscribeRealtime() error {
	return c.unsubscribe(SubjectRealtimeAll)
}

// Flush round-trips to the server so prior publishes are processed.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Ping round-trips to the server within ctx's deadline.
func (c *NATSClient) Ping(ctx context.Context) error {
	return c.conn.FlushWithContext(ctx)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain failed")
	}

	c.log.Info().Msg("client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return errors.Wrapf(err, "nats unsubscribe %s", subject)
	}
	return nil
}

// RealtimeSubject returns the subject carrying frames for channel.
func RealtimeSubject(channel string) string {
	return SubjectRealtime + "." + channel
}

// ChannelFromSubject extracts the channel from a realtime.<channel> subject.
func ChannelFromSubject(subject string) (string, bool) {
	channel := strings.TrimPrefix(subject, SubjectRealtime+".")
	if channel == subject || channel == "" || strings.Contains(channel, ".") {
		return "", false
	}
	return channel, true
}
