// Package mqtt implements the broker connector: a managed session that
// subscribes to the configured topic filters, normalizes every received
// message onto the "mqtt:events" bus topic, and exposes a cast-style
// Publish. Reconnection is delegated to autopaho.
package mqtt

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"mirai/internal/bus"
	"mirai/internal/event"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"
)

const publishTimeout = 10 * time.Second

// Filter is one broker subscription.
type Filter struct {
	Topic string
	QoS   byte
}

// DefaultFilters is the seed subscription set.
func DefaultFilters() []Filter {
	return []Filter{{Topic: "pomodoro/timer/+", QoS: 0}}
}

// Config describes the broker session.
type Config struct {
	BrokerURL string // tcp://host:port
	ClientID  string
	Filters   []Filter
}

// Connector owns the broker session.
type Connector struct {
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Connector but does not connect; call Start.
func New(cfg Config, b *bus.Bus, logger *zap.Logger) *Connector {
	return &Connector{cfg: cfg, bus: b, logger: logger}
}

// Start opens the managed connection. It returns once the connection
// manager is running; autopaho redials in the background for the life of
// ctx.
func (c *Connector) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls: []*url.URL{brokerURL},
		KeepAlive:  30,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt session up", zap.String("broker", c.cfg.BrokerURL))
			c.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt session down", zap.Error(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.onMessage,
			},
			OnClientError: func(err error) {
				c.logger.Warn("mqtt client error", zap.Error(err))
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.logger.Warn("mqtt server disconnect",
					zap.Int("reason_code", int(d.ReasonCode)))
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm
	return nil
}

// subscribe (re-)establishes the configured filters. Subscriptions do not
// survive a clean session, so this runs on every connection-up.
func (c *Connector) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if len(c.cfg.Filters) == 0 {
		return
	}

	opts := make([]paho.SubscribeOptions, 0, len(c.cfg.Filters))
	for _, f := range c.cfg.Filters {
		opts = append(opts, paho.SubscribeOptions{Topic: f.Topic, QoS: f.QoS})
	}

	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Error("mqtt subscribe failed", zap.Error(err))
		return
	}

	topics := make([]string, 0, len(c.cfg.Filters))
	for _, f := range c.cfg.Filters {
		topics = append(topics, f.Topic)
	}
	c.logger.Info("mqtt subscribed", zap.Strings("filters", topics))
}

// onMessage normalizes a received message and publishes it on the bus.
func (c *Connector) onMessage(pr paho.PublishReceived) (bool, error) {
	parts := strings.Split(pr.Packet.Topic, "/")
	ev := event.NormalizeMQTT(parts, pr.Packet.Payload)
	c.bus.Publish(bus.TopicMQTTEvents, ev)
	return true, nil
}

// Publish sends a message to the broker without blocking the caller.
// Failures are logged, not returned.
func (c *Connector) Publish(topic string, payload []byte, qos byte) {
	if c.cm == nil {
		c.logger.Warn("mqtt publish before session start", zap.String("topic", topic))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if _, err := c.cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     qos,
		}); err != nil {
			c.logger.Warn("mqtt publish failed",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}()
}

// Stop terminates the session.
func (c *Connector) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	c.logger.Info("mqtt session terminating")
	return c.cm.Disconnect(ctx)
}
