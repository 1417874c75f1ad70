package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// ClientHeader carries the emitting client's id so the server can address replies
const ClientHeader = "Hackforge-Client"

// NATSConfig holds configuration for the NATS transport
type NATSConfig struct {
	URL           string
	Prefix        string // e.g., "hack"
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSConfig returns default NATS transport configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Prefix:        "hack",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSConn carries the event channel over NATS subjects:
//
//	<prefix>.client.<event>              emits from this client
//	<prefix>.server.<event>              broadcasts to every client
//	<prefix>.direct.<client id>.<event>  pushes addressed to this client
type NATSConn struct {
	*Dispatcher

	ID     string
	nc     *nats.Conn
	subs   []*nats.Subscription
	config NATSConfig
}

// ConnectNATS connects to NATS and subscribes to the broadcast and direct subjects
func ConnectNATS(config NATSConfig) (*NATSConn, error) {
	c := &NATSConn{
		Dispatcher: NewDispatcher(),
		ID:         uuid.New().String(),
		config:     config,
	}

	opts := []nats.Option{
		nats.Name("hackforge-" + c.ID[:8]),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	c.nc = nc

	for _, subject := range []string{c.broadcastSubject() + ".>", c.directSubject() + ".>"} {
		sub, err := nc.Subscribe(subject, c.handleMsg)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}

	log.Info().
		Str("connection_id", c.ID).
		Str("url", nc.ConnectedUrl()).
		Str("prefix", config.Prefix).
		Msg("NATS event channel established")

	return c, nil
}

// Emit publishes the envelope on the client subject for its event
func (c *NATSConn) Emit(ctx context.Context, msg Message) error {
	if c.nc.IsClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msg.Event, err)
	}

	out := nats.NewMsg(fmt.Sprintf("%s.client.%s", c.config.Prefix, msg.Event))
	out.Header.Set(ClientHeader, c.ID)
	out.Data = data

	if err := c.nc.PublishMsg(out); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Event, err)
	}
	return nil
}

// Close drains subscriptions and closes the NATS connection
func (c *NATSConn) Close() error {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("failed to unsubscribe")
		}
	}
	c.subs = nil
	c.nc.Close()
	return nil
}

func (c *NATSConn) broadcastSubject() string {
	return c.config.Prefix + ".server"
}

func (c *NATSConn) directSubject() string {
	return fmt.Sprintf("%s.direct.%s", c.config.Prefix, c.ID)
}

// handleMsg decodes an envelope; the event name falls back to the subject suffix
func (c *NATSConn) handleMsg(m *nats.Msg) {
	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		log.Warn().Err(err).Str("subject", m.Subject).Msg("dropping malformed NATS message")
		return
	}
	if msg.Event == "" {
		msg.Event = eventFromSubject(m.Subject, c.broadcastSubject(), c.directSubject())
	}
	c.Dispatch(msg)
}

func eventFromSubject(subject string, prefixes ...string) string {
	for _, p := range prefixes {
		if strings.HasPrefix(subject, p+".") {
			return strings.TrimPrefix(subject, p+".")
		}
	}
	return subject
}
