package main

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// ErrorHeader carries the error code of a failed request on replies whose
// body is not JSON.
const ErrorHeader = "Relay-Error"

// NATSMessage represents a message received from NATS
type NATSMessage struct {
	Subject string
	Reply   string
	Data    []byte
}

// NATSClient wraps a NATS connection
type NATSClient struct {
	conn   *nats.Conn
	config NATSConfig
	subs   []*nats.Subscription
}

// NewNATSClient connects to NATS. onChange is called whenever the
// connection state changes.
func NewNATSClient(cfg NATSConfig, onChange func(connected bool)) (*NATSClient, error) {
	notify := func(connected bool) {
		if onChange != nil {
			onChange(connected)
		}
	}

	opts := []nats.Option{
		nats.Name("agency-relay"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
			notify(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			notify(true)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
			notify(false)
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	notify(true)

	return &NATSClient{
		conn:   conn,
		config: cfg,
	}, nil
}

// Subscribe joins the relay queue group on subject and sends messages to
// msgChan. Messages are dropped when the channel is full; requesters see
// a timeout.
func (c *NATSClient) Subscribe(subject string, msgChan chan *NATSMessage) error {
	sub, err := c.conn.QueueSubscribe(subject, "agency-relay", func(msg *nats.Msg) {
		select {
		case msgChan <- &NATSMessage{
			Subject: msg.Subject,
			Reply:   msg.Reply,
			Data:    msg.Data,
		}:
		default:
			log.Warn().Str("subject", msg.Subject).Msg("Message channel full, dropping message")
		}
	})
	if err != nil {
		return err
	}

	c.subs = append(c.subs, sub)
	log.Debug().Str("subject", subject).Msg("Subscribed to NATS")
	return nil
}

// Respond publishes a reply. A non-empty code is set in ErrorHeader.
func (c *NATSClient) Respond(reply string, data []byte, code string) error {
	msg := nats.NewMsg(reply)
	msg.Data = data
	if code != "" {
		msg.Header.Set(ErrorHeader, code)
	}
	return c.conn.PublishMsg(msg)
}

// Close drains subscriptions and closes the NATS connection
func (c *NATSClient) Close() {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.conn.Close()
}

// IsConnected returns true if connected to NATS
func (c *NATSClient) IsConnected() bool {
	return c.conn.IsConnected()
}

// Status returns the connection status
func (c *NATSClient) Status() string {
	switch c.conn.Status() {
	case nats.CONNECTED:
		return "connected"
	case nats.CONNECTING:
		return "connecting"
	case nats.RECONNECTING:
		return "reconnecting"
	case nats.DISCONNECTED:
		return "disconnected"
	case nats.CLOSED:
		return "closed"
	default:
		return "unknown"
	}
}
