// Package fanout delivers newly appended messages to live subscribers of a
// conversation scope. The transport is NATS (at-least-once per subscriber);
// the subscription manager de-duplicates by message id so each subscriber
// sees every message exactly once, in append order.
package fanout

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Transport abstracts the pub/sub layer so the manager can be tested without
// a broker. NATSClient is the production implementation.
type Transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Unsubscriber, error)
}

// Unsubscriber tears down a single transport subscription.
type Unsubscriber interface {
	Unsubscribe() error
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
		URL:           "nats://localhost:4222",
		Name:          "chat-core",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient wraps the NATS connection. Reconnect events are surfaced to
// registered observers so subscription owners can resync missed history.
type NATSClient struct {
	conn *nats.Conn

	mu          sync.Mutex
	onReconnect []func()
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	c := &NATSClient{}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
			c.notifyReconnect()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.conn = nc

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return c, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject. NATS invokes the
// handler serially per subscription, preserving publish order.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) (Unsubscriber, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// OnReconnect registers a callback fired after the underlying connection is
// re-established. NATS restores server-side subscriptions itself; the
// callback exists so owners can reconcile messages missed while offline.
func (c *NATSClient) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

func (c *NATSClient) notifyReconnect() {
	c.mu.Lock()
	observers := make([]func(), len(c.onReconnect))
	copy(observers, c.onReconnect)
	c.mu.Unlock()

	for _, fn := range observers {
		fn()
	}
}

// Close drains the connection, letting in-flight handlers finish.
func (c *NATSClient) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
