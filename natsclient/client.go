// Package natsclient manages the NATS connection and JetStream key/value
// buckets backing the record store.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/facebridge/errors"
)

// Client wraps a NATS connection with JetStream access
type Client struct {
	url    string
	name   string
	logger *slog.Logger

	mu   sync.Mutex
	conn *nats.Conn
	js   jetstream.JetStream

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
}

// Option is a functional option for configuring the Client
type Option func(*Client)

// WithName sets the client connection name
func WithName(name string) Option {
	return func(c *Client) {
		c.name = name
	}
}

// WithMaxReconnects sets the maximum number of reconnection attempts (-1 for infinite)
func WithMaxReconnects(n int) Option {
	return func(c *Client) {
		c.maxReconnects = n
	}
}

// WithReconnectWait sets the wait time between reconnection attempts
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) {
		c.reconnectWait = d
	}
}

// WithTimeout sets the connection timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithLogger sets the logger for connection events
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a NATS client for the given server URL. Connect must be called
// before any store operation.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:           url,
		name:          "facebridge",
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the NATS connection and JetStream context
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	conn, err := nats.Connect(c.url,
		nats.Name(c.name),
		nats.Timeout(c.timeout),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "natsclient", "Connect", "connect to "+c.url)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapFatal(err, "natsclient", "Connect", "create jetstream context")
	}

	c.conn = conn
	c.js = js
	c.logger.Info("connected to NATS", "url", c.url, "name", c.name)
	return nil
}

// Close drains and closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed, closing hard", "error", err)
		c.conn.Close()
	}
	c.conn = nil
	c.js = nil
}

// KeyValue returns the named KV bucket, creating it if it does not exist.
func (c *Client) KeyValue(ctx context.Context, bucket, description string) (jetstream.KeyValue, error) {
	c.mu.Lock()
	js := c.js
	c.mu.Unlock()

	if js == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "natsclient", "KeyValue", "resolve bucket "+bucket)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("lookup bucket %s: %w", bucket, err)
	}

	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: description,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	c.logger.Info("created KV bucket", "bucket", bucket)
	return kv, nil
}
