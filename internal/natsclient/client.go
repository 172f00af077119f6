// Package natsclient wraps the NATS connection used for outbound
// notification events.
package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Client is a thin wrapper over a NATS connection.
type Client struct {
	conn *nats.Conn
}

// Connect dials the NATS server. The returned client is safe for concurrent
// use by multiple goroutines.
func Connect(url, name string) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Publish sends data to subject. Delivery is at-most-once from the caller's
// perspective; callers decide whether failure is fatal.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Drain()
	c.conn.Close()
}
