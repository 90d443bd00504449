package hba

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Client issues commands over one Conn and pairs each with its response.
type Client struct {
	conn   *Conn
	logger *zap.Logger
	mu     sync.Mutex
}

// NewClient wraps conn. A nil logger disables exchange logging.
func NewClient(conn *Conn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, logger: logger}
}

// Dial opens ep and returns a client bound to it.
func Dial(ctx context.Context, ep Endpoint, opts DialOptions, logger *zap.Logger) (*Client, error) {
	conn, err := Open(ctx, ep, opts)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewClient(conn, logger.With(zap.Stringer("endpoint", ep))), nil
}

// Execute sends command and waits for its acknowledgement. The response
// content is discarded.
func (c *Client) Execute(ctx context.Context, command string) error {
	_, err := c.exchange(ctx, command)
	return err
}

// Query sends command and returns the response with newlines removed.
func (c *Client) Query(ctx context.Context, command string) (string, error) {
	payload, err := c.exchange(ctx, command)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// exchange performs one send/read pair. Cancelling ctx closes the connection
// so a blocked read returns; the client is unusable afterwards.
func (c *Client) exchange(ctx context.Context, command string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	line := command
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	start := time.Now()
	if err := c.conn.Send([]byte(line)); err != nil {
		return nil, c.abort(ctx, command, err)
	}
	payload, err := c.conn.ReadUntilTerminator()
	if err != nil {
		return nil, c.abort(ctx, command, err)
	}

	c.logger.Debug("hba exchange",
		zap.String("command", strings.TrimSuffix(command, "\n")),
		zap.ByteString("response", payload),
		zap.Duration("took", time.Since(start)),
	)
	return payload, nil
}

// abort prefers the context error when the failure was caused by
// cancellation closing the connection underneath the read.
func (c *Client) abort(ctx context.Context, command string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%q aborted: %w", strings.TrimSuffix(command, "\n"), ctxErr)
	}
	return fmt.Errorf("%q: %w", strings.TrimSuffix(command, "\n"), err)
}
