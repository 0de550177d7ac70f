package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/eliteGoblin/focusd/sentinel/internal/domain"
)

// Client talks to a running host over its Unix socket.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *cbor.Encoder
	dec  *cbor.Decoder
}

// Dial connects to the host socket.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to host at %s: %w", path, err)
	}
	return &Client{
		conn: conn,
		enc:  newEncoder(conn),
		dec:  newDecoder(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send issues a fire-and-forget command. It does not wait for execution;
// a rejection by the host surfaces on the next Invoke as a skipped frame.
func (c *Client) Send(ctx context.Context, channel string, args ...any) error {
	kind, ok := KindOf(channel)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownCommand, channel)
	}
	if kind != FireAndForget {
		return fmt.Errorf("%s is %s; use Invoke", channel, kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setDeadline(ctx)
	return c.write(Request{ID: uuid.NewString(), Channel: channel, Args: args})
}

// Invoke issues a request/response command and decodes the result into
// out (which may be nil to discard it).
func (c *Client) Invoke(ctx context.Context, channel string, out any, args ...any) error {
	kind, ok := KindOf(channel)
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownCommand, channel)
	}
	if kind != RequestResponse {
		return fmt.Errorf("%s is %s; use Send", channel, kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setDeadline(ctx)

	id := uuid.NewString()
	if err := c.write(Request{ID: id, Channel: channel, Args: args}); err != nil {
		return err
	}

	for {
		var resp rawResponse
		if err := c.dec.Decode(&resp); err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.ID != id {
			// Rejection of an earlier fire-and-forget command.
			continue
		}
		if !resp.OK {
			return errors.New(resp.Error)
		}
		if out == nil {
			return nil
		}
		if err := decodeValue(resp.Value, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", channel, err)
		}
		return nil
	}
}

// DeviceStatus is a typed get-device-status call.
func (c *Client) DeviceStatus(ctx context.Context) (domain.PresenceSnapshot, error) {
	var snap domain.PresenceSnapshot
	err := c.Invoke(ctx, GetDeviceStatus, &snap)
	return snap, err
}

func (c *Client) write(req Request) error {
	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("failed to send %s: %w", req.Channel, err)
	}
	return nil
}

// setDeadline applies the context deadline to the connection, if any.
func (c *Client) setDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = c.conn.SetDeadline(deadline)
}
