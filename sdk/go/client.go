// Package meshkv is a thin Go SDK for talking to a meshkv node over its
// MQTT command topic: a command correlation wrapper around
// pkg/mqttadapter with consistent request-id generation, bounded
// per-call timeouts, and error envelope decoding.
package meshkv

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	kverrors "github.com/meshkv/core/pkg/errors"
	"github.com/meshkv/core/pkg/kvmodel"
	"github.com/meshkv/core/pkg/mqttadapter"
)

// DefaultTimeout bounds a call when the caller's context carries no
// deadline of its own.
const DefaultTimeout = 5 * time.Second

// Client issues commands to one target node's command topic and
// correlates the response by request id.
type Client struct {
	adapter *mqttadapter.Adapter
	peerID  string
	timeout time.Duration
}

// New builds a Client that addresses peerID's command topic through
// adapter. adapter must already be started (Adapter.Start).
func New(adapter *mqttadapter.Adapter, peerID string) *Client {
	return &Client{adapter: adapter, peerID: peerID, timeout: DefaultTimeout}
}

// WithTimeout returns a copy of the client using timeout for calls that
// don't already have a context deadline.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	clone := *c
	clone.timeout = timeout
	return &clone
}

// APIError wraps a non-OK Response into a Go error carrying the
// taxonomy code from pkg/errors.
type APIError struct {
	Code    kverrors.Code
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("meshkv: %s: %s", e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, cmd kvmodel.Command) (kvmodel.Response, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	cmd.ID = uuid.NewString()
	resp, err := c.adapter.SendCommand(ctx, c.peerID, cmd)
	if err != nil {
		return kvmodel.Response{}, err
	}
	if resp.Status == kvmodel.StatusError {
		return resp, &APIError{Code: kverrors.Code(resp.ErrorCode), Message: resp.Error}
	}
	return resp, nil
}

// Get retrieves key's value, or an *APIError with code NotFound if absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	resp, err := c.do(ctx, kvmodel.Command{Op: kvmodel.OpGet, Key: key})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// Set writes key=value.
func (c *Client) Set(ctx context.Context, key, value string) error {
	_, err := c.do(ctx, kvmodel.Command{Op: kvmodel.OpSet, Key: key, Value: value})
	return err
}

// Delete tombstones key. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.do(ctx, kvmodel.Command{Op: kvmodel.OpDelete, Key: key})
	return err
}

// Incr adds amount (default 1) to key's integer value, returning the
// result.
func (c *Client) Incr(ctx context.Context, key string, amount *int64) (int64, error) {
	return c.incrDecr(ctx, kvmodel.OpIncr, key, amount)
}

// Decr subtracts amount (default 1) from key's integer value, returning
// the result.
func (c *Client) Decr(ctx context.Context, key string, amount *int64) (int64, error) {
	return c.incrDecr(ctx, kvmodel.OpDecr, key, amount)
}

func (c *Client) incrDecr(ctx context.Context, op kvmodel.Op, key string, amount *int64) (int64, error) {
	resp, err := c.do(ctx, kvmodel.Command{Op: op, Key: key, Amount: amount})
	if err != nil {
		return 0, err
	}
	var n int64
	if _, scanErr := fmt.Sscanf(resp.Value, "%d", &n); scanErr != nil {
		return 0, &APIError{Code: kverrors.Internal, Message: "non-integer response value: " + resp.Value}
	}
	return n, nil
}

// Append concatenates value onto key's current content. It returns the
// response's Value field, which the command engine leaves empty for
// APPEND, so the new content is not returned.
func (c *Client) Append(ctx context.Context, key, value string) (string, error) {
	resp, err := c.do(ctx, kvmodel.Command{Op: kvmodel.OpAppend, Key: key, Value: value})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// Prepend concatenates value ahead of key's current content. It returns
// the response's Value field, which the command engine leaves empty for
// PREPEND, so the new content is not returned.
func (c *Client) Prepend(ctx context.Context, key, value string) (string, error) {
	resp, err := c.do(ctx, kvmodel.Command{Op: kvmodel.OpPrepend, Key: key, Value: value})
	if err != nil {
		return "", err
	}
	return resp.Value, nil
}

// MGet retrieves several keys at once; missing keys are simply absent
// from the result map.
func (c *Client) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	resp, err := c.do(ctx, kvmodel.Command{Op: kvmodel.OpMGet, Keys: keys})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// MSet writes several key/value pairs: all or none are applied locally.
func (c *Client) MSet(ctx context.Context, pairs map[string]string) error {
	_, err := c.do(ctx, kvmodel.Command{Op: kvmodel.OpMSet, Pairs: pairs})
	return err
}
