// Package session wraps the front-desk and manager request/response
// endpoints. Each endpoint is one persistent channel answering requests in
// order, so every call correlates on a constant key.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/softair/roomsync"
	"github.com/softair/roomsync/protocol"
	"github.com/softair/roomsync/runtime"
)

const sessionKey = "session"

// Client performs blocking calls on session channels.
type Client struct {
	manager    *runtime.Manager
	correlator *runtime.Correlator
	timeout    time.Duration
	logger     *slog.Logger
}

// NewClient routes the responses of purposes through correlator.
func NewClient(manager *runtime.Manager, correlator *runtime.Correlator, timeout time.Duration, logger *slog.Logger, purposes ...roomsync.Purpose) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{manager: manager, correlator: correlator, timeout: timeout, logger: logger.With("component", "Session")}
	for _, p := range purposes {
		p := p
		correlator.Route(p, runtime.ConstantKey(sessionKey), func(_ *runtime.Channel, payload []byte) {
			c.logger.Debug("Unsolicited session frame", "purpose", p, "bytes", len(payload))
		})
	}
	return c
}

// Open starts the persistent channels of purposes so the first call does not
// race the handshake.
func (c *Client) Open(purposes ...roomsync.Purpose) error {
	for _, p := range purposes {
		if _, err := c.manager.Open(p, ""); err != nil {
			return err
		}
	}
	return nil
}

// call validates req, sends it on purpose's channel and decodes the answer
// into T. The wait is bounded by the client timeout.
func call[T any](ctx context.Context, c *Client, purpose roomsync.Purpose, req any) (T, error) {
	var zero T
	if err := protocol.Validate(req); err != nil {
		return zero, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	ch, err := c.manager.Open(purpose, "")
	if err != nil {
		return zero, err
	}
	if err := ch.WaitOpen(ctx); err != nil {
		return zero, wrapWait(err, ch)
	}
	payload, err := c.correlator.Call(ctx, ch, sessionKey, req)
	if err != nil {
		return zero, err
	}
	return protocol.Decode[T](payload)
}

// wrapWait turns a context expiry while connecting into ErrTimeout.
func wrapWait(err error, ch *runtime.Channel) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s did not open", roomsync.ErrTimeout, ch.Name())
	}
	return err
}

// checkStatus maps a session status field: missing is malformed, anything
// but OK is a refusal.
func checkStatus(status *string, op string, id roomsync.RoomID) error {
	switch {
	case status == nil:
		return fmt.Errorf("%w: %s answer has no status", roomsync.ErrMalformedResponse, op)
	case *status != protocol.StatusOK:
		return fmt.Errorf("%w: %s refused for room %s", roomsync.ErrBusinessFailure, op, id)
	}
	return nil
}
