// internal/stream/consumer.go
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/user/wealthflow/internal/types"
)

// EventSink receives decoded stream events through a single serialized entry
// point. Delivery is at-least-once, so the sink's merges must be idempotent
// by event identity.
type EventSink interface {
	ApplyStreamEvent(ctx context.Context, ev types.StreamEvent) error
	Finished() bool
}

// errSessionDone signals a clean stop once the sink reaches its terminal state.
var errSessionDone = errors.New("session finished")

// Consumer subscribes to the per-session push channel over WebSocket and
// feeds events into the sink. Connection loss triggers reconnect with
// exponential backoff; the subscription resumes with the same session ID so
// calibration data may lag but is never lost.
type Consumer struct {
	url    string
	sink   EventSink
	dialer *websocket.Dialer

	initialDelay time.Duration
	maxDelay     time.Duration
}

// New builds a consumer for the given session. streamURL is the upstream
// WebSocket endpoint; the session ID is attached as a query parameter.
func New(streamURL string, sessionID types.SessionID, sink EventSink) (*Consumer, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("parse stream URL: %w", err)
	}
	q := u.Query()
	q.Set("session_id", string(sessionID))
	u.RawQuery = q.Encode()

	return &Consumer{
		url:          u.String(),
		sink:         sink,
		dialer:       websocket.DefaultDialer,
		initialDelay: 500 * time.Millisecond,
		maxDelay:     30 * time.Second,
	}, nil
}

// Run consumes the stream until the sink finishes or ctx is cancelled.
// Individual connection failures are retried; only context cancellation is
// returned as an error.
func (c *Consumer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialDelay
	bo.MaxInterval = c.maxDelay
	bo.MaxElapsedTime = 0

	op := func() error {
		if c.sink.Finished() {
			return backoff.Permanent(errSessionDone)
		}
		if err := c.consumeOnce(ctx, bo.Reset); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			slog.Warn("stream disconnected, will reconnect", "url", c.url, "error", err)
			return err
		}
		return backoff.Permanent(errSessionDone)
	}

	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	if err == nil || errors.Is(err, errSessionDone) {
		return nil
	}
	return err
}

// consumeOnce dials the channel and reads events until the connection drops,
// the sink finishes, or ctx is cancelled. A nil return means the sink is
// done. onConnected resets the backoff so a later drop retries promptly.
func (c *Consumer) consumeOnce(ctx context.Context, onConnected func()) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial stream (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()
	onConnected()

	// ReadJSON does not observe ctx; close the connection to unblock it.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	slog.Debug("stream connected", "url", c.url)

	for {
		var ev types.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read stream: %w", err)
		}

		if err := c.sink.ApplyStreamEvent(ctx, ev); err != nil {
			// A malformed event is dropped; the stream itself is healthy.
			slog.Warn("stream event rejected", "event_id", string(ev.ID), "type", ev.Type, "error", err)
		}

		if c.sink.Finished() {
			return nil
		}
	}
}
