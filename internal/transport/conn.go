package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// maxBackoff caps the delay between reconnect attempts.
const maxBackoff = 10 * time.Second

// Conn is a persistent connection to one node. It is owned exclusively by
// that node's worker: the mutex serializes open/execute/close state
// transitions, not concurrent Run calls from multiple goroutines.
type Conn struct {
	dialer     Dialer
	maxRetries int
	logger     *slog.Logger
	wait       func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	session Session
}

// NewConn wraps a dialer into a persistent connection. The session is
// opened lazily on the first Run call.
func NewConn(dialer Dialer, maxRetries int, logger *slog.Logger) *Conn {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Conn{
		dialer:     dialer,
		maxRetries: maxRetries,
		logger:     logger.With("component", "conn", "target", dialer.Target()),
		wait:       waitBackoff,
	}
}

// Target returns the endpoint this connection dials.
func (c *Conn) Target() string {
	return c.dialer.Target()
}

// open creates the underlying session if none exists. Idempotent.
func (c *Conn) open(ctx context.Context) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return c.session, nil
	}

	session, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.dialer.Target(), err)
	}

	c.session = session
	return session, nil
}

// drop tears down the current session so the next attempt reopens from
// scratch. Every failure path calls this before retrying or returning,
// which keeps a half-open session from ever reaching a later caller.
func (c *Conn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logger.Debug("session close failed during teardown", "error", err)
		}
		c.session = nil
	}
}

// Run executes a command over the connection, reopening the session and
// retrying with bounded exponential backoff on failure. Every failed
// attempt is followed by its backoff delay, the final one included, so
// exhaustion surfaces only after the full delay sequence has elapsed. The
// backoff wait is cancellable: if ctx fires during it, Run aborts with
// ErrAborted instead of retrying.
func (c *Conn) Run(ctx context.Context, command string) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return "", fmt.Errorf("run on %s: %w", c.dialer.Target(), ErrAborted)
		}

		session, err := c.open(ctx)
		if err == nil {
			var out string
			out, err = session.Run(ctx, command)
			if err == nil {
				return out, nil
			}
		}

		lastErr = err
		c.drop()

		if ctx.Err() != nil {
			return "", fmt.Errorf("run on %s: %w", c.dialer.Target(), ErrAborted)
		}

		delay := backoffDelay(attempt)
		c.logger.Warn("command failed, backing off before reconnect",
			"attempt", attempt,
			"max_retries", c.maxRetries,
			"delay", delay,
			"error", err,
		)

		if err := c.wait(ctx, delay); err != nil {
			return "", fmt.Errorf("backoff on %s interrupted: %w", c.dialer.Target(), ErrAborted)
		}
	}

	c.logger.Error("connection retries exhausted",
		"max_retries", c.maxRetries,
		"error", lastErr,
	)
	return "", fmt.Errorf("%w for %s after %d attempts: %v",
		ErrRetriesExhausted, c.dialer.Target(), c.maxRetries, lastErr)
}

// Close tears down the underlying session if present. Idempotent;
// close-time errors are swallowed.
func (c *Conn) Close() error {
	c.drop()
	return nil
}

// waitBackoff sleeps for d, returning early with ctx.Err() on cancellation.
func waitBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay returns min(2^attempt, 10s) for attempt >= 1.
func backoffDelay(attempt int) time.Duration {
	if attempt > 6 {
		// 2^attempt would already exceed the cap; also guards shift overflow.
		return maxBackoff
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
