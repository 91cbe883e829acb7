// Package transport provides the remote command-execution channel used by
// the pollers. A Dialer opens sessions to one target over SSH or WinRM; a
// Conn wraps a Dialer into a persistent, lazily-opened session that
// transparently reconnects with bounded exponential backoff.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/zeromonitor/zeromonitor/internal/models"
)

// ErrAborted reports that a connection retry wait was interrupted by
// cancellation. Workers use it to exit cleanly without emitting a failure
// event for the in-flight cycle.
var ErrAborted = errors.New("aborted by shutdown")

// ErrRetriesExhausted reports that a command could not be executed within
// the configured retry budget.
var ErrRetriesExhausted = errors.New("connection retries exhausted")

// Session is one established remote command-execution session.
type Session interface {
	// Run executes a command and returns its stdout.
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// Dialer opens sessions to a single target.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
	Target() string
}

// NewDialer builds the dialer matching the node's transport kind.
func NewDialer(node models.Node, opts DialOptions) (Dialer, error) {
	switch node.Transport {
	case models.TransportSSH:
		return NewSSHDialer(node, opts)
	case models.TransportWinRM:
		return NewWinRMDialer(node, opts)
	default:
		return nil, fmt.Errorf("unsupported transport %q for node %q", node.Transport, node.Name)
	}
}
