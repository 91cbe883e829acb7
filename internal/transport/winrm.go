package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/masterzen/winrm"

	"github.com/zeromonitor/zeromonitor/internal/models"
)

const defaultWinRMPort = 5985

// WinRMDialer opens WinRM sessions to one Windows node.
// - If the credential domain is empty, Basic auth is used
// - If a domain is provided, NTLM auth is used
type WinRMDialer struct {
	node models.Node
	opts DialOptions
}

// NewWinRMDialer validates the node config for WinRM use.
func NewWinRMDialer(node models.Node, opts DialOptions) (*WinRMDialer, error) {
	if node.Credentials.Password == "" {
		return nil, fmt.Errorf("node %q has no winrm password configured", node.Name)
	}
	if node.Port == 0 {
		node.Port = defaultWinRMPort
	}
	return &WinRMDialer{node: node, opts: opts}, nil
}

// Target returns the host:port endpoint.
func (d *WinRMDialer) Target() string {
	return d.node.Target()
}

// Dial builds the WinRM client. WinRM itself is per-request; the returned
// session amortizes client construction, not a network handshake, and a
// probe command verifies the endpoint is actually reachable.
func (d *WinRMDialer) Dial(ctx context.Context) (Session, error) {
	endpoint := winrm.NewEndpoint(
		d.node.Host,
		d.node.Port,
		false, // https
		true,  // insecure - skip certificate verification
		nil,   // CA certificate
		nil,   // client certificate
		nil,   // client key
		d.opts.ConnectTimeout,
	)

	creds := d.node.Credentials
	var client *winrm.Client
	var err error

	if creds.Domain != "" {
		params := winrm.DefaultParameters
		params.TransportDecorator = func() winrm.Transporter {
			return &winrm.ClientNTLM{}
		}
		client, err = winrm.NewClientWithParameters(
			endpoint,
			fmt.Sprintf("%s\\%s", creds.Domain, d.node.User),
			creds.Password,
			params,
		)
	} else {
		client, err = winrm.NewClient(endpoint, d.node.User, creds.Password)
	}
	if err != nil {
		return nil, fmt.Errorf("create winrm client: %w", err)
	}

	session := &winrmSession{client: client}
	if _, err := session.Run(ctx, "hostname"); err != nil {
		return nil, fmt.Errorf("winrm probe: %w", err)
	}
	return session, nil
}

type winrmSession struct {
	client *winrm.Client
}

func (s *winrmSession) Run(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stdout, stderr, exitCode, err := s.client.RunWithString(command, "")
	if err != nil {
		return "", fmt.Errorf("winrm execution failed: %w", err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("command failed (exit code %d): %s", exitCode, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

func (s *winrmSession) Close() error {
	// WinRM connections are stateless/per-request, no cleanup needed
	return nil
}
