package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"

	"github.com/zeromonitor/zeromonitor/internal/models"
)

// DialOptions carries transport settings shared by all dialers.
type DialOptions struct {
	ConnectTimeout time.Duration
}

// SSHDialer opens SSH sessions to one node. Host, user and port may be
// overridden by a matching entry in ~/.ssh/config, so inventory entries can
// reference the same aliases the operator uses interactively.
type SSHDialer struct {
	node    models.Node
	address string
	config  *ssh.ClientConfig
}

// NewSSHDialer resolves the node's endpoint against the local SSH config
// and builds the client configuration.
func NewSSHDialer(node models.Node, opts DialOptions) (*SSHDialer, error) {
	host, user, port := resolveSSHSettings(node)

	authMethods, err := buildAuthMethods(node.Credentials)
	if err != nil {
		return nil, fmt.Errorf("ssh auth for node %q: %w", node.Name, err)
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("node %q has no ssh authentication method (password or private_key required)", node.Name)
	}

	return &SSHDialer{
		node:    node,
		address: net.JoinHostPort(host, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            authMethods,
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         opts.ConnectTimeout,
		},
	}, nil
}

// Target returns the resolved host:port address.
func (d *SSHDialer) Target() string {
	return d.address
}

// Dial establishes the TCP connection and SSH handshake.
func (d *SSHDialer) Dial(ctx context.Context) (Session, error) {
	dialer := &net.Dialer{Timeout: d.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.address)
	if err != nil {
		return nil, fmt.Errorf("tcp dial: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, d.address, d.config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	return &sshSession{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// sshSession wraps one SSH client connection. Each Run opens a fresh
// exec channel on the shared connection.
type sshSession struct {
	client *ssh.Client
}

func (s *sshSession) Run(ctx context.Context, command string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	session, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(command); err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return "", fmt.Errorf("remote command exited %d: %s", exitErr.ExitStatus(), stderr.String())
		}
		return "", fmt.Errorf("remote command failed: %w", err)
	}

	return stdout.String(), nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

// resolveSSHSettings merges the inventory entry with any matching
// ~/.ssh/config stanza. Explicit inventory values win; the SSH config fills
// in what the entry leaves blank.
func resolveSSHSettings(node models.Node) (host, user string, port int) {
	host = node.Host
	user = node.User
	port = node.Port

	if hostname := ssh_config.Get(node.Host, "HostName"); hostname != "" {
		host = hostname
	}
	if user == "" {
		user = ssh_config.Get(node.Host, "User")
	}
	if port == 0 {
		if p, err := strconv.Atoi(ssh_config.Get(node.Host, "Port")); err == nil && p > 0 {
			port = p
		}
	}
	if port == 0 {
		port = 22
	}
	return host, user, port
}

// buildAuthMethods assembles SSH auth methods from node credentials. An
// inline private key takes precedence; a key path relative to ~ is
// expanded.
func buildAuthMethods(creds models.Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}

	if creds.PrivateKey != "" {
		keyData := []byte(creds.PrivateKey)

		// A credential that does not look like PEM is treated as a key path.
		if !bytes.Contains(keyData, []byte("PRIVATE KEY")) {
			path := creds.PrivateKey
			if len(path) > 1 && path[:2] == "~/" {
				if home, err := os.UserHomeDir(); err == nil {
					path = filepath.Join(home, path[2:])
				}
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read private key %s: %w", path, err)
			}
			keyData = data
		}

		var signer ssh.Signer
		var err error
		if creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyData)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}

		methods = append(methods, ssh.PublicKeys(signer))
	}

	return methods, nil
}
