// Package sshres is the SSH resource executor: it knows how to open an
// authenticated SSH connection from caller-supplied credentials, run
// commands and SFTP operations against the live handle, and verify remote
// host keys against a trust store.
//
// Credentials exist only for the duration of Connect. The attributes
// returned for session metadata carry host, port and username, never the
// password or key material.
package sshres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/stratal/sessiond/sessions"
)

const (
	// DefaultConnectTimeout bounds the TCP dial plus SSH handshake.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultCommandTimeout applies when an exec request carries no
	// explicit timeout.
	DefaultCommandTimeout = 60 * time.Second
	// MinCommandTimeout is the floor for caller-supplied exec timeouts.
	MinCommandTimeout = 100 * time.Millisecond
)

// Credentials carries everything needed to open one SSH connection.
// Exactly one of PrivateKeyPEM or Password must be usable; when both are
// present the key is tried first and the password is kept as a fallback.
type Credentials struct {
	Host          string
	Port          int
	Username      string
	Password      string
	PrivateKeyPEM []byte
}

func (c Credentials) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Credentials) validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", sessions.ErrInvalidCredentials)
	}
	if c.Username == "" {
		return fmt.Errorf("%w: username is required", sessions.ErrInvalidCredentials)
	}
	if len(c.PrivateKeyPEM) == 0 && c.Password == "" {
		return fmt.Errorf("%w: no authentication material provided", sessions.ErrInvalidCredentials)
	}
	return nil
}

// Connector builds the broker-facing ConnectFunc for SSH sessions. Host keys
// are checked through the given callback; use KnownHosts.Callback for strict
// verification or InsecureAcceptAll for tests.
type Connector struct {
	hostKeys ssh.HostKeyCallback
	timeout  time.Duration
}

// NewConnector builds a connector. A nil hostKeys callback is rejected:
// skipping verification must be an explicit choice via InsecureAcceptAll.
func NewConnector(hostKeys ssh.HostKeyCallback, timeout time.Duration) (*Connector, error) {
	if hostKeys == nil {
		return nil, errors.New("sshres: host key callback is required")
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Connector{hostKeys: hostKeys, timeout: timeout}, nil
}

// Connect dials and authenticates one SSH connection. The returned attrs
// describe the endpoint for session metadata.
func (c *Connector) Connect(ctx context.Context, creds Credentials) (*Handle, map[string]string, error) {
	if err := creds.validate(); err != nil {
		return nil, nil, err
	}

	var methods []ssh.AuthMethod
	if len(creds.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(creds.PrivateKeyPEM)
		if err != nil {
			return nil, nil, fmt.Errorf("sshres: parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}

	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            methods,
		HostKeyCallback: c.hostKeys,
		Timeout:         c.timeout,
	}

	addr := creds.addr()
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("sshres: dial %s: %w: %v", addr, sessions.ErrConnectionFailure, err)
	}
	sconn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("sshres: handshake with %s: %w: %v", addr, sessions.ErrConnectionFailure, err)
	}
	client := ssh.NewClient(sconn, chans, reqs)

	attrs := map[string]string{
		"host":     creds.Host,
		"port":     strconv.Itoa(creds.Port),
		"username": creds.Username,
	}
	if creds.Port == 0 {
		attrs["port"] = "22"
	}
	return &Handle{client: client}, attrs, nil
}
