package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHClientConnector dials the worker with the in-process ssh client instead
// of spawning the system one. No prompts are possible on this path at all.
type SSHClientConnector struct {
	// User defaults to root, which is what build farm workers run as.
	User string
	// Timeout bounds the TCP + handshake phase.
	Timeout time.Duration
	// Stderr receives the remote session's diagnostics and build output.
	Stderr io.Writer
}

type sshConn struct {
	io.Reader
	io.WriteCloser
	session *ssh.Session
	client  *ssh.Client
}

func (c *sshConn) Close() error {
	_ = c.WriteCloser.Close()
	_ = c.session.Close()
	return c.client.Close()
}

func (c SSHClientConnector) Connect(ctx context.Context, host, keyFile string) (Conn, error) {
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file '%s': %w", keyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity file '%s': %w", keyFile, err)
	}

	user := c.User
	if user == "" {
		user = "root"
	}
	if u, h, found := strings.Cut(host, "@"); found {
		user, host = u, h
	}
	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Timeout:         timeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to '%s': %w", host, err)
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to open session on '%s': %w", host, err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	session.Stderr = c.Stderr
	if session.Stderr == nil {
		session.Stderr = os.Stderr
	}

	if err := session.Start(RemoteCommand); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("failed to start worker on '%s': %w", host, err)
	}

	return &sshConn{
		Reader:      stdout,
		WriteCloser: stdin,
		session:     session,
		client:      client,
	}, nil
}
