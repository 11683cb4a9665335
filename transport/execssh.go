package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/alessio/shellescape"
)

// RemoteCommand is what we run on the worker to get a build-protocol peer.
const RemoteCommand = "nix-store --serve --write"

// ExecConnector spawns the system ssh client and uses its stdio as the
// channel. This is the default: it picks up the user's ssh config, agents
// and known hosts for free.
type ExecConnector struct {
	// Stderr receives the remote session's diagnostics and build output.
	// Defaults to this process's stderr.
	Stderr io.Writer
}

type execConn struct {
	io.ReadCloser
	io.WriteCloser
	cancel context.CancelFunc
}

func (c *execConn) Close() error {
	err := errors.Join(c.WriteCloser.Close(), c.ReadCloser.Close())
	c.cancel()
	return err
}

func (c ExecConnector) Connect(ctx context.Context, host, keyFile string) (Conn, error) {
	ctx, cancel := context.WithCancel(ctx)

	args := []string{host, "-i", keyFile, "-x", "-a", "-o", "BatchMode=yes", "--",
		shellescape.QuoteCommand(strings.Fields(RemoteCommand))}
	cmd := exec.CommandContext(ctx, "ssh", args...)

	cmd.Stderr = c.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	in, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	out, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ssh to '%s': %w", host, err)
	}

	return &execConn{
		ReadCloser:  in,
		WriteCloser: out,
		cancel:      cancel,
	}, nil
}
