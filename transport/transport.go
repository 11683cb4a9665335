// Package transport opens the bidirectional channel to a remote worker
// speaking the build protocol, over ssh.
package transport

import (
	"context"
	"io"
	"os"
)

// Conn is the byte channel to the remote worker. Reads come from the
// worker's stdout, writes go to its stdin.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Connector dials a worker host. A failed connect is the signal for the
// dispatcher to give up on the host and fall back to the next candidate.
type Connector interface {
	Connect(ctx context.Context, host, keyFile string) (Conn, error)
}

// NeutralizeEnv clears the environment variables that could make ssh pop an
// interactive prompt. The hook runs unattended under the build daemon; a
// prompt would hang it forever.
func NeutralizeEnv() {
	os.Setenv("DISPLAY", "")
	os.Setenv("SSH_ASKPASS", "")
}
