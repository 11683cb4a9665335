// Package store is the hook's view of the local build store: validity
// checks, pushing closures to a worker, and importing what the worker built.
package store

import (
	"io"

	"github.com/gammadia/hermes/transport"
)

// Store is what the remote build driver needs from the local side.
type Store interface {
	// IsValidPath reports whether the store path already exists locally.
	IsValidPath(path string) bool

	// CopyClosure pushes the given paths plus everything they depend on
	// over the open worker channel, optionally signing the exports.
	CopyClosure(conn transport.Conn, paths []string, sign bool) error

	// ImportPaths reads an export stream (typically the worker channel
	// after an export command) and registers the paths locally.
	ImportPaths(r io.Reader) error
}
