// Package builder drives a single remote build over an open worker channel:
// closure upload (serialized per host), the build command itself, and
// fetching the outputs back.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gammadia/hermes/lockfile"
	"github.com/gammadia/hermes/machine"
	"github.com/gammadia/hermes/store"
	"github.com/gammadia/hermes/transport"
	"github.com/gammadia/hermes/wire"
	"github.com/samber/lo"
)

// UploadLockTimeout is how long we wait for a peer's closure upload to the
// same host before breaking the lock and proceeding uncoordinated.
const UploadLockTimeout = 15 * time.Minute

// SigningKeyFile, relative to the configuration directory; uploads are
// signed when it exists.
const SigningKeyFile = "signing-key.sec"

// BuildError is a build failure reported by the worker. The hook exits with
// the worker's status code.
type BuildError struct {
	Status int
	Msg    string
	Host   string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("error: %s on '%s'", e.Msg, e.Host)
}

type Options struct {
	MaxSilentTime int
	BuildTimeout  int

	// StateDir holds the per-host upload locks.
	StateDir string
	// ConfDir is probed for the signing key.
	ConfDir string
	// UploadLockTimeout overrides the 15-minute default (tests).
	UploadLockTimeout time.Duration
}

type Driver struct {
	conn    transport.Conn
	machine machine.Machine
	store   store.Store
	options Options
	log     *slog.Logger
}

func New(conn transport.Conn, m machine.Machine, s store.Store, options Options, logger *slog.Logger) *Driver {
	if options.UploadLockTimeout == 0 {
		options.UploadLockTimeout = UploadLockTimeout
	}
	return &Driver{
		conn:    conn,
		machine: m,
		store:   s,
		options: options,
		log:     logger.With("host", m.Host),
	}
}

// Run uploads the derivation closure, runs the build remotely and imports
// whatever outputs are still missing locally. A worker-reported failure
// comes back as *BuildError.
func (d *Driver) Run(ctx context.Context, drvPath string, inputs, outputs []string) error {
	sign := d.signUploads()

	if err := d.uploadClosure(append([]string{drvPath}, inputs...), sign); err != nil {
		return err
	}

	if err := d.build(drvPath); err != nil {
		return err
	}

	return d.importOutputs(outputs)
}

// signUploads reports whether a signing key is configured.
func (d *Driver) signUploads() bool {
	_, err := os.Stat(filepath.Join(d.options.ConfDir, SigningKeyFile))
	return err == nil
}

// uploadClosure pushes the closure under the per-host upload lock, so
// concurrent dispatchers do not copy the same missing paths twice. A peer
// holding the lock for too long is assumed dead: we break the lock and
// upload uncoordinated rather than starve.
func (d *Driver) uploadClosure(paths []string, sign bool) error {
	uploadLock, err := lockfile.Open(filepath.Join(d.options.StateDir, d.machine.Host+".upload-lock"))
	if err != nil {
		return err
	}

	d.log.Debug("Acquiring upload lock", "paths", len(paths))
	switch err := uploadLock.AcquireTimeout(d.options.UploadLockTimeout); err {
	case nil:
		defer uploadLock.Release()
	case lockfile.ErrTimeout:
		d.log.Warn("Upload lock held for too long, breaking it", "timeout", d.options.UploadLockTimeout)
		if err := uploadLock.Unlink(); err != nil {
			d.log.Warn("Failed to remove stale upload lock", "error", err)
		}
	default:
		return err
	}

	if err := d.store.CopyClosure(d.conn, paths, sign); err != nil {
		return fmt.Errorf("failed to copy closure to '%s': %w", d.machine.Host, err)
	}
	return nil
}

// build runs the build command over the channel and waits for the worker's
// status word.
func (d *Driver) build(drvPath string) error {
	d.log.Debug("Building remotely", "drv", drvPath)

	if err := wire.WriteUint64(d.conn, wire.CmdBuildPaths); err != nil {
		return err
	}
	if err := wire.WriteStrings(d.conn, []string{drvPath}); err != nil {
		return err
	}
	if err := wire.WriteUint64(d.conn, uint64(d.options.MaxSilentTime)); err != nil {
		return err
	}
	if err := wire.WriteUint64(d.conn, uint64(d.options.BuildTimeout)); err != nil {
		return err
	}

	status, err := wire.ReadUint64(d.conn)
	if err != nil {
		return fmt.Errorf("failed to read build status from '%s': %w", d.machine.Host, err)
	}
	if status != 0 {
		msg, err := wire.ReadString(d.conn)
		if err != nil {
			return fmt.Errorf("failed to read build error from '%s': %w", d.machine.Host, err)
		}
		return &BuildError{Status: int(status), Msg: msg, Host: d.machine.Host}
	}
	return nil
}

// importOutputs fetches the outputs we do not already have. NIX_HELD_LOCKS
// tells the parent that these paths are locked while the import runs.
func (d *Driver) importOutputs(outputs []string) error {
	missing := lo.Filter(outputs, func(path string, _ int) bool {
		return !d.store.IsValidPath(path)
	})
	if len(missing) == 0 {
		return nil
	}
	d.log.Debug("Importing outputs", "count", len(missing))

	if err := wire.WriteUint64(d.conn, wire.CmdExportPaths); err != nil {
		return err
	}
	if err := wire.WriteUint64(d.conn, 0); err != nil { // no signing on import
		return err
	}
	if err := wire.WriteStrings(d.conn, missing); err != nil {
		return err
	}

	os.Setenv("NIX_HELD_LOCKS", strings.Join(missing, " "))

	if err := d.store.ImportPaths(d.conn); err != nil {
		return fmt.Errorf("failed to import outputs from '%s': %w", d.machine.Host, err)
	}
	return nil
}
