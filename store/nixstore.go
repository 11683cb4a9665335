package store

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/gammadia/hermes/transport"
	"github.com/gammadia/hermes/wire"
	"github.com/samber/lo"
)

// NixStore talks to the local store by shelling out to nix-store, and to the
// remote one over the worker channel.
type NixStore struct{}

var _ Store = NixStore{}

func (NixStore) IsValidPath(path string) bool {
	return exec.Command("nix-store", "--check-validity", path).Run() == nil
}

func (NixStore) CopyClosure(conn transport.Conn, paths []string, sign bool) error {
	closure, err := queryRequisites(paths)
	if err != nil {
		return err
	}

	// Ask the worker which parts of the closure it already has
	if err := wire.WriteUint64(conn, wire.CmdQueryValidPaths); err != nil {
		return err
	}
	if err := wire.WriteStrings(conn, closure); err != nil {
		return err
	}
	valid, err := wire.ReadStrings(conn)
	if err != nil {
		return fmt.Errorf("failed to read valid paths from worker: %w", err)
	}

	missing := lo.Without(closure, valid...)
	if len(missing) == 0 {
		return nil
	}

	if err := wire.WriteUint64(conn, wire.CmdImportPaths); err != nil {
		return err
	}

	args := []string{"--export"}
	if sign {
		args = append(args, "--sign")
	}
	cmd := exec.Command("nix-store", append(args, missing...)...)
	cmd.Stdout = conn
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to export %d paths: %w", len(missing), err)
	}

	// The worker acknowledges the import with a success word
	status, err := wire.ReadUint64(conn)
	if err != nil {
		return fmt.Errorf("failed to read import acknowledgement: %w", err)
	}
	if status != 1 {
		return fmt.Errorf("worker failed to import paths")
	}
	return nil
}

func (NixStore) ImportPaths(r io.Reader) error {
	cmd := exec.Command("nix-store", "--import")
	cmd.Stdin = r
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to import paths: %w", err)
	}
	return nil
}

// queryRequisites computes the transitive closure of the given paths with
// the local store.
func queryRequisites(paths []string) ([]string, error) {
	var out bytes.Buffer
	cmd := exec.Command("nix-store", append([]string{"--query", "--requisites"}, paths...)...)
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to compute closure: %w", err)
	}
	return lo.Uniq(strings.Fields(out.String())), nil
}
