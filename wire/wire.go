// Package wire implements the framing used by the remote worker protocol:
// unsigned 64-bit little-endian integers, length-prefixed strings padded to
// 8-byte boundaries, and count-prefixed string lists.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command words understood by the worker on the other end of the channel.
const (
	CmdQueryValidPaths = 1
	CmdImportPaths     = 4
	CmdExportPaths     = 5
	CmdBuildPaths      = 6
)

// MaxStringSize bounds incoming strings so a corrupt or hostile peer cannot
// make us allocate arbitrary amounts of memory.
const MaxStringSize = 1 << 26

func WriteUint64(w io.Writer, n uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func WriteString(w io.Writer, s string) error {
	if err := WriteUint64(w, uint64(len(s))); err != nil {
		return err
	}
	if _, err := w.Write([]byte(s)); err != nil {
		return err
	}
	return writePadding(w, len(s))
}

func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return "", err
	}
	if n > MaxStringSize {
		return "", fmt.Errorf("string of %d bytes exceeds protocol limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if err := readPadding(r, int(n)); err != nil {
		return "", err
	}
	return string(buf), nil
}

func WriteStrings(w io.Writer, ss []string) error {
	if err := WriteUint64(w, uint64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func ReadStrings(r io.Reader) ([]string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if n > MaxStringSize {
		return nil, fmt.Errorf("list of %d strings exceeds protocol limit", n)
	}
	ss := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		ss = append(ss, s)
	}
	return ss, nil
}

func writePadding(w io.Writer, n int) error {
	if rest := n % 8; rest != 0 {
		var zero [8]byte
		if _, err := w.Write(zero[:8-rest]); err != nil {
			return err
		}
	}
	return nil
}

func readPadding(r io.Reader, n int) error {
	if rest := n % 8; rest != 0 {
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:8-rest]); err != nil {
			return err
		}
	}
	return nil
}
