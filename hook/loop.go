package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gammadia/hermes/builder"
	"github.com/gammadia/hermes/placement"
	"github.com/gammadia/hermes/store"
	"github.com/gammadia/hermes/transport"
)

// loop is the hook's outer state machine: one request line in, one reply
// out, until either the parent closes its stream or a build is accepted.
// A single hook process runs at most one build.
type loop struct {
	engine       *placement.Engine
	store        store.Store
	newConnector func(sessionStderr io.Writer) transport.Connector
	options      builder.Options
	buildTrace   bool
	logDir       string
	log          *slog.Logger

	in    *bufio.Scanner
	reply io.Writer
}

func (l *loop) run(ctx context.Context) error {
	for l.in.Scan() {
		req, err := parseRequest(l.in.Text())
		if err != nil {
			return err
		}

		accepted, err := l.handle(ctx, req)
		if accepted || err != nil {
			return err
		}
	}
	return l.in.Err()
}

// handle drives one request to a reply. On a failed connect it disables the
// machine, releases the slot and retries placement, so a single request can
// traverse several machines before settling on a verdict. The parent only
// ever sees the final reply.
func (l *loop) handle(ctx context.Context, req placement.Request) (accepted bool, err error) {
	for {
		p, verdict, err := l.engine.Place(req)
		if err != nil {
			return false, err
		}
		if verdict != placement.Accepted {
			l.sendReply(verdict)
			return false, nil
		}

		spool := builder.OpenBuildLog(l.logDir, req.DrvPath)
		sessionStderr := io.Writer(os.Stderr)
		if spool != nil {
			sessionStderr = io.MultiWriter(os.Stderr, spool)
		}

		conn, err := l.newConnector(sessionStderr).Connect(ctx, p.Machine.Host, p.Machine.SSHKey)
		if err != nil {
			l.log.Warn("Failed to connect, giving up on machine", "host", p.Machine.Host, "error", err)
			if spool != nil {
				_ = spool.Close()
			}
			l.engine.Disable(p.Machine.Host)
			_ = p.Release()
			continue
		}

		err = l.build(ctx, req, p, conn)
		_ = conn.Close()
		if spool != nil {
			_ = spool.Close()
		}
		return true, err
	}
}

// build is everything that happens after a slot is owned and the channel is
// open. The slot lock stays held until process exit.
func (l *loop) build(ctx context.Context, req placement.Request, p *placement.Placement, conn transport.Conn) error {
	l.sendReply(placement.Accepted)

	inputs, err := l.readPathsLine()
	if err != nil {
		return err
	}
	outputs, err := l.readPathsLine()
	if err != nil {
		return err
	}

	if l.buildTrace {
		fmt.Fprintf(l.reply, "@ build-remote %s %s\n", req.DrvPath, p.Machine.Host)
	}

	driver := builder.New(conn, p.Machine, l.store, l.options, l.log)
	return driver.Run(ctx, req.DrvPath, inputs, outputs)
}

func (l *loop) sendReply(verdict placement.Verdict) {
	fmt.Fprintf(l.reply, "# %s\n", verdict)
}

// readPathsLine reads one whitespace-separated store path list from the
// parent (inputs, then outputs, after an accept).
func (l *loop) readPathsLine() ([]string, error) {
	if !l.in.Scan() {
		if err := l.in.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("parent closed the stream mid-request")
	}
	return strings.Fields(l.in.Text()), nil
}

// parseRequest parses one request line: amWilling (0/1), neededSystem,
// drvPath, and an optional comma-separated feature list.
func parseRequest(line string) (placement.Request, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 || len(fields) > 4 {
		return placement.Request{}, fmt.Errorf("malformed request line '%s'", line)
	}

	req := placement.Request{
		AmWilling:    fields[0] == "1",
		NeededSystem: fields[1],
		DrvPath:      fields[2],
	}
	if len(fields) == 4 && fields[3] != "" {
		req.RequiredFeatures = strings.Split(fields[3], ",")
	}
	return req, nil
}
