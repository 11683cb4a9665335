package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/gammadia/hermes/builder"
	"github.com/gammadia/hermes/hook/flags"
	"github.com/gammadia/hermes/hook/log"
	"github.com/gammadia/hermes/machine"
	"github.com/gammadia/hermes/placement"
	"github.com/gammadia/hermes/store"
	"github.com/gammadia/hermes/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

var hookCmd = &cobra.Command{
	Use:   "hermes-hook LOCAL_SYSTEM MAX_SILENT_TIME PRINT_BUILD_TRACE BUILD_TIMEOUT",
	Short: "Places builds on remote workers on behalf of the local build daemon",
	Args:  cobra.ExactArgs(4),

	SilenceUsage:  true,
	SilenceErrors: true,

	RunE: runHook,
}

func init() {
	flags.Register(hookCmd.Flags())
}

func main() {
	transport.NeutralizeEnv()

	if err := hookCmd.Execute(); err != nil {
		var buildErr *builder.BuildError
		if errors.As(err, &buildErr) {
			fmt.Fprintln(os.Stderr, buildErr.Error())
			os.Exit(buildErr.Status)
		}
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func runHook(cmd *cobra.Command, args []string) error {
	if err := log.Init(); err != nil {
		return err
	}
	log.Debug("Hook starting up", "version", version, "commit", commit)

	localSystem := args[0]
	maxSilentTime, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid max silent time '%s'", args[1])
	}
	printBuildTrace := truthy(args[2])
	buildTimeout, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("invalid build timeout '%s'", args[3])
	}

	machines, err := machine.Load(viper.GetString(flags.Machines))
	if err != nil {
		return err
	}
	log.Debug("Machine registry loaded", "machines", len(machines))

	stateDir := viper.GetString(flags.StateDir)
	engine := placement.New(stateDir, localSystem, machines)
	if viper.GetBool(flags.Debug) {
		engine.Debug = debugSink{}
	}

	l := &loop{
		engine:       engine,
		store:        store.NixStore{},
		newConnector: newConnector,
		options: builder.Options{
			MaxSilentTime: maxSilentTime,
			BuildTimeout:  buildTimeout,
			StateDir:      stateDir,
			ConfDir:       viper.GetString(flags.ConfDir),
		},
		buildTrace: printBuildTrace,
		logDir:     viper.GetString(flags.LogDir),
		log:        log.With(),

		in:    bufio.NewScanner(os.Stdin),
		reply: os.Stderr,
	}
	return l.run(cmd.Context())
}

func newConnector(sessionStderr io.Writer) transport.Connector {
	if viper.GetBool(flags.NativeSSH) {
		return transport.SSHClientConnector{Stderr: sessionStderr}
	}
	return transport.ExecConnector{Stderr: sessionStderr}
}

// truthy matches the parent daemon's loose booleans: anything but an empty
// string or "0" enables.
func truthy(s string) bool {
	return s != "" && s != "0"
}

// debugSink renders per-candidate placement lines faintly on stderr, where
// they interleave with the reply channel without being mistaken for it.
type debugSink struct{}

func (debugSink) Write(p []byte) (int, error) {
	color.New(color.Faint).Fprint(os.Stderr, string(p))
	return len(p), nil
}
