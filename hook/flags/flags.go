package flags

import (
	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat = "log-format"
	LogLevel  = "log-level"
	StateDir  = "state-dir"
	Machines  = "machines"
	ConfDir   = "conf-dir"
	LogDir    = "log-dir"
	Debug     = "debug"
	NativeSSH = "native-ssh"
)

// Register declares the hook's flags on the given flag set and wires the
// build daemon's environment variables through viper. Flags win over the
// environment, the environment wins over defaults.
func Register(flags *flag.FlagSet) {
	flags.String(LogFormat, "text", "log format (json, text)")
	flags.String(LogLevel, "WARN", "minimum log level")
	flags.String(StateDir, "/run/nix/current-load", "shared scheduler state directory")
	flags.String(Machines, "/etc/nix/machines", "machines configuration file")
	flags.String(ConfDir, "/etc/nix", "configuration directory, probed for the signing key")
	flags.String(LogDir, "", "spool remote build logs under this directory")
	flags.Bool(Debug, false, "print per-candidate load during placement")
	flags.Bool(NativeSSH, false, "use the in-process ssh client instead of the system one")

	lo.Must0(viper.BindPFlags(flags))
	lo.Must0(viper.BindEnv(StateDir, "NIX_CURRENT_LOAD"))
	lo.Must0(viper.BindEnv(Machines, "NIX_REMOTE_SYSTEMS"))
	lo.Must0(viper.BindEnv(ConfDir, "NIX_CONF_DIR"))
	lo.Must0(viper.BindEnv(LogDir, "NIX_LOG_DIR"))
	lo.Must0(viper.BindEnv(Debug, "NIX_DEBUG_HOOK"))
	lo.Must0(viper.BindEnv(NativeSSH, "NIX_SSH_NATIVE"))
}
