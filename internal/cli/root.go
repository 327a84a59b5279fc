// Package cli implements the linechat command line: flag, environment, and
// config file handling around the relay in package server.
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Tyrowin/linechat/internal/server"
)

const (
	envPrefix = "LINECHAT"

	flagConfig  = "config"
	flagEnvFile = "env-file"
	flagDebug   = "debug"
)

// Execute runs the root command with os.Args.
func Execute() error {
	return newCommand(os.Args[1:]).Execute()
}

// newCommand returns the root command set up to parse args.
func newCommand(args []string) *cobra.Command {
	cmd := newRootCmd()
	cmd.SetArgs(positionalNegatives(cmd.Flags(), args))
	return cmd
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "linechat <port>",
		Short: "Relay newline-delimited chat lines between TCP clients",
		Long: "linechat listens on the given TCP port and relays every line a client sends, " +
			"prefixed with the sender's display name, to all connected clients including the sender.",
		Example:       "  linechat 5000\n  linechat 5000 --ws-addr :8080 --naming sequence",
		Args:          portArg,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd, v, args[0])
		},
	}

	registerFlags(rootCmd.Flags())
	bindConfig(v, rootCmd.Flags())

	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// portArg requires exactly the port argument.
func portArg(cmd *cobra.Command, args []string) error {
	switch len(args) {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("missing port\nUsage: %s", cmd.UseLine())
	default:
		return fmt.Errorf("too many arguments\nUsage: %s", cmd.UseLine())
	}
}

// positionalNegatives moves negative integers that are not flag values
// behind "--", so "linechat -1" reaches the port argument instead of being
// parsed as the shorthand flag "-1".
func positionalNegatives(flags *pflag.FlagSet, args []string) []string {
	rest := make([]string, 0, len(args)+1)
	var moved []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			rest = append(rest, "--")
			rest = append(rest, moved...)
			return append(rest, args[i+1:]...)
		}
		if isNegativeInt(arg) {
			moved = append(moved, arg)
			continue
		}
		rest = append(rest, arg)
		if takesValue(flags, arg) && i+1 < len(args) {
			i++
			rest = append(rest, args[i])
		}
	}
	if len(moved) == 0 {
		return rest
	}
	rest = append(rest, "--")
	return append(rest, moved...)
}

func isNegativeInt(arg string) bool {
	if !strings.HasPrefix(arg, "-") {
		return false
	}
	_, err := strconv.Atoi(arg)
	return err == nil
}

// takesValue reports whether arg is a long flag whose value is the next
// argument.
func takesValue(flags *pflag.FlagSet, arg string) bool {
	if !strings.HasPrefix(arg, "--") || strings.Contains(arg, "=") {
		return false
	}
	f := flags.Lookup(strings.TrimPrefix(arg, "--"))
	return f != nil && f.NoOptDefVal == ""
}

func registerFlags(flags *pflag.FlagSet) {
	d := server.NewConfig()

	flags.String(flagConfig, "", "path to a TOML, YAML, or JSON config file")
	flags.String(flagEnvFile, ".env", "dotenv file loaded into the environment if present")
	flags.Bool(flagDebug, false, "enable debug logging")

	flags.String(server.KeyHost, d.Host, "listen host (all interfaces when empty)")
	flags.String(server.KeyWebSocketAddr, d.WebSocketAddr, "address of the WebSocket gateway, e.g. :8080 (disabled when empty)")
	flags.StringSlice(server.KeyAllowedOrigins, d.AllowedOrigins, "origins allowed to open WebSocket sessions (* allows all)")
	flags.Duration(server.KeyIdleTimeout, d.IdleTimeout, "disconnect clients silent for this long (0 disables)")
	flags.Duration(server.KeyWriteTimeout, d.WriteTimeout, "give up on a single write after this long (0 disables)")
	flags.Int(server.KeyMaxClients, d.MaxClients, "maximum concurrent clients (0 means unlimited)")
	flags.Int(server.KeyMaxLineBytes, d.MaxLineBytes, "maximum accepted line length in bytes")
	flags.String(server.KeyNaming, string(d.Naming), "display name policy: size or sequence")
	flags.Int(server.KeyRateBurst, d.RateLimit.Burst, "lines a client may send per rate interval (0 disables)")
	flags.Duration(server.KeyRateInterval, d.RateLimit.RefillInterval, "rate limit refill interval")
	flags.Duration(server.KeyShutdownTimeout, d.ShutdownTimeout, "how long to wait for sessions on shutdown")
}

// bindConfig makes every flag readable through v, with LINECHAT_* environment
// variables as fallback.
func bindConfig(v *viper.Viper, flags *pflag.FlagSet) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
}
