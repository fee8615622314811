package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tiger/greenbench/internal/config"
	"github.com/tiger/greenbench/internal/observability/logging"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "greenbench: %v\n", err)
		os.Exit(1)
	}
}

// exitError ends the process with code after the command already reported
// its outcome on stdout.
type exitError struct {
	code   int
	reason string
}

func (e *exitError) Error() string { return e.reason }

func run(args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "greenbench",
		Short:         "Deterministic evaluation harness for tool-using agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "YAML configuration file")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "log format: text or json")

	root.AddCommand(
		newRunCmd(),
		newValidatePlanCmd(),
		newFixtureKeyCmd(),
		newCompareLedgersCmd(),
		newServeCmd(),
	)
	return root
}

// commonFlags maps configuration keys to the persistent flags every command inherits.
var commonFlags = map[string]string{
	"log_level":  "log-level",
	"log_format": "log-format",
}

// loadConfig layers defaults, the --config file, GREENBENCH_* variables and
// the flags named in bindings (config key to flag name).
func loadConfig(cmd *cobra.Command, bindings map[string]string) (config.Config, error) {
	v := config.NewViper()
	if err := bindFlags(v, cmd, commonFlags); err != nil {
		return config.Config{}, err
	}
	if err := bindFlags(v, cmd, bindings); err != nil {
		return config.Config{}, err
	}
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(v, file)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, bindings map[string]string) error {
	for key, name := range bindings {
		f := cmd.Flag(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func newLogger(cmd *cobra.Command, cfg config.Config) (*slog.Logger, error) {
	lc := cfg.Logging()
	lc.Output = cmd.ErrOrStderr()
	return logging.New(lc)
}
