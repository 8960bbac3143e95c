// Package main provides the yepcode command line: one-off process and code
// runs, process metadata lookups, a credential test and the NATS worker.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/yepcode-connector/pkg/config"
	sdkerrors "github.com/wehubfusion/yepcode-connector/pkg/errors"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitConfigError  = 1
	ExitInputError   = 2
	ExitRuntimeError = 3
	ExitAuthError    = 4
)

// Build information (set via ldflags during build)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// app carries the global flags shared by every command
type app struct {
	configPath string
	verbose    bool
}

// configError marks failures to load or validate configuration
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func main() {
	err := newRootCmd().Execute()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	var cfgErr *configError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &cfgErr):
		return ExitConfigError
	case sdkerrors.IsFatal(err):
		return ExitAuthError
	case errors.Is(err, sdkerrors.ErrInvalidPayload):
		return ExitInputError
	}
	return ExitRuntimeError
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "yepcode",
		Short: "Run YepCode processes and code from the command line or a NATS worker",
		Long: `yepcode drives the YepCode execution platform.

Credentials and endpoints come from an optional YAML file (--config) and
YEPCODE_* environment variables, for example YEPCODE_API_TOKEN.

Examples:
  # Check the credential
  yepcode whoami

  # Run a process once for every item of a JSON array
  yepcode run-process --process invoice-sync --items items.json --mode runOnceForEachItem

  # Run ad-hoc JavaScript
  yepcode run-code --code 'return { ok: true }'

  # Consume execution requests from JetStream
  yepcode serve`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a YAML configuration file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		a.runProcessCmd(),
		a.runCodeCmd(),
		a.whoamiCmd(),
		a.processesCmd(),
		a.serveCmd(),
		versionCmd(),
	)
	return root
}

// load reads and validates configuration and builds the logger
func (a *app) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, nil, &configError{err}
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, &configError{err}
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, &configError{err}
	}
	return cfg, logger, nil
}

// printJSON writes v as indented JSON
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print version, commit hash, and build date information.",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "yepcode %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}
