// Package cmd implements the swb CLI: thin verbs over the daemon's
// loopback control plane.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rajeshgoli/switchboard/internal/config"
)

// Exit codes: 0 success, 1 user error, 2 backend unavailable.
const (
	exitOK          = 0
	exitUserError   = 1
	exitUnavailable = 2
)

var (
	flagConfig string
	flagAddr   string
)

var rootCmd = &cobra.Command{
	Use:           "swb",
	Short:         "Switchboard orchestrates agent sessions in tmux panes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.config/switchboard/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "", "daemon address (overrides config)")
}

// loadConfig resolves the config file and CLI overrides.
func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if flagAddr != "" {
		cfg.HTTPAddr = flagAddr
	}
	return cfg, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "swb: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitUserError
	}
	return exitOK
}

// exitError carries an explicit exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func userErr(format string, args ...any) error {
	return &exitError{code: exitUserError, err: fmt.Errorf(format, args...)}
}

func backendErr(err error) error {
	return &exitError{code: exitUnavailable, err: fmt.Errorf("backend unavailable: %w", err)}
}
