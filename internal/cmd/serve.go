package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rajeshgoli/switchboard/internal/core"
	"github.com/rajeshgoli/switchboard/internal/httpapi"
	"github.com/rajeshgoli/switchboard/internal/logging"
	"github.com/rajeshgoli/switchboard/internal/tmux"
)

var serveVerbose bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the switchboard daemon",
	Long: `Run the switchboard daemon: session registry, delivery engine,
reminder scheduler, hook sink, and (if configured) the Telegram gateway.

The control plane binds to loopback only.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	level := slog.LevelInfo
	if serveVerbose {
		level = slog.LevelDebug
	}
	logging.Setup(level)

	cfg, err := loadConfig()
	if err != nil {
		return userErr("loading config: %v", err)
	}

	driver := tmux.NewTmux()
	if !driver.IsAvailable() {
		slog.Warn("tmux not found on PATH; pane sessions will fail to start")
	}

	c, err := core.New(cfg, driver)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.ConnectTelegram(); err != nil {
		slog.Error("telegram gateway disabled", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go c.Run(ctx)

	srv := httpapi.New(c)
	slog.Info("switchboard listening", "addr", cfg.HTTPAddr)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(cfg.HTTPAddr) }()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
