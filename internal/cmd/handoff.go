package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var handoffCmd = &cobra.Command{
	Use:   "handoff <session> <continuation-file>",
	Short: "Clear a session's context and re-prime it from a continuation file",
	Long: `Run the handoff protocol: snapshot the pane scrollback, clear the
agent's context, absorb the resulting hook storm, and wake the agent with
a pointer at the continuation file.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		body := map[string]any{"continuation_path": args[1]}
		if err := c.do(http.MethodPost, "/sessions/"+args[0]+"/handoff", body, nil); err != nil {
			return fmt.Errorf("handoff failed: %w", err)
		}
		fmt.Printf("handoff started for %s\n", args[0])
		return nil
	},
}

var (
	watchObserver string
	watchTimeout  int
)

var watchCmd = &cobra.Command{
	Use:   "watch <session>",
	Short: "Notify an observer session when the target goes idle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchObserver == "" {
			return userErr("--observer is required")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		body := map[string]any{
			"target":    args[0],
			"observer":  watchObserver,
			"timeout_s": watchTimeout,
		}
		if err := c.do(http.MethodPost, "/watch", body, nil); err != nil {
			return fmt.Errorf("watch failed: %w", err)
		}
		fmt.Printf("watching %s\n", args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <session>",
	Short: "Record an agent status update (resets reminder timers)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.do(http.MethodPost, "/sessions/"+args[0]+"/status", map[string]any{}, nil); err != nil {
			return fmt.Errorf("status failed: %w", err)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchObserver, "observer", "", "session to notify")
	watchCmd.Flags().IntVar(&watchTimeout, "timeout", 600, "watch timeout in seconds")
	rootCmd.AddCommand(handoffCmd, watchCmd, statusCmd)
}
