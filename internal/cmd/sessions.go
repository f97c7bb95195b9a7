package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	newProvider string
	newDir      string
	newParent   string
	newName     string
	newEM       bool
	newCommand  string
)

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new agent session",
	Example: `  swb new --provider claude_tmux --dir ~/work/repo --name builder
  swb new --provider codex_tmux --dir ~/work/repo --parent builder`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		var out sessionView
		err = c.do(http.MethodPost, "/sessions", map[string]any{
			"provider":      newProvider,
			"working_dir":   newDir,
			"parent_id":     newParent,
			"friendly_name": newName,
			"is_em":         newEM,
			"command":       newCommand,
		}, &out)
		if err != nil {
			return err
		}
		fmt.Println(out.ID)
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		var sessions []sessionView
		if err := c.do(http.MethodGet, "/sessions", nil, &sessions); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tSTATUS\tAGE\tQUEUED\tLAST TOOL")
		for _, s := range sessions {
			age := time.Since(s.CreatedAt).Round(time.Minute)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				s.ID, s.displayName(), s.Provider, s.Status, age, s.PendingMessages, s.LastToolName)
		}
		return w.Flush()
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <session>",
	Short: "Kill a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.do(http.MethodDelete, "/sessions/"+args[0], nil, nil); err != nil {
			return fmt.Errorf("kill failed: %w", err)
		}
		fmt.Printf("killed %s\n", args[0])
		return nil
	},
}

var outputLines int

var outputCmd = &cobra.Command{
	Use:   "output <session>",
	Short: "Show the last terminal lines of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		var out struct {
			Lines []string `json:"lines"`
		}
		path := fmt.Sprintf("/sessions/%s/output?lines=%d", args[0], outputLines)
		if err := c.do(http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		fmt.Println(strings.Join(out.Lines, "\n"))
		return nil
	},
}

func init() {
	newCmd.Flags().StringVar(&newProvider, "provider", "claude_tmux", "session provider (claude_tmux, codex_tmux, codex_app)")
	newCmd.Flags().StringVar(&newDir, "dir", "", "working directory")
	newCmd.Flags().StringVar(&newParent, "parent", "", "parent session for wake-ups")
	newCmd.Flags().StringVar(&newName, "name", "", "friendly name")
	newCmd.Flags().BoolVar(&newEM, "em", false, "mark as the EM (operator) session")
	newCmd.Flags().StringVar(&newCommand, "command", "", "override the agent startup command")

	outputCmd.Flags().IntVarP(&outputLines, "lines", "n", 50, "number of lines")

	rootCmd.AddCommand(newCmd, lsCmd, killCmd, outputCmd)
}
