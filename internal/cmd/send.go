package cmd

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var (
	sendMode       string
	sendSender     string
	sendNotify     bool
	sendRemindSoft int
	sendRemindHard int
	sendParent     string
)

var sendCmd = &cobra.Command{
	Use:   "send <session> <text>...",
	Short: "Send a message to a session",
	Long: `Send a message to a session.

Modes:
  sequential  deliver at the next idle moment, FIFO (default)
  important   same ordering, flagged prefix
  urgent      interrupt the agent's current turn and deliver now

Dispatch extras: --remind-soft/--remind-hard arm reminder timers for the
target; --parent registers periodic wake-up digests back to the parent.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"text":           strings.Join(args[1:], " "),
			"mode":           sendMode,
			"sender_id":      sendSender,
			"notify_on_stop": sendNotify,
			"remind_soft_s":  sendRemindSoft,
			"remind_hard_s":  sendRemindHard,
			"parent_id":      sendParent,
		}
		var out struct {
			MessageID string `json:"message_id"`
		}
		if err := c.do(http.MethodPost, "/sessions/"+args[0]+"/input", body, &out); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Println(out.MessageID)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendMode, "mode", "m", "sequential", "delivery mode (sequential, important, urgent)")
	sendCmd.Flags().StringVar(&sendSender, "from", "", "sending session (for attribution and stop notifications)")
	sendCmd.Flags().BoolVar(&sendNotify, "notify-on-stop", false, "notify the sender when the target finishes")
	sendCmd.Flags().IntVar(&sendRemindSoft, "remind-soft", 0, "soft reminder threshold in seconds")
	sendCmd.Flags().IntVar(&sendRemindHard, "remind-hard", 0, "hard reminder threshold in seconds")
	sendCmd.Flags().StringVar(&sendParent, "parent", "", "parent session for wake-up digests")
	rootCmd.AddCommand(sendCmd)
}
