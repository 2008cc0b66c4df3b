package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/samsaffron/toolloop/internal/engine"
	"github.com/samsaffron/toolloop/internal/signal"
)

var (
	confirmConversation string
	confirmProvider     string
	confirmApprove      []string
	confirmReject       []string
	confirmAll          bool
	confirmReason       string
	confirmNoStream     bool
)

var confirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Approve or reject pending tool calls and continue",
	Long: `Answer the tool calls a conversation is waiting on, run the approved
ones and continue the loop. Calls not named are rejected unless --all is
given or the tool is allowed to run automatically.

Examples:
  toolloop confirm -c <id> --all
  toolloop confirm -c <id> --approve call_1 --reject call_2 --reason "not in prod"`,
	Args: cobra.NoArgs,
	RunE: runConfirm,
}

func init() {
	rootCmd.AddCommand(confirmCmd)
	confirmCmd.Flags().StringVarP(&confirmConversation, "conversation", "c", "", "Conversation waiting for confirmation")
	confirmCmd.Flags().StringVarP(&confirmProvider, "provider", "p", "", "Override provider, optionally with model")
	confirmCmd.Flags().StringSliceVar(&confirmApprove, "approve", nil, "Tool call IDs to approve")
	confirmCmd.Flags().StringSliceVar(&confirmReject, "reject", nil, "Tool call IDs to reject")
	confirmCmd.Flags().BoolVar(&confirmAll, "all", false, "Approve every call not explicitly rejected")
	confirmCmd.Flags().StringVar(&confirmReason, "reason", "", "Reason sent to the model with rejections")
	confirmCmd.Flags().BoolVar(&confirmNoStream, "no-stream", false, "Wait for the full answer instead of streaming")
	_ = confirmCmd.MarkFlagRequired("conversation")
}

// buildDecisions merges --approve and --reject; a rejection wins when an
// ID appears in both.
func buildDecisions(approve, reject []string, reason string) map[string]engine.Decision {
	decisions := make(map[string]engine.Decision, len(approve)+len(reject))
	for _, id := range approve {
		decisions[id] = engine.Decision{Approved: true}
	}
	for _, id := range reject {
		decisions[id] = engine.Decision{Reason: reason}
	}
	return decisions
}

func runConfirm(cmd *cobra.Command, args []string) error {
	if !confirmAll && len(confirmApprove) == 0 && len(confirmReject) == 0 {
		return fmt.Errorf("pass --all, --approve or --reject")
	}

	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, confirmProvider, true)
	if err != nil {
		return err
	}
	defer a.Close()

	in := engine.ResumeInput{
		ConversationID: confirmConversation,
		Decisions:      buildDecisions(confirmApprove, confirmReject, confirmReason),
		ApproveAll:     confirmAll,
	}
	out := cmd.OutOrStdout()
	if confirmNoStream {
		return printResult(out, a.controller.Resume(ctx, in), confirmConversation)
	}
	return drain(out, a.controller.ResumeStream(ctx, in), false, confirmConversation)
}
