package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var rollbackConversation string

var rollbackCmd = &cobra.Command{
	Use:   "rollback [checkpoint]",
	Short: "Restore a conversation to a checkpoint",
	Long: `Truncate a conversation's history to the point a checkpoint was taken.
Without a checkpoint ID, list the conversation's checkpoints.

Examples:
  toolloop rollback -c <id>
  toolloop rollback -c <id> <checkpoint>`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.Flags().StringVarP(&rollbackConversation, "conversation", "c", "", "Conversation to restore")
	_ = rollbackCmd.MarkFlagRequired("conversation")
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, "", false)
	if err != nil {
		return err
	}
	defer a.Close()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		cps, err := a.checkpoints.List(ctx, rollbackConversation)
		if err != nil {
			return err
		}
		if len(cps) == 0 {
			fmt.Fprintln(out, "No checkpoints.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tMESSAGES\tCREATED")
		for _, cp := range cps {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", cp.ID, cp.Kind, cp.MessageCount, cp.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	}

	cp, err := a.checkpoints.Rollback(ctx, rollbackConversation, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Restored %s to %d message(s) (%s checkpoint)\n", rollbackConversation, cp.MessageCount, cp.Kind)
	return nil
}
