package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/samsaffron/toolloop/internal/llm"
	"github.com/samsaffron/toolloop/internal/session"
)

var (
	historyConversation string
	historyJSON         bool
	historyLimit        int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List conversations or show one conversation's messages",
	Long: `Without --conversation, list recent conversations. With it, print the
stored messages of that conversation.

Examples:
  toolloop history
  toolloop history -c <id>
  toolloop history -c <id> --json`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryDelete,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyDeleteCmd)
	historyCmd.Flags().StringVarP(&historyConversation, "conversation", "c", "", "Conversation to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of conversations to list")
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), "", false)
	if err != nil {
		return err
	}
	defer a.Close()
	out := cmd.OutOrStdout()

	if historyConversation == "" {
		convs, err := a.store.ListConversations(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(out, convs)
		}
		printConversations(out, convs)
		return nil
	}

	history, err := a.store.GetHistory(cmd.Context(), historyConversation)
	if err != nil {
		return err
	}
	if historyJSON {
		return writeJSON(out, history)
	}
	printHistory(out, history)
	return nil
}

func runHistoryDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), "", false)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.store.DeleteConversation(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted conversation %s\n", args[0])
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printConversations(w io.Writer, convs []session.ConversationSummary) {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tMESSAGES\tPROVIDER\tTITLE")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"), c.MessageCount, c.Provider, c.Title)
	}
	tw.Flush()
}

func printHistory(w io.Writer, history []llm.Message) {
	for i, m := range history {
		label := string(m.Role)
		switch {
		case m.IsSummary:
			label += " (summary)"
		case m.IsFunctionResponse:
			label += " (tool results)"
		}
		fmt.Fprintf(w, "#%d %s\n", i, label)
		if text := strings.TrimSpace(m.Text()); text != "" {
			fmt.Fprintln(w, indent(text))
		}
		for _, call := range m.ToolCalls() {
			fmt.Fprintf(w, "  -> [%s] %s\n", call.ID, formatCall(call))
		}
		for _, fr := range m.FunctionResponses() {
			fmt.Fprintf(w, "  <- [%s] %s: %s\n", fr.ID, fr.Name, summarizeResponse(fr.Response))
		}
	}
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

func summarizeResponse(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return truncate(string(data), 160)
}
