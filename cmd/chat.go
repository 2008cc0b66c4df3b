package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/samsaffron/toolloop/internal/engine"
	"github.com/samsaffron/toolloop/internal/llm"
	"github.com/samsaffron/toolloop/internal/session"
	"github.com/samsaffron/toolloop/internal/signal"
)

var (
	chatProvider     string
	chatConversation string
	chatNoStream     bool
	chatThoughts     bool
	chatRetry        bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message and run tool calls until the model answers",
	Long: `Send a message to the configured provider. Tool calls the model makes
are executed between model calls; calls that need confirmation stop the
loop until 'toolloop confirm' is run.

Examples:
  toolloop chat "what does internal/engine do?"
  toolloop chat -c <id> "and how is it tested?"
  toolloop chat -p openai:gpt-5.2 "explain go.mod"
  toolloop chat -c <id> --retry          # regenerate the last answer`,
	Args: func(cmd *cobra.Command, args []string) error {
		if chatRetry {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	},
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&chatProvider, "provider", "p", "", "Override provider, optionally with model (e.g., openai:gpt-5.2)")
	chatCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "Continue an existing conversation")
	chatCmd.Flags().BoolVar(&chatNoStream, "no-stream", false, "Wait for the full answer instead of streaming")
	chatCmd.Flags().BoolVar(&chatThoughts, "thoughts", false, "Show streamed reasoning text")
	chatCmd.Flags().BoolVar(&chatRetry, "retry", false, "Drop the last answer and ask again")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, chatProvider, true)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if chatRetry {
		if chatConversation == "" {
			return fmt.Errorf("--retry requires --conversation")
		}
		if chatNoStream {
			return printResult(out, a.controller.Retry(ctx, chatConversation, ""), chatConversation)
		}
		return drain(out, a.controller.RetryStream(ctx, chatConversation, ""), chatThoughts, chatConversation)
	}

	msg := llm.UserText(strings.Join(args, " "))
	convID := chatConversation
	if convID == "" {
		provider, err := a.cfg.Provider("")
		if err != nil {
			return err
		}
		convID = session.NewID()
		conv := &session.Conversation{ID: convID, Title: session.TitleFrom(msg), Provider: provider.Name}
		if err := a.store.CreateConversation(ctx, conv); err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "conversation %s\n", convID)
	} else if _, err := a.store.GetConversation(ctx, convID); err != nil {
		return fmt.Errorf("conversation %s: %w", convID, err)
	}

	in := engine.Input{ConversationID: convID, Message: &msg}
	if chatNoStream {
		return printResult(out, a.controller.Run(ctx, in), convID)
	}
	return drain(out, a.controller.Stream(ctx, in), chatThoughts, convID)
}
