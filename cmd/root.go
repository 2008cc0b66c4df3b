package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "toolloop",
	Short: "Drive an AI coding assistant through tool calls",
	Long: `toolloop runs a conversation against a configured model provider,
executing the tools the model calls until it answers.

Examples:
  toolloop chat "list the go files in this repo"
  toolloop chat -c <id> "now summarize main.go"
  toolloop confirm -c <id> --all         # approve pending tool calls
  toolloop history                       # list conversations
  toolloop rollback -c <id> <checkpoint>
  toolloop models -p openai
  toolloop config`,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

var configFile string
var logLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default $XDG_CONFIG_HOME/toolloop/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
