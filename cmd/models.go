package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/samsaffron/toolloop/internal/cache"
	"github.com/samsaffron/toolloop/internal/llm"
)

var modelsProvider string
var modelsJSON bool
var modelsRefresh bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List available models from a provider",
	Long: `List available models from a provider.

OpenAI-compatible providers are queried through their models API; other
provider types print a built-in list.

Examples:
  toolloop models                       # list models from the default provider
  toolloop models --provider ollama     # list models from a local server
  toolloop models --json                # output as JSON`,
	Args: cobra.NoArgs,
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().StringVarP(&modelsProvider, "provider", "p", "", "Provider to list models from")
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Output as JSON")
	modelsCmd.Flags().BoolVar(&modelsRefresh, "refresh", false, "Ignore the cached list and query the provider")
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	providerCfg, err := cfg.Provider(modelsProvider)
	if err != nil {
		return err
	}

	models, err := listModels(cmd.Context(), providerCfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if modelsJSON {
		return writeJSON(out, models)
	}
	fmt.Fprintf(out, "Models for %s (%s):\n", providerCfg.Name, providerCfg.Type)
	for _, m := range models {
		marker := "  "
		if m.ID == providerCfg.Model {
			marker = "* "
		}
		fmt.Fprintf(out, "%s%s\n", marker, m.ID)
	}
	return nil
}

// listModels serves a fresh cached list unless --refresh is set.
func listModels(ctx context.Context, providerCfg llm.ProviderConfig) ([]llm.ModelInfo, error) {
	if !modelsRefresh {
		if cached, err := cache.ReadModelCache(providerCfg); err == nil && cache.IsCacheValid(cached) {
			return cached.Models, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	models, err := llm.ListModels(ctx, providerCfg)
	if err != nil {
		return nil, err
	}
	_ = cache.WriteModelCache(providerCfg, models)
	return models, nil
}
