package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/samsaffron/toolloop/internal/config"
	"github.com/samsaffron/toolloop/internal/llm"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration after defaults and environment expansion.
API keys are masked.

Examples:
  toolloop config
  toolloop config path
  toolloop config init`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.GetConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config file")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(masked(cfg))
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if config.Exists() && !configInitForce {
		path, _ := config.GetConfigPath()
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	cfg, err := config.Defaults()
	if err != nil {
		return err
	}
	for name, p := range cfg.Providers {
		p.APIKey = ""
		cfg.Providers[name] = p
	}
	if err := config.Save(cfg, ""); err != nil {
		return err
	}
	path, _ := config.GetConfigPath()
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

// masked returns a copy of cfg with secrets replaced.
func masked(cfg *config.Config) *config.Config {
	out := *cfg
	out.Providers = make(map[string]llm.ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		p.APIKey = maskSecret(p.APIKey)
		out.Providers[name] = p
	}
	return &out
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 4) + s[len(s)-4:]
}
