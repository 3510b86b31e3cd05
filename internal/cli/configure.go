package cli

import (
	"fmt"

	"github.com/halvard/skald/internal/config"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Set and persist Skald configuration",
	Long: `Update the Skald configuration file from flags and persist it.
Existing settings are kept; only the flags you pass are changed.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().String("provider", "", "model provider (openai, anthropic)")
	configureCmd.Flags().String("model", "", "model identifier, e.g. gpt-4o-mini")
	configureCmd.Flags().String("api-key", "", "provider API key")
	configureCmd.Flags().String("data-dir", "", "directory for logs, ledgers, and workspace")
	configureCmd.Flags().String("workspace", "", "workspace root for file tools")
	configureCmd.Flags().String("pricing-file", "", "path to a JSON pricing table")
	configureCmd.Flags().Bool("metrics", false, "enable the Prometheus endpoint")

	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("provider") {
		cfg.Provider.Name, _ = flags.GetString("provider")
	}
	if flags.Changed("model") {
		cfg.Provider.Model, _ = flags.GetString("model")
	}
	if flags.Changed("api-key") {
		cfg.Provider.APIKey, _ = flags.GetString("api-key")
	}
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("workspace") {
		cfg.WorkspacePath, _ = flags.GetString("workspace")
	}
	if flags.Changed("pricing-file") {
		cfg.Pricing.Path, _ = flags.GetString("pricing-file")
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Enabled, _ = flags.GetBool("metrics")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	loader := config.NewLoader(cfgFile)
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("Configuration saved to: %s\n", loader.GetConfigPath())
	return nil
}
