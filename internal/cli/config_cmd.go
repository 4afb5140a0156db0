package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/scenefactory/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}

		errs := config.Validate(cfg)
		if len(errs) == 0 {
			if path == "" {
				path = "built-in defaults"
			}
			cmd.Printf("Configuration is valid (%s).\n", path)
			return nil
		}

		cmd.Println("Validation errors:")
		for _, e := range errs {
			cmd.Printf("  - %s\n", e)
		}
		return fmt.Errorf("config has %d validation error(s)", len(errs))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}

		cmd.Print(string(data))
		return nil
	},
}

var configSecretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Report which API keys are set (values are never printed)",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, key := range []string{config.EnvGeminiKey, config.EnvOpenRouterKey, config.EnvContext7Key} {
			state := "missing"
			if config.Secret(key) != "" {
				state = "set"
			}
			cmd.Printf("%-20s %s\n", key, state)
		}
		return nil
	},
}

// loadConfig loads --config, or the first default location, or the built-in
// defaults. The returned path is empty for built-in defaults.
func loadConfig() (*config.Config, string, error) {
	if configFile != "" {
		cfg, err := config.Load(configFile)
		return cfg, configFile, err
	}
	return config.LoadDefault()
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSecretsCmd)
}
