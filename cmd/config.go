package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/user/cloudscan/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect settings",
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(SettingsPath)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg.Redacted())
		if err != nil {
			return fmt.Errorf("failed to encode settings: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var pathConfigCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the default settings file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.GetConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that the settings are complete",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(SettingsPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return config.Errorf("%w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Settings are valid")
		return nil
	},
}

func init() {
	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(pathConfigCmd)
	configCmd.AddCommand(validateConfigCmd)
	rootCmd.AddCommand(configCmd)
}
