package main

import (
	"fmt"
	"io"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configShowCmd.Flags().Bool("resolved", false, "print the effective configuration including OFFLINECHAT_* overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage offlinechat configuration",
	Long:  "View or modify the offlinechat configuration stored in ~/.offlinechat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if resolved, _ := cmd.Flags().GetBool("resolved"); resolved {
			cfg, err := resolveConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return writeConfig(out, cfg)
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(out, "No configuration file found. Run 'offlinechat init' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		_, err = out.Write(data)
		return err
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: offlinechat config set worker.origin http://localhost:3000",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "worker.push_secret" {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}

// writeConfig prints cfg as TOML with the push secret masked.
func writeConfig(w io.Writer, cfg *Config) error {
	shown := *cfg
	if shown.Worker.PushSecret != "" {
		shown.Worker.PushSecret = maskKey(shown.Worker.PushSecret)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	_, err = w.Write(data)
	return err
}
