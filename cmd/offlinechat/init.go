package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [endpoint]",
	Short: "Write a starter ~/.offlinechat/config.toml",
	Long: "Initialize offlinechat by writing the chat endpoint and worker defaults to the local configuration file.\n" +
		"Without an endpoint the environment's endpoint is used.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if len(args) == 1 {
			cfg.Default.Endpoint = args[0]
		}
		if cfg.Default.Environment == "" {
			cfg.Default.Environment = "production"
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "websocket"
		}
		if cfg.Worker.Listen == "" {
			cfg.Worker.Listen = defaultWorkerListen
		}
		if cfg.Worker.Origin == "" {
			cfg.Worker.Origin = defaultWorkerOrigin
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to %s\n", path)
		fmt.Fprintf(cmd.OutOrStdout(), "Chat endpoint: %s\n", chatEndpoint(cfg))
		return nil
	},
}
