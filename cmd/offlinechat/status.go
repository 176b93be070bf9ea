package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and queue status",
	Long:  "Display the resolved configuration, the outbound queue counters and the worker cache size.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printConfigSummary(out, cfg)

		st, err := openStores(cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		total, unsynced := st.messages.Len()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Queue:")
		fmt.Fprintf(out, "  Stored:      %d\n", total)
		fmt.Fprintf(out, "  Unsynced:    %s\n", queueIndicator(unsynced))
		fmt.Fprintf(out, "  Notify:      %t\n", st.settings.Bool("notifications", true))

		engine, storage, err := openEngine(cfg, logger)
		if err != nil {
			// The cache is optional for status output.
			fmt.Fprintf(out, "\nCache:\n  %s\n", color.YellowString("unavailable: %v", err))
			return nil
		}
		defer storage.Close()
		usage, err := engine.Usage(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Cache:")
		fmt.Fprintf(out, "  Version:     %s\n", engine.Version())
		fmt.Fprintf(out, "  Entries:     %d (%d bytes)\n", usage.Entries, usage.Bytes)
		return nil
	},
}

func printConfigSummary(out io.Writer, cfg *Config) {
	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
	fmt.Fprintf(out, "  Endpoint:    %s\n", chatEndpoint(cfg))
	fmt.Fprintf(out, "  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "websocket"))
	fmt.Fprintf(out, "  Sender:      %s\n", valueOrDefault(cfg.Default.LocalSender, "user"))

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Worker:")
	fmt.Fprintf(out, "  Listen:      %s\n", valueOrDefault(cfg.Worker.Listen, defaultWorkerListen))
	fmt.Fprintf(out, "  Origin:      %s\n", valueOrDefault(cfg.Worker.Origin, defaultWorkerOrigin))
	if cfg.Worker.PushSecret != "" {
		fmt.Fprintf(out, "  Push secret: %s\n", maskKey(cfg.Worker.PushSecret))
	} else {
		fmt.Fprintln(out, "  Push secret: (not set, /push disabled)")
	}
}

// queueIndicator colors the unsynced count: green when drained, yellow
// while messages are waiting.
func queueIndicator(unsynced int) string {
	if unsynced == 0 {
		return color.GreenString("0 (all synced)")
	}
	return color.YellowString("%d waiting", unsynced)
}
