package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage persisted chat preferences",
	Long:  "View or change preferences stored alongside the message queue (e.g. notifications).",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print stored preferences",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		st, err := openStores(cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		printSettings(cmd.OutOrStdout(), st.settings.Load())
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <bool>",
	Short: "Set a boolean preference",
	Long:  "Set a boolean preference.\nExample: offlinechat settings set notifications false",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		value, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("value must be a boolean, got %q", args[1])
		}

		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		st, err := openStores(cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		st.settings.Set(key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %t\n", key, value)
		return nil
	},
}

func printSettings(w io.Writer, settings map[string]any) {
	if len(settings) == 0 {
		fmt.Fprintln(w, "No preferences stored.")
		return
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s = %v\n", k, settings[k])
	}
}
