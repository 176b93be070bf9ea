package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheUsageCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheTrimCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the worker cache",
}

var cacheUsageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show cached entries per bucket and estimated size",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		engine, storage, err := openEngine(cfg, logger)
		if err != nil {
			return err
		}
		defer storage.Close()

		ctx := cmd.Context()
		usage, err := engine.Usage(ctx)
		if err != nil {
			return err
		}
		buckets, err := storage.Buckets(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, b := range buckets {
			keys, err := storage.Keys(ctx, b)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%-32s %d\n", b, len(keys))
		}
		fmt.Fprintf(out, "Total: %d entries, %d bytes\n", usage.Entries, usage.Bytes)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cache bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		engine, storage, err := openEngine(cfg, logger)
		if err != nil {
			return err
		}
		defer storage.Close()

		n, err := engine.ClearAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d bucket(s)\n", n)
		return nil
	},
}

var cacheTrimCmd = &cobra.Command{
	Use:   "trim",
	Short: "Apply per-class entry limits now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		engine, storage, err := openEngine(cfg, logger)
		if err != nil {
			return err
		}
		defer storage.Close()

		n, err := engine.TrimAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entr(ies)\n", n)
		return nil
	},
}
