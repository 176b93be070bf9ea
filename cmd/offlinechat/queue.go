package main

import (
	"fmt"
	"io"

	"github.com/LuminPulse-AI/offlinechat"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queuePruneCmd)
	queueListCmd.Flags().Bool("unsynced", false, "only list messages still waiting to be sent")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the durable outbound message queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued messages and their sync status",
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

		unsyncedOnly, _ := cmd.Flags().GetBool("unsynced")
		var entries []offlinechat.QueuedMessage
		if unsyncedOnly {
			entries = st.messages.ListUnsynced()
		} else {
			entries = st.messages.All()
		}
		printQueue(cmd.OutOrStdout(), entries)
		return nil
	},
}

var queuePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop synced messages beyond the retention limit",
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

		before, _ := st.messages.Len()
		st.messages.Prune()
		after, unsynced := st.messages.Len()
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d message(s); %d stored, %d unsynced\n", before-after, after, unsynced)
		return nil
	},
}

func printQueue(w io.Writer, entries []offlinechat.QueuedMessage) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	for _, e := range entries {
		status := "pending"
		if e.Synced {
			status = "synced"
		}
		fmt.Fprintf(w, "%s  %-7s  %s  %s: %s\n",
			shortID(e.ID), status, e.QueuedAt.Local().Format("2006-01-02 15:04:05"), e.Sender, e.Content)
	}
}
