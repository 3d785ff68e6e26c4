package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nainya/govlifecycle/pkg/audit"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the audit journal",
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Check every journal entry and print a summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := audit.ReadAll(args[0])
		if err != nil && !errors.Is(err, audit.ErrTruncated) {
			return fmt.Errorf("read journal: %w", err)
		}

		actions := make(map[audit.Action]int)
		for _, e := range entries {
			rec, derr := e.Record()
			if derr != nil {
				return derr
			}
			actions[rec.Action]++
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "entries: %d\n", len(entries))
		if len(entries) > 0 {
			fmt.Fprintf(out, "lsn: %d..%d\n", entries[0].LSN, entries[len(entries)-1].LSN)
		}
		for action, n := range actions {
			fmt.Fprintf(out, "  %s: %d\n", action, n)
		}
		if errors.Is(err, audit.ErrTruncated) {
			fmt.Fprintln(out, "warning: torn tail after last entry")
		}
		return nil
	},
}

func init() {
	journalCmd.AddCommand(journalVerifyCmd)
}
