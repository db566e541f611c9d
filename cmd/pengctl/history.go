package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/peng/internal/history"
	"github.com/mattjoyce/peng/internal/inspect"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List or prune recorded invocations",
	}
	cmd.AddCommand(newHistoryListCmd(opts), newHistoryPruneCmd(opts))
	return cmd
}

func newHistoryListCmd(opts *rootOptions) *cobra.Command {
	var (
		limit   int
		mode    string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent invocations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store, closeFn, err := openHistory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			records, err := store.List(cmd.Context(), history.ListFilter{Limit: limit, Mode: mode})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if records == nil {
					records = []history.Record{}
				}
				data, err := json.MarshalIndent(records, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(data))
				return err
			}
			_, err = fmt.Fprint(out, inspect.FormatList(records))
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultListLimit, "Maximum number of invocations")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Only show one mode (r, t, c, u)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newHistoryPruneCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished invocations older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("older-than") {
				olderThan = cfg.History.Retention
			}
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive (history.retention is %s)", cfg.History.Retention)
			}

			store, closeFn, err := openHistory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := store.Prune(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d invocation(s) older than %s\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Age threshold (default: history.retention)")
	return cmd
}
