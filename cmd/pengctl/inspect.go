package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/peng/internal/inspect"
)

func newInspectCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect <invocation-id>",
		Short: "Show one invocation with its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store, closeFn, err := openHistory(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			outputDir := ""
			if cfg.Profile.Packaging() {
				outputDir = cfg.OutputDir()
			}

			var report string
			if jsonOut {
				report, err = inspect.BuildJSONReport(cmd.Context(), store, outputDir, args[0])
				report += "\n"
			} else {
				report, err = inspect.BuildReport(cmd.Context(), store, outputDir, args[0])
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), report)
			return err
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the report as JSON")
	return cmd
}
