package main

import (
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/peng/internal/history"
	"github.com/mattjoyce/peng/internal/tui"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		limit   int
		mode    string
		refresh time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live terminal view of recent invocations",
		Args:  cobra.NoArgs,
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

			title := filepath.Base(cfg.Dir)
			if cfg.Dir == "" {
				title = ""
			}
			m := tui.NewMonitor(store, history.ListFilter{Limit: limit, Mode: mode}, refresh, title)
			p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of invocations")
	cmd.Flags().StringVarP(&mode, "mode", "m", "", "Only show one mode (r, t, c, u)")
	cmd.Flags().DurationVar(&refresh, "refresh", tui.DefaultRefresh, "Refresh interval")
	return cmd
}
