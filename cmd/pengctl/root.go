package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/peng/internal/config"
	"github.com/mattjoyce/peng/internal/history"
	"github.com/mattjoyce/peng/internal/log"
	"github.com/mattjoyce/peng/internal/storage"
)

type rootOptions struct {
	configPath string
}

// NewRootCmd creates the root command for pengctl.
func NewRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "pengctl",
		Short: "Inspect and operate the peng project dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Show help when no subcommand is provided.
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to peng.yaml, peng.cue or their directory (default: discovered like peng)")

	cmd.AddCommand(
		newVersionCmd(),
		newDoctorCmd(opts),
		newConfigCmd(opts),
		newHistoryCmd(opts),
		newInspectCmd(opts),
		newServeCmd(opts),
		newWatchCmd(opts),
	)
	return cmd
}

// Execute runs the root command with provided args.
func Execute(args []string, stdout, stderr io.Writer) error {
	cmd := NewRootCmd(stdout, stderr)
	if args == nil {
		// cobra falls back to os.Args on nil.
		args = []string{}
	}
	cmd.SetArgs(args)
	return cmd.Execute()
}

// load reads the config the same way peng does, or from --config.
func (o *rootOptions) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, err = config.LoadDiscovered()
	}
	if err != nil {
		return nil, err
	}
	log.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// openHistory opens an existing history database. It never creates one, so
// read-only commands leave no trace when history is off.
func openHistory(ctx context.Context, cfg *config.Config) (*history.Store, func(), error) {
	if _, err := os.Stat(cfg.History.Path); err != nil {
		if os.IsNotExist(err) {
			if !cfg.History.Enabled {
				return nil, nil, fmt.Errorf("no history database at %s (history.enabled is false)", cfg.History.Path)
			}
			return nil, nil, fmt.Errorf("no history database at %s yet", cfg.History.Path)
		}
		return nil, nil, err
	}

	db, err := storage.OpenSQLite(ctx, cfg.History.Path)
	if err != nil {
		return nil, nil, err
	}
	return history.New(db), func() { _ = db.Close() }, nil
}
