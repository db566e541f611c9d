package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/peng/internal/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show, check or lock the peng configuration",
	}
	cmd.AddCommand(newConfigShowCmd(opts), newConfigCheckCmd(opts), newConfigLockCmd(opts))
	return cmd
}

func newConfigShowCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after defaults and overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.API.Token != "" {
				shown.API.Token = "********"
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				data, err := json.MarshalIndent(shown, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(data))
				return err
			}
			data, err := yaml.Marshal(shown)
			if err != nil {
				return err
			}
			if cfg.SourcePath != "" {
				fmt.Fprintf(out, "# source: %s\n", cfg.SourcePath)
			} else {
				fmt.Fprintf(out, "# source: built-in defaults\n")
			}
			_, err = out.Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON instead of YAML")
	return cmd
}

func newConfigCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and its checksum file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load validates and verifies integrity.
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.SourcePath == "" {
				fmt.Fprintf(out, "No config file found; profile %s defaults are valid.\n", cfg.Profile)
				return nil
			}
			manifest, err := config.LoadChecksums(cfg.SourcePath)
			if err != nil {
				return err
			}
			state := "unlocked"
			if manifest != nil {
				state = "locked"
			}
			fmt.Fprintf(out, "Configuration valid: %s (profile %s, %s)\n", cfg.SourcePath, cfg.Profile, state)
			return nil
		},
	}
}

func newConfigLockCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Record BLAKE3 checksums of the config file in " + config.SumFilename,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.resolveConfigPath()
			if err != nil {
				return err
			}
			manifest, err := config.Lock(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for name, hash := range manifest.Hashes {
				fmt.Fprintf(out, "%s  %s\n", hash, name)
			}
			fmt.Fprintf(out, "wrote %s\n", config.SumPath(path))
			return nil
		},
	}
}

// resolveConfigPath finds the config file without loading it, so a config
// that fails its integrity check can still be re-locked.
func (o *rootOptions) resolveConfigPath() (string, error) {
	if o.configPath != "" {
		return config.ResolveFile(o.configPath)
	}
	path, err := config.Discover()
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("no config file found to lock")
	}
	return config.ResolveFile(path)
}
