package config

import (
	"fmt"
	"strings"
)

type namedTool struct {
	name string
	tool Tool
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks a merged configuration for internal consistency.
func Validate(cfg *Config) error {
	if !cfg.Profile.Valid() {
		return fmt.Errorf("profile %q is not one of scripts, app, package", cfg.Profile)
	}

	tools := []namedTool{
		{"commands.run", cfg.Commands.Run},
		{"commands.test", cfg.Commands.Test},
	}
	if cfg.Profile.Packaging() {
		tools = append(tools,
			namedTool{"commands.build", cfg.Commands.Build},
			namedTool{"commands.upload", cfg.Commands.Upload},
		)
		if strings.TrimSpace(cfg.Build.OutputDir) == "" {
			return fmt.Errorf("build.output_dir is required for profile %q", cfg.Profile)
		}
	}
	for _, t := range tools {
		if err := validateTool(t.name, t.tool); err != nil {
			return err
		}
	}

	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", cfg.Log.Format)
	}

	if cfg.History.Enabled && strings.TrimSpace(cfg.History.Path) == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	if cfg.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative")
	}
	return nil
}

func validateTool(name string, t Tool) error {
	if t.Program() == "" {
		return fmt.Errorf("%s.argv must name an executable", name)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("%s.timeout must not be negative", name)
	}
	for k := range t.Env {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("%s.env has invalid variable name %q", name, k)
		}
	}
	return nil
}
