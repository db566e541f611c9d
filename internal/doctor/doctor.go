// Package doctor checks that a peng configuration can actually dispatch.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/peng/internal/buildout"
	"github.com/mattjoyce/peng/internal/config"
	"github.com/mattjoyce/peng/internal/lock"
	"github.com/mattjoyce/peng/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the machine it runs on.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithLookPath overrides how bare program names are resolved.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(d *Doctor) { d.lookPath = fn }
}

// New creates a Doctor for cfg.
func New(cfg *config.Config, opts ...Option) *Doctor {
	d := &Doctor{cfg: cfg, lookPath: exec.LookPath}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.validateIntegrity(r)
	d.validateTools(r)
	d.validateBuildOutput(r)
	d.validateHistory(ctx, r)
	d.warnOpenAPI(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateConfig(r *Result) {
	if err := config.Validate(d.cfg); err != nil {
		d.addError(r, "config", "", err.Error())
	}
	if d.cfg.SourcePath == "" {
		d.addWarning(r, "config", "", "no config file found; using profile defaults")
	}
}

// validateIntegrity passes when no checksum file has been written.
func (d *Doctor) validateIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	if err := config.VerifyIntegrity(d.cfg.SourcePath); err != nil {
		d.addError(r, "integrity", config.SumFilename, err.Error())
	}
}

type fieldTool struct {
	field string
	tool  config.Tool
}

func (d *Doctor) validateTools(r *Result) {
	tools := []fieldTool{
		{"commands.run", d.cfg.Commands.Run},
		{"commands.test", d.cfg.Commands.Test},
	}
	if d.cfg.Profile.Packaging() {
		tools = append(tools,
			fieldTool{"commands.build", d.cfg.Commands.Build},
			fieldTool{"commands.upload", d.cfg.Commands.Upload},
		)
	}

	for _, t := range tools {
		program := t.tool.Program()
		if program == "" {
			continue // reported by validateConfig
		}

		dir := d.cfg.ToolDir(t.tool)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			d.addError(r, "tools", t.field+".dir", fmt.Sprintf("working directory %s does not exist", dir))
		}

		if err := d.resolveProgram(dir, program); err != nil {
			d.addError(r, "tools", t.field+".argv", err.Error())
		}
	}
}

// resolveProgram mirrors how the process runner finds an executable: names
// containing a separator are relative to the tool's directory, bare names
// go through PATH.
func (d *Doctor) resolveProgram(dir, program string) error {
	if !strings.ContainsRune(program, filepath.Separator) {
		if _, err := d.lookPath(program); err != nil {
			return fmt.Errorf("%s: command not found", program)
		}
		return nil
	}

	path := program
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: command not found", program)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s: not executable", program)
	}
	return nil
}

func (d *Doctor) validateBuildOutput(r *Result) {
	if !d.cfg.Profile.Packaging() {
		return
	}

	dir := d.cfg.OutputDir()
	if _, err := buildout.New(dir); err != nil {
		d.addError(r, "build", "build.output_dir", err.Error())
		return
	}
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		d.addError(r, "build", "build.output_dir", fmt.Sprintf("%s exists and is not a directory", dir))
	}

	if !d.cfg.Build.LockEnabled() {
		d.addWarning(r, "build", "build.lock", "build lock disabled; concurrent clean builds can race")
		return
	}
	held, pid, err := lock.Probe(lock.PathFor(dir))
	switch {
	case err != nil:
		d.addWarning(r, "build", "build.lock", fmt.Sprintf("cannot probe build lock: %v", err))
	case held && pid > 0:
		d.addWarning(r, "build", "build.lock", fmt.Sprintf("build output directory is locked by pid %d", pid))
	case held:
		d.addWarning(r, "build", "build.lock", "build output directory is locked")
	}
}

func (d *Doctor) validateHistory(ctx context.Context, r *Result) {
	if !d.cfg.History.Enabled {
		return
	}
	path := d.cfg.History.Path
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		d.addWarning(r, "history", "history.path",
			fmt.Sprintf("history database %s does not exist yet; the first recorded invocation creates it", path))
		return
	case err != nil:
		d.addError(r, "history", "history.path", err.Error())
		return
	case info.IsDir():
		d.addError(r, "history", "history.path", fmt.Sprintf("%s is a directory", path))
		return
	}

	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		d.addError(r, "history", "history.path", err.Error())
		return
	}
	if err := db.Close(); err != nil {
		d.addWarning(r, "history", "history.path", err.Error())
	}
}

// warnOpenAPI flags a status server that would listen beyond loopback with
// no token.
func (d *Doctor) warnOpenAPI(r *Result) {
	if d.cfg.API.Token != "" || d.cfg.API.Listen == "" {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q", d.cfg.API.Listen))
		return
	}
	if host == "localhost" {
		return
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return
	}
	d.addWarning(r, "api", "api.token", "status server listens beyond loopback without a token")
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
