package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/peng/internal/config"
	"github.com/mattjoyce/peng/internal/lock"
	"github.com/mattjoyce/peng/internal/storage"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultsFor(config.ProfilePackage)
	cfg.Dir = dir
	cfg.SourcePath = filepath.Join(dir, "peng.yaml")
	return cfg
}

func pathHas(names ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, n := range names {
			if n == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", errors.New("not found")
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	d := New(validConfig(t), WithLookPath(pathHas("python3")))
	r := d.Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_InvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Log.Level = "loud"
	r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "config", "log.level")
}

func TestValidate_DefaultsWarn(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.SourcePath = ""
	r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "config", "profile defaults")
}

func TestValidate_ProgramNotOnPath(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t), WithLookPath(pathHas())).Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "tools", "python3: command not found")
}

func TestValidate_RelativeProgram(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.Dir, "run.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Dir, "plain.sh"), []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Commands.Run = config.Tool{Argv: config.Argv{"./run.sh"}}
	cfg.Commands.Test = config.Tool{Argv: config.Argv{"./plain.sh"}}
	cfg.Commands.Build = config.Tool{Argv: config.Argv{"./missing.sh"}}

	r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "tools", "./plain.sh: not executable")
	assertHasError(t, r, "tools", "./missing.sh: command not found")
	for _, e := range r.Errors {
		if strings.Contains(e.Message, "run.sh") {
			t.Fatalf("executable run.sh reported: %v", e)
		}
	}
}

func TestValidate_MissingToolDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Commands.Test.Dir = "no-such-dir"
	r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "tools", "does not exist")
}

func TestValidate_UnsafeOutputDir(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Build.OutputDir = "/"
	r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	if r.Valid {
		t.Fatal("expected invalid")
	}
	if len(r.Errors) == 0 || r.Errors[0].Field != "build.output_dir" {
		t.Fatalf("expected build.output_dir error, got: %v", r.Errors)
	}
}

func TestValidate_OutputDirIsFile(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.Dir, "dist"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	assertHasError(t, r, "build", "not a directory")
}

func TestValidate_ScriptsProfileSkipsBuildChecks(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Profile = config.ProfileScripts
	cfg.Commands = config.DefaultCommands(config.ProfileScripts)
	cfg.Build.OutputDir = "/"
	r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_LockState(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	held, err := lock.Acquire(lock.PathFor(cfg.OutputDir()))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = held.Release() }()

	r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("lock state must not invalidate config: %v", r.Errors)
	}
	assertHasWarning(t, r, "build", "locked by pid")
}

func TestValidate_LockProbeCreatesNothing(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Build.OutputDir = filepath.Join("out", "dist")
	r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if _, err := os.Stat(filepath.Join(cfg.Dir, "out")); !os.IsNotExist(err) {
		t.Fatalf("doctor created the lock directory: %v", err)
	}
}

func TestValidate_LockDisabledWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	off := false
	cfg.Build.Lock = &off
	r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	assertHasWarning(t, r, "build", "lock disabled")
}

func TestValidate_History(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(cfg.Dir, "state", "history.db")
	r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "history", "does not exist yet")
	if _, err := os.Stat(filepath.Dir(cfg.History.Path)); !os.IsNotExist(err) {
		t.Fatalf("doctor created the history directory: %v", err)
	}

	db, err := storage.OpenSQLite(context.Background(), cfg.History.Path)
	if err != nil {
		t.Fatal(err)
	}
	_ = db.Close()
	r = New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	for _, w := range r.Warnings {
		if w.Category == "history" {
			t.Fatalf("unexpected history warning: %s", w.Message)
		}
	}

	blocker := filepath.Join(cfg.Dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.History.Path = filepath.Join(blocker, "history.db")
	r = New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	assertHasError(t, r, "history", "")
}

func TestValidate_Integrity(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	if err := os.WriteFile(cfg.SourcePath, []byte("profile: package\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Lock(cfg.SourcePath); err != nil {
		t.Fatal(err)
	}

	r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}

	if err := os.WriteFile(cfg.SourcePath, []byte("profile: app\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	r = New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	assertHasError(t, r, "integrity", "")
}

func TestValidate_OpenAPI(t *testing.T) {
	t.Parallel()
	tests := []struct {
		listen string
		token  string
		warn   bool
	}{
		{"127.0.0.1:8765", "", false},
		{"localhost:8765", "", false},
		{"[::1]:8765", "", false},
		{"0.0.0.0:8765", "", true},
		{"0.0.0.0:8765", "secret", false},
	}
	for _, tt := range tests {
		cfg := validConfig(t)
		cfg.API.Listen = tt.listen
		cfg.API.Token = tt.token
		r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
		got := false
		for _, w := range r.Warnings {
			if w.Category == "api" {
				got = true
			}
		}
		if got != tt.warn {
			t.Fatalf("listen=%s token=%q: api warning = %v, want %v", tt.listen, tt.token, got, tt.warn)
		}
	}

	cfg := validConfig(t)
	cfg.API.Listen = "nonsense"
	r := New(cfg, WithLookPath(pathHas("python3"))).Validate(context.Background())
	assertHasError(t, r, "api", "invalid listen address")
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	out := FormatHuman(&Result{Valid: true})
	if out != "Configuration valid.\n" {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestFormatHuman_Warnings(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:    true,
		Warnings: []Issue{{Category: "build", Field: "build.lock", Message: "locked"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "1 warning(s)") || !strings.Contains(out, "WARN  [build] build.lock: locked") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: false, Errors: []Issue{{Category: "config", Message: "bad"}}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": false`) || !strings.Contains(out, `"category": "config"`) {
		t.Fatalf("unexpected json: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
