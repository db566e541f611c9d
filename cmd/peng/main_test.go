package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/peng/internal/history"
	"github.com/mattjoyce/peng/internal/lock"
	"github.com/mattjoyce/peng/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

// recordScript writes each argument after the first to "<first>.args" beside
// the script, then exits with $PENG_FAKE_EXIT.
const recordScript = `#!/bin/sh
name="$1"; shift
log="$(dirname "$0")/$name.args"
: > "$log"
for a in "$@"; do printf '%s\n' "$a" >> "$log"; done
exit "${PENG_FAKE_EXIT:-0}"
`

// buildScript records its arguments and produces one wheel in dist/.
const buildScript = `#!/bin/sh
log="$(dirname "$0")/build.args"
: > "$log"
for a in "$@"; do printf '%s\n' "$a" >> "$log"; done
mkdir -p dist
printf 'wheel' > dist/peng-1.0-py3-none-any.whl
`

type project struct {
	dir string
}

func newProject(t *testing.T, profile string, extra string) *project {
	t.Helper()

	dir := t.TempDir()
	for name, body := range map[string]string{"record.sh": recordScript, "build.sh": buildScript} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	record := filepath.Join(dir, "record.sh")
	cfg := "profile: " + profile + "\n" +
		"commands:\n" +
		"  run:\n    argv: [" + record + ", run]\n" +
		"  test:\n    argv: [" + record + ", test]\n"
	if profile == "package" {
		cfg += "  build:\n    argv: [" + filepath.Join(dir, "build.sh") + "]\n" +
			"  upload:\n    argv: [" + record + ", upload]\n"
	}
	cfg += extra

	path := filepath.Join(dir, "peng.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PENG_CONFIG", path)
	t.Setenv("PENG_PROFILE", "")
	t.Setenv("PENG_LOG_LEVEL", "")
	t.Setenv("PENG_DRY_RUN", "")
	t.Setenv("PENG_DEBUG", "")
	t.Setenv("PENG_FAKE_EXIT", "")
	return &project{dir: dir}
}

func (p *project) args(t *testing.T, name string) []string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(p.dir, name+".args"))
	if err != nil {
		t.Fatalf("%s was not invoked: %v", name, err)
	}
	s := strings.TrimSuffix(string(b), "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}

func (p *project) invoked(name string) bool {
	_, err := os.Stat(filepath.Join(p.dir, name+".args"))
	return err == nil
}

func equalArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunForwardsTailAndExitCode(t *testing.T) {
	p := newProject(t, "package", "")
	t.Setenv("PENG_FAKE_EXIT", "7")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"r", "--help", "two words", "-x"})
	})
	if code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}
	if stdout != "" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	if got, want := p.args(t, "run"), []string{"--help", "two words", "-x"}; !equalArgs(got, want) {
		t.Fatalf("run args = %q, want %q", got, want)
	}
}

func TestTestModeForwardsTail(t *testing.T) {
	p := newProject(t, "scripts", "")

	code, _, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"t", "-k", "foo"})
	})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if got, want := p.args(t, "test"), []string{"-k", "foo"}; !equalArgs(got, want) {
		t.Fatalf("test args = %q, want %q", got, want)
	}
}

func TestInvalidOption(t *testing.T) {
	tests := []struct {
		name    string
		profile string
		args    []string
		want    string
	}{
		{"no args", "package", nil, "invalid option: \n"},
		{"unknown", "package", []string{"x"}, "invalid option: \n"},
		{"unknown with tail", "app", []string{"help", "me", "now"}, "invalid option: me now\n"},
		{"clean outside package profile", "scripts", []string{"c", "extra"}, "invalid option: extra\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProject(t, tt.profile, "")
			code, stdout, _ := captureOutputWithExitCode(t, func() int {
				return runCLI(tt.args)
			})
			if code != 0 {
				t.Fatalf("exit code = %d, want 0", code)
			}
			if stdout != tt.want {
				t.Fatalf("stdout = %q, want %q", stdout, tt.want)
			}
			for _, name := range []string{"run", "test", "upload", "build"} {
				if p.invoked(name) {
					t.Fatalf("%s was invoked for an invalid option", name)
				}
			}
		})
	}
}

func TestCleanBuildDeletesOutputThenBuilds(t *testing.T) {
	p := newProject(t, "package", "")
	dist := filepath.Join(p.dir, "dist")
	if err := os.MkdirAll(dist, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(dist, "stale-0.1.tar.gz")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"c", "ignored", "tokens"})
	})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr %q)", code, stderr)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale artifact survived clean build: %v", err)
	}
	if got := p.args(t, "build"); len(got) != 0 {
		t.Fatalf("build args = %q, want none", got)
	}
	if _, err := os.Stat(filepath.Join(dist, "peng-1.0-py3-none-any.whl")); err != nil {
		t.Fatalf("build output missing: %v", err)
	}

	// A second clean build on a fresh tree works the same way.
	code, _, _ = captureOutputWithExitCode(t, func() int { return runCLI([]string{"c"}) })
	if code != 0 {
		t.Fatalf("second clean build exit code = %d", code)
	}
}

func TestUploadPassesBuildOutput(t *testing.T) {
	p := newProject(t, "package", "")

	code, _, _ := captureOutputWithExitCode(t, func() int { return runCLI([]string{"u"}) })
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got, want := p.args(t, "upload"), []string{filepath.Join(p.dir, "dist") + "/*"}; !equalArgs(got, want) {
		t.Fatalf("upload args on empty dist = %q, want %q", got, want)
	}

	captureOutputWithExitCode(t, func() int { return runCLI([]string{"c"}) })
	code, _, _ = captureOutputWithExitCode(t, func() int { return runCLI([]string{"u", "--skip-existing"}) })
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	want := []string{filepath.Join(p.dir, "dist", "peng-1.0-py3-none-any.whl")}
	if got := p.args(t, "upload"); !equalArgs(got, want) {
		t.Fatalf("upload args = %q, want %q", got, want)
	}
}

func TestBuildLockBusy(t *testing.T) {
	p := newProject(t, "package", "")
	held, err := lock.Acquire(lock.PathFor(filepath.Join(p.dir, "dist")))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = held.Release() }()

	code, _, stderr := captureOutputWithExitCode(t, func() int { return runCLI([]string{"c"}) })
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "peng: build output directory") || !strings.Contains(stderr, "is locked by pid") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
	if p.invoked("build") {
		t.Fatal("build ran while the lock was held")
	}
}

func TestMissingProgram(t *testing.T) {
	newProject(t, "app", "")
	cfgPath := os.Getenv("PENG_CONFIG")
	if err := os.WriteFile(cfgPath, []byte("profile: app\ncommands:\n  run:\n    argv: [peng-definitely-missing]\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := captureOutputWithExitCode(t, func() int { return runCLI([]string{"r"}) })
	if code != 127 {
		t.Fatalf("exit code = %d, want 127", code)
	}
	if !strings.Contains(stderr, "peng: peng-definitely-missing: command not found") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestInvalidConfig(t *testing.T) {
	newProject(t, "app", "log:\n  level: loud\n")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int { return runCLI([]string{"t"}) })
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if stdout != "" {
		t.Fatalf("unexpected stdout %q", stdout)
	}
	if !strings.HasPrefix(stderr, "peng: ") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func TestInvalidOptionIgnoresBrokenConfig(t *testing.T) {
	newProject(t, "app", "log:\n  level: loud\n")

	for _, args := range [][]string{nil, {"x", "y"}} {
		code, stdout, stderr := captureOutputWithExitCode(t, func() int { return runCLI(args) })
		if code != 0 {
			t.Fatalf("%v: exit code = %d, want 0", args, code)
		}
		want := "invalid option: " + strings.Join(args[min(1, len(args)):], " ") + "\n"
		if stdout != want {
			t.Fatalf("%v: stdout = %q, want %q", args, stdout, want)
		}
		if stderr != "" {
			t.Fatalf("%v: unexpected stderr %q", args, stderr)
		}
	}
}

func TestDryRun(t *testing.T) {
	p := newProject(t, "package", "")
	t.Setenv("PENG_DRY_RUN", "1")

	code, _, stderr := captureOutputWithExitCode(t, func() int { return runCLI([]string{"t", "-q"}) })
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	want := "+ " + filepath.Join(p.dir, "record.sh") + " test -q\n"
	if !strings.Contains(stderr, want) {
		t.Fatalf("stderr = %q, want %q", stderr, want)
	}
	if p.invoked("test") {
		t.Fatal("dry run started the test runner")
	}
}

func TestHistoryRecordsInvocation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	newProject(t, "package", "history:\n  enabled: true\n  record_git: false\n  path: "+dbPath+"\n")
	t.Setenv("PENG_FAKE_EXIT", "4")

	code, _, _ := captureOutputWithExitCode(t, func() int { return runCLI([]string{"t", "-k", "slow"}) })
	if code != 4 {
		t.Fatalf("exit code = %d, want 4", code)
	}

	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	records, err := history.New(db).List(context.Background(), history.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	r := records[0]
	if r.Mode != "t" || r.Status != history.StatusCompleted || r.ExitCode == nil || *r.ExitCode != 4 {
		t.Fatalf("unexpected record %+v", r)
	}
	if got, want := r.Args, []string{"test", "-k", "slow"}; !equalArgs(got, want) {
		t.Fatalf("recorded args = %q, want %q", got, want)
	}
}
