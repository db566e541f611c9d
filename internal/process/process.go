package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/peng/internal/log"
)

const (
	// EnvDryRun makes Exec print commands instead of running them.
	EnvDryRun = "PENG_DRY_RUN"
	// EnvDebug makes Exec print commands before running them.
	EnvDebug = "PENG_DEBUG"

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	ExitTimeout       = 124
	ExitNotExecutable = 126
	ExitNotFound      = 127
	exitSignalBase    = 128
)

// Command is one external program invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// String renders the command the way a shell trace would.
func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result describes how the program terminated.
type Result struct {
	ExitCode int
	TimedOut bool
	Signaled bool
	Duration time.Duration
}

// Runner starts external programs.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Exec runs commands as child processes.
type Exec struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	dryRun bool
	echo   bool
	grace  time.Duration
	relay  []os.Signal
	logger *slog.Logger
}

// Option configures Exec.
type Option func(*Exec)

// WithStdio overrides the inherited standard streams.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(e *Exec) {
		e.stdin, e.stdout, e.stderr = stdin, stdout, stderr
	}
}

// WithDryRun prints commands instead of running them.
func WithDryRun(v bool) Option { return func(e *Exec) { e.dryRun = v } }

// WithEcho prints each command to stderr before running it.
func WithEcho(v bool) Option { return func(e *Exec) { e.echo = v } }

// WithGracePeriod overrides the SIGTERM to SIGKILL delay.
func WithGracePeriod(d time.Duration) Option { return func(e *Exec) { e.grace = d } }

// WithRelaySignals sets which launcher signals are forwarded to the child.
func WithRelaySignals(sigs ...os.Signal) Option { return func(e *Exec) { e.relay = sigs } }

// NewExec creates an Exec bound to the launcher's stdio.
func NewExec(opts ...Option) *Exec {
	e := &Exec{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		grace:  terminationGracePeriod,
		relay:  []os.Signal{syscall.SIGTERM, syscall.SIGHUP},
		logger: log.WithComponent("process"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OptionsFromEnv reads PENG_DRY_RUN and PENG_DEBUG.
func OptionsFromEnv() []Option {
	return []Option{
		WithDryRun(os.Getenv(EnvDryRun) == "1"),
		WithEcho(os.Getenv(EnvDebug) == "1"),
	}
}

// Run starts cmd and blocks until it exits. Launcher-side failures are
// returned as errors; the program's own failure is only an exit code.
func (e *Exec) Run(ctx context.Context, c Command) (Result, error) {
	if e.dryRun || e.echo {
		fmt.Fprintf(e.stderr, "+ %s\n", c)
	}
	if e.dryRun {
		return Result{}, nil
	}

	// Don't use CommandContext: termination follows the grace policy below.
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = e.stdin
	cmd.Stdout = e.stdout
	cmd.Stderr = e.stderr
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(c.Env)...)
	}

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, append([]os.Signal{os.Interrupt}, e.relay...)...)
	defer signal.Stop(sigs)

	e.logger.Debug("spawning", "program", c.Name, "args", c.Args, "dir", c.Dir, "timeout", c.Timeout)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return e.startFailure(c, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case err := <-waitErr:
			res := exitResult(cmd.ProcessState, err)
			res.Duration = time.Since(start)
			e.logger.Debug("program exited", "program", c.Name, "exit_code", res.ExitCode, "duration", res.Duration)
			return res, nil

		case sig := <-sigs:
			if sig == os.Interrupt {
				continue
			}
			e.logger.Debug("relaying signal", "signal", sig.String())
			if err := cmd.Process.Signal(sig); err != nil {
				e.logger.Warn("failed to relay signal", "signal", sig.String(), "error", err)
			}

		case <-timeout:
			e.logger.Warn("program timed out, sending SIGTERM", "program", c.Name, "timeout", c.Timeout)
			e.terminate(cmd, waitErr)
			return Result{ExitCode: ExitTimeout, TimedOut: true, Duration: time.Since(start)}, nil

		case <-ctx.Done():
			e.logger.Warn("context cancelled, sending SIGTERM", "program", c.Name)
			res := e.terminate(cmd, waitErr)
			res.Duration = time.Since(start)
			return res, ctx.Err()
		}
	}
}

// terminate sends SIGTERM, waits for the grace period, then SIGKILL.
func (e *Exec) terminate(cmd *exec.Cmd, waitErr <-chan error) Result {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		e.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(e.grace)
	defer grace.Stop()

	select {
	case err := <-waitErr:
		return exitResult(cmd.ProcessState, err)
	case <-grace.C:
		e.logger.Warn("program did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			e.logger.Error("failed to send SIGKILL", "error", err)
		}
		err := <-waitErr
		return exitResult(cmd.ProcessState, err)
	}
}

func (e *Exec) startFailure(c Command, err error) (Result, error) {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) && pathErr.Op == "chdir" {
		return Result{ExitCode: 1}, fmt.Errorf("start %s: %w", c.Name, err)
	}
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		fmt.Fprintf(e.stderr, "peng: %s: command not found\n", c.Name)
		return Result{ExitCode: ExitNotFound}, nil
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.ENOEXEC):
		fmt.Fprintf(e.stderr, "peng: %s: permission denied\n", c.Name)
		return Result{ExitCode: ExitNotExecutable}, nil
	default:
		return Result{ExitCode: 1}, fmt.Errorf("start %s: %w", c.Name, err)
	}
}

// exitResult maps a finished process to a shell-style exit status.
func exitResult(state *os.ProcessState, err error) Result {
	if state == nil {
		return Result{ExitCode: 1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Result{ExitCode: exitSignalBase + int(ws.Signal()), Signaled: true}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{ExitCode: exitErr.ExitCode()}
	}
	return Result{ExitCode: state.ExitCode()}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
