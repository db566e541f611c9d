package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattjoyce/peng/internal/buildout"
	"github.com/mattjoyce/peng/internal/config"
	"github.com/mattjoyce/peng/internal/gitinfo"
	"github.com/mattjoyce/peng/internal/history"
	"github.com/mattjoyce/peng/internal/lock"
	"github.com/mattjoyce/peng/internal/log"
	"github.com/mattjoyce/peng/internal/process"
)

const (
	ModeRun    = "r"
	ModeTest   = "t"
	ModeClean  = "c"
	ModeUpload = "u"
)

// Handler runs one mode with the tokens that followed the mode selector.
type Handler func(ctx context.Context, tail []string) (Outcome, error)

// Outcome describes a finished dispatch.
type Outcome struct {
	Mode         string
	ExitCode     int
	Invalid      bool
	Command      *process.Command
	Result       process.Result
	InvocationID string
}

// LockedError reports that another launcher holds the build lock.
type LockedError struct {
	Dir string
	PID int
}

func (e *LockedError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("build output directory %s is locked by pid %d", e.Dir, e.PID)
	}
	return fmt.Sprintf("build output directory %s is locked", e.Dir)
}

func (e *LockedError) Unwrap() error { return lock.ErrLocked }

// Dispatcher routes invocations to the programs configured for a profile.
type Dispatcher struct {
	cfg      *config.Config
	runner   Runner
	recorder Recorder
	build    buildout.Manager
	stdout   io.Writer
	git      func(dir string) (gitinfo.Info, bool, error)
	logger   *slog.Logger
	handlers map[string]Handler
	modes    []string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStdout sets where the invalid-option line is printed.
func WithStdout(w io.Writer) Option { return func(d *Dispatcher) { d.stdout = w } }

// WithRecorder enables invocation history.
func WithRecorder(r Recorder) Option { return func(d *Dispatcher) { d.recorder = r } }

// WithBuildOutput overrides the build-output manager derived from the config.
func WithBuildOutput(m buildout.Manager) Option { return func(d *Dispatcher) { d.build = m } }

// WithGitLookup overrides how HEAD is resolved for history records.
func WithGitLookup(fn func(dir string) (gitinfo.Info, bool, error)) Option {
	return func(d *Dispatcher) { d.git = fn }
}

// New creates a Dispatcher for cfg's profile.
func New(cfg *config.Config, runner Runner, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:    cfg,
		runner: runner,
		stdout: os.Stdout,
		git:    gitinfo.Lookup,
		logger: log.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.handlers = map[string]Handler{
		ModeRun:  d.run,
		ModeTest: d.test,
	}
	d.modes = []string{ModeRun, ModeTest}

	if cfg.Profile.Packaging() {
		if d.build == nil {
			m, err := buildout.New(cfg.OutputDir())
			if err != nil {
				return nil, err
			}
			d.build = m
		}
		d.handlers[ModeClean] = d.cleanBuild
		d.handlers[ModeUpload] = d.upload
		d.modes = append(d.modes, ModeClean, ModeUpload)
	}
	return d, nil
}

// Modes returns the mode selectors enabled by the profile.
func (d *Dispatcher) Modes() []string {
	return append([]string(nil), d.modes...)
}

// Dispatch selects a mode from args[0] and runs it with args[1:].
func (d *Dispatcher) Dispatch(ctx context.Context, args []string) (Outcome, error) {
	if len(args) == 0 {
		return d.invalid(nil)
	}

	h, ok := d.handlers[args[0]]
	if !ok {
		return d.invalid(args[1:])
	}
	d.logger.Debug("dispatching", "mode", args[0], "args", len(args)-1)
	return h(ctx, args[1:])
}

func (d *Dispatcher) invalid(tail []string) (Outcome, error) {
	return Outcome{Invalid: true}, WriteInvalid(d.stdout, tail)
}

// KnownMode reports whether mode selects a program in at least one profile.
// Anything else is an invalid option whatever the configuration says.
func KnownMode(mode string) bool {
	switch mode {
	case ModeRun, ModeTest, ModeClean, ModeUpload:
		return true
	}
	return false
}

// WriteInvalid prints the "invalid option" line for the tokens that followed
// an unrecognized mode.
func WriteInvalid(w io.Writer, tail []string) error {
	if _, err := fmt.Fprintf(w, "invalid option: %s\n", strings.Join(tail, " ")); err != nil {
		return fmt.Errorf("write invalid option: %w", err)
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, tail []string) (Outcome, error) {
	return d.invoke(ctx, ModeRun, d.cfg.Commands.Run, tail, nil)
}

func (d *Dispatcher) test(ctx context.Context, tail []string) (Outcome, error) {
	return d.invoke(ctx, ModeTest, d.cfg.Commands.Test, tail, nil)
}

// cleanBuild ignores its tail.
func (d *Dispatcher) cleanBuild(ctx context.Context, _ []string) (Outcome, error) {
	tool := d.cfg.Commands.Build

	release, err := d.lockBuild()
	if err != nil {
		return d.failed(ctx, ModeClean, tool, nil, err)
	}
	defer release()

	removed, err := d.build.Clean(ctx)
	if err != nil {
		return d.failed(ctx, ModeClean, tool, nil, err)
	}
	d.logger.Debug("build output cleaned", "dir", d.build.Dir(), "removed", removed)

	return d.invoke(ctx, ModeClean, tool, nil, func(ctx context.Context, id string, res process.Result) {
		if res.ExitCode == 0 {
			d.recordArtifacts(ctx, id)
		}
	})
}

// upload ignores its tail.
func (d *Dispatcher) upload(ctx context.Context, _ []string) (Outcome, error) {
	tool := d.cfg.Commands.Upload

	release, err := d.lockBuild()
	if err != nil {
		return d.failed(ctx, ModeUpload, tool, nil, err)
	}
	defer release()

	files, err := d.build.UploadArgs(ctx)
	if err != nil {
		return d.failed(ctx, ModeUpload, tool, nil, err)
	}

	return d.invoke(ctx, ModeUpload, tool, files, func(ctx context.Context, id string, _ process.Result) {
		d.recordArtifacts(ctx, id)
	})
}

// invoke runs tool with args and records the invocation. after runs once the
// program has exited.
func (d *Dispatcher) invoke(
	ctx context.Context,
	mode string,
	tool config.Tool,
	args []string,
	after func(ctx context.Context, id string, res process.Result),
) (Outcome, error) {
	cmd := d.command(tool, args)
	id := d.begin(ctx, mode, cmd)

	res, err := d.runner.Run(ctx, cmd)
	d.finish(ctx, id, history.FinishRequest{ExitCode: res.ExitCode, TimedOut: res.TimedOut, Err: err})
	if after != nil && id != "" && err == nil {
		after(ctx, id, res)
	}

	out := Outcome{
		Mode:         mode,
		ExitCode:     res.ExitCode,
		Command:      &cmd,
		Result:       res,
		InvocationID: id,
	}
	if err != nil {
		if out.ExitCode == 0 {
			out.ExitCode = 1
		}
		return out, fmt.Errorf("%s: %w", cmd.Name, err)
	}
	return out, nil
}

// failed records a launcher-side failure that prevented tool from starting.
func (d *Dispatcher) failed(ctx context.Context, mode string, tool config.Tool, args []string, err error) (Outcome, error) {
	cmd := d.command(tool, args)
	id := d.begin(ctx, mode, cmd)
	d.finish(ctx, id, history.FinishRequest{ExitCode: 1, Err: err})
	return Outcome{Mode: mode, ExitCode: 1, InvocationID: id}, err
}

func (d *Dispatcher) command(tool config.Tool, args []string) process.Command {
	return process.Command{
		Name:    tool.Program(),
		Args:    tool.Args(args...),
		Dir:     d.cfg.ToolDir(tool),
		Env:     tool.Env,
		Timeout: tool.Timeout,
	}
}

func (d *Dispatcher) lockBuild() (func(), error) {
	if !d.cfg.Build.LockEnabled() {
		return func() {}, nil
	}

	l, err := lock.Acquire(lock.PathFor(d.build.Dir()))
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			return nil, &LockedError{Dir: d.build.Dir(), PID: held.PID}
		}
		return nil, fmt.Errorf("lock build output directory: %w", err)
	}
	return func() {
		if err := l.Release(); err != nil {
			d.logger.Warn("failed to release build lock", "path", l.Path(), "error", err)
		}
	}, nil
}

func (d *Dispatcher) begin(ctx context.Context, mode string, cmd process.Command) string {
	if d.recorder == nil {
		return ""
	}

	req := history.BeginRequest{
		Mode:    mode,
		Program: cmd.Name,
		Args:    cmd.Args,
		Dir:     cmd.Dir,
		Profile: string(d.cfg.Profile),
	}
	if d.cfg.History.RecordGit && d.git != nil {
		info, ok, err := d.git(cmd.Dir)
		switch {
		case err != nil:
			d.logger.Warn("failed to read git HEAD", "error", err)
		case ok:
			req.GitCommit = info.Commit
			req.GitBranch = info.Branch
		}
	}

	id, err := d.recorder.Begin(ctx, req)
	if err != nil {
		d.logger.Warn("failed to record invocation", "mode", mode, "error", err)
		return ""
	}
	return id
}

func (d *Dispatcher) finish(ctx context.Context, id string, req history.FinishRequest) {
	if d.recorder == nil || id == "" {
		return
	}
	// The program has already exited; record even if ctx was cancelled.
	if err := d.recorder.Finish(context.WithoutCancel(ctx), id, req); err != nil {
		log.WithInvocation(id).Warn("failed to record invocation result", "error", err)
	}
}

func (d *Dispatcher) recordArtifacts(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	artifacts, err := d.build.Artifacts(ctx)
	if err != nil {
		log.WithInvocation(id).Warn("failed to list build artifacts", "error", err)
		return
	}
	recs := make([]history.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		recs = append(recs, history.Artifact{Name: a.Name, Size: a.Size, BLAKE3: a.BLAKE3})
	}
	if err := d.recorder.AddArtifacts(ctx, id, recs); err != nil {
		log.WithInvocation(id).Warn("failed to record build artifacts", "error", err)
	}
}
