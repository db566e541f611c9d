// Command peng is the project launcher. The first argument selects a mode
// (r, t, c or u) and everything after it is forwarded verbatim to the
// program configured for that mode. See internal/dispatch.
//
// peng takes no flags of its own. It is configured through peng.yaml (or
// peng.cue) and the environment:
//
//	PENG_CONFIG     config file path, overriding discovery
//	PENG_PROFILE    scripts, app or package
//	PENG_LOG_LEVEL  debug, info, warn or error
//	PENG_DRY_RUN=1  print the command instead of running it
//	PENG_DEBUG=1    print the command, then run it
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattjoyce/peng/internal/config"
	"github.com/mattjoyce/peng/internal/dispatch"
	"github.com/mattjoyce/peng/internal/history"
	"github.com/mattjoyce/peng/internal/log"
	"github.com/mattjoyce/peng/internal/process"
	"github.com/mattjoyce/peng/internal/storage"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(args []string) int {
	ctx := context.Background()

	// An unrecognized mode is answered before the config is read, so a
	// broken config never turns it into a failure.
	if len(args) == 0 || !dispatch.KnownMode(args[0]) {
		var tail []string
		if len(args) > 0 {
			tail = args[1:]
		}
		if err := dispatch.WriteInvalid(os.Stdout, tail); err != nil {
			return fail(err)
		}
		return 0
	}

	cfg, err := config.LoadDiscovered()
	if err != nil {
		return fail(err)
	}
	log.Setup(cfg.Log.Level, cfg.Log.Format)
	logger := log.WithComponent("peng")

	execOpts := process.OptionsFromEnv()
	runner := process.NewExec(execOpts...)

	var opts []dispatch.Option
	var store *history.Store
	if cfg.History.Enabled && os.Getenv(process.EnvDryRun) != "1" {
		db, err := storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			logger.Warn("invocation history unavailable", "path", cfg.History.Path, "error", err)
		} else {
			defer db.Close()
			store = history.New(db)
			opts = append(opts, dispatch.WithRecorder(store))
		}
	}

	d, err := dispatch.New(cfg, runner, opts...)
	if err != nil {
		return fail(err)
	}

	out, err := d.Dispatch(ctx, args)

	if store != nil && !out.Invalid && cfg.History.Retention > 0 {
		if _, perr := store.Prune(ctx, cfg.History.Retention); perr != nil {
			logger.Warn("failed to prune invocation history", "error", perr)
		}
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "peng: %v\n", err)
		if out.ExitCode == 0 {
			return 1
		}
	}
	return out.ExitCode
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "peng: %v\n", err)
	return 1
}
