// Command pengctl is the operator companion to peng: it checks the
// configuration, reads the invocation history and serves a read-only status
// API. peng itself takes no flags, so everything that needs them lives here.
package main

import (
	"errors"
	"os"
	"strings"
)

type exitCoder interface {
	ExitCode() int
}

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(args []string) int {
	err := Execute(args, os.Stdout, os.Stderr)
	if err == nil {
		return 0
	}

	// One short line on stderr; no usage dump.
	msg := strings.Join(strings.Fields(err.Error()), " ")
	if msg != "" {
		_, _ = os.Stderr.WriteString("pengctl: " + msg + "\n")
	}
	var ec exitCoder
	if errors.As(err, &ec) && ec.ExitCode() != 0 {
		return ec.ExitCode()
	}
	return 1
}

// exitError carries a specific exit status. An empty msg prints nothing.
type exitError struct {
	code int
	msg  string
}

func (e exitError) Error() string { return e.msg }
func (e exitError) ExitCode() int { return e.code }
