// Package process starts one external program with the launcher's stdio and
// turns its termination into an exit status.
//
// Exit status mapping:
//   - normal exit → the program's status
//   - killed by signal N → 128+N
//   - executable not found → 127 ("peng: <name>: command not found" on stderr)
//   - executable found but not runnable → 126
//   - timeout → 124
//
// Timeout handling:
//   - A zero Command.Timeout means no limit
//   - When the timeout expires, SIGTERM is sent to the program
//   - After a 5 second grace period, SIGKILL is sent if it is still running
//
// Signals:
//   - SIGTERM and SIGHUP delivered to the launcher are relayed to the program
//   - SIGINT is swallowed; the terminal already delivers it to the program
//
// PENG_DRY_RUN=1 prints "+ name args..." to stderr instead of running;
// PENG_DEBUG=1 prints the same line and then runs.
package process
