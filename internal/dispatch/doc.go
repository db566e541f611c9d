// Package dispatch maps the launcher's first argument to one external program.
//
// The first token selects a mode and is removed; the remaining tokens are
// forwarded verbatim, in order, to the selected program:
//   - r → run entry point, with the remaining tokens
//   - t → test runner, with the remaining tokens
//   - c → (package profile) delete the build output directory if present,
//     then run the build tool with no arguments; remaining tokens are ignored
//   - u → (package profile) run the upload tool over every file in the build
//     output directory; remaining tokens are ignored
//
// Any other first token, or none at all, prints
// "invalid option: <remaining tokens>" on stdout and exits 0 without
// starting anything.
//
// The exit code of a dispatch is the exit code of the program it started.
// Launcher-side failures (busy build lock, failed delete) are returned as
// errors with exit code 1; the build tool is not started when the delete
// step fails.
//
// Build lock:
//   - c and u hold an flock(2) on ".<dir>.lock" beside the build output
//     directory for their whole duration (build.lock, default on)
//   - a second launcher fails fast instead of racing on delete-then-build
//
// History (optional):
//   - every started program gets a record: mode, argv, git HEAD, exit code
//   - c and u also record the build artifacts with their BLAKE3 digests
package dispatch
