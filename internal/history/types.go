package history

import (
	"errors"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusFailed    Status = "failed"
)

// Record is one dispatched invocation.
type Record struct {
	ID          string     `json:"id"`
	Mode        string     `json:"mode"`
	Program     string     `json:"program"`
	Args        []string   `json:"args"`
	Dir         string     `json:"dir,omitempty"`
	Profile     string     `json:"profile"`
	Status      Status     `json:"status"`
	GitCommit   *string    `json:"git_commit,omitempty"`
	GitBranch   *string    `json:"git_branch,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	TimedOut    bool       `json:"timed_out"`
	LastError   *string    `json:"last_error,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
}

// Duration returns the wall time of a finished invocation, or 0.
func (r Record) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Artifact is a build output recorded against an invocation.
type Artifact struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	BLAKE3 string `json:"blake3"`
}

type BeginRequest struct {
	Mode      string
	Program   string
	Args      []string
	Dir       string
	Profile   string
	GitCommit string
	GitBranch string
}

type FinishRequest struct {
	ExitCode int
	TimedOut bool
	Err      error
}

// ListFilter narrows List. A zero Limit means DefaultListLimit.
type ListFilter struct {
	Limit int
	Mode  string
}

const DefaultListLimit = 20

var ErrNotFound = errors.New("invocation not found")
