package dispatch

import (
	"context"

	"github.com/mattjoyce/peng/internal/history"
	"github.com/mattjoyce/peng/internal/process"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/peng/internal/dispatch Runner,Recorder

// Runner starts the external program selected by a mode.
type Runner interface {
	Run(ctx context.Context, cmd process.Command) (process.Result, error)
}

// Recorder persists invocation history. Recording failures never change the
// outcome of a dispatch.
type Recorder interface {
	Begin(ctx context.Context, req history.BeginRequest) (string, error)
	Finish(ctx context.Context, id string, req history.FinishRequest) error
	AddArtifacts(ctx context.Context, id string, artifacts []history.Artifact) error
}
