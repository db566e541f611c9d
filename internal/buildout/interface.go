package buildout

import "context"

// Artifact is one file produced by the build tool.
type Artifact struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	BLAKE3 string `json:"blake3"`
}

// Manager governs the build-output directory shared by the clean-build and
// upload modes.
type Manager interface {
	// Dir returns the directory path as configured.
	Dir() string

	// Clean removes the directory recursively if it exists.
	Clean(ctx context.Context) (removed bool, err error)

	// Artifacts lists regular files directly inside the directory.
	Artifacts(ctx context.Context) ([]Artifact, error)

	// UploadArgs returns the upload tool's operands: every visible entry in
	// the directory, or the literal Pattern when there is none.
	UploadArgs(ctx context.Context) ([]string, error)

	// Pattern returns "<dir>/*".
	Pattern() string
}
