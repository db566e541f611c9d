package buildout

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// fsManager manages the build-output directory on local disk.
type fsManager struct {
	dir string
}

var _ Manager = (*fsManager)(nil)

// New creates a filesystem-backed manager for dir. Paths whose recursive
// removal would be destructive are rejected.
func New(dir string) (*fsManager, error) {
	if err := validateDir(dir); err != nil {
		return nil, err
	}
	return &fsManager{dir: filepath.Clean(strings.TrimSpace(dir))}, nil
}

func (m *fsManager) Dir() string { return m.dir }

func (m *fsManager) Pattern() string {
	return m.dir + string(filepath.Separator) + "*"
}

// Clean removes the directory if present. An absent directory is a no-op.
func (m *fsManager) Clean(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if _, err := os.Lstat(m.dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat build output directory %q: %w", m.dir, err)
	}

	if err := os.RemoveAll(m.dir); err != nil {
		return false, fmt.Errorf("remove build output directory %q: %w", m.dir, err)
	}
	return true, nil
}

func (m *fsManager) Artifacts(ctx context.Context) ([]Artifact, error) {
	entries, err := m.visibleEntries(ctx)
	if err != nil {
		return nil, err
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return artifacts, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return artifacts, fmt.Errorf("read artifact info %q: %w", entry.Name(), err)
		}

		path := filepath.Join(m.dir, entry.Name())
		digest, err := hashFile(path)
		if err != nil {
			return artifacts, err
		}
		artifacts = append(artifacts, Artifact{
			Name:   entry.Name(),
			Path:   path,
			Size:   info.Size(),
			BLAKE3: digest,
		})
	}
	return artifacts, nil
}

func (m *fsManager) UploadArgs(ctx context.Context) ([]string, error) {
	entries, err := m.visibleEntries(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []string{m.Pattern()}, nil
	}

	args := make([]string, 0, len(entries))
	for _, entry := range entries {
		args = append(args, filepath.Join(m.dir, entry.Name()))
	}
	return args, nil
}

// visibleEntries returns directory entries not starting with a dot, sorted
// by name. A missing directory has no entries.
func (m *fsManager) visibleEntries(ctx context.Context) ([]os.DirEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read build output directory %q: %w", m.dir, err)
	}

	visible := entries[:0]
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		visible = append(visible, entry)
	}
	return visible, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact %q: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash artifact %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func validateDir(dir string) error {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return fmt.Errorf("build output directory is empty")
	}

	cleaned := filepath.Clean(trimmed)
	if cleaned == "." || filepath.Base(cleaned) == ".." {
		return fmt.Errorf("build output directory %q is invalid", dir)
	}
	if cleaned == string(filepath.Separator) {
		return fmt.Errorf("build output directory %q must not be the filesystem root", dir)
	}

	if abs, err := filepath.Abs(cleaned); err == nil {
		if home, err := os.UserHomeDir(); err == nil && filepath.Clean(home) == abs {
			return fmt.Errorf("build output directory %q must not be the home directory", dir)
		}
		if wd, err := os.Getwd(); err == nil && wd == abs {
			return fmt.Errorf("build output directory %q must not be the working directory", dir)
		}
	}
	return nil
}
