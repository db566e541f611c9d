package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// SumFilename is the integrity lock file written next to the config.
const SumFilename = ".peng.sum"

// ErrIntegrity is returned when the config no longer matches its lock file.
var ErrIntegrity = errors.New("config integrity check failed")

// ChecksumManifest is the on-disk form of .peng.sum.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// SumPath returns the lock file location for a config file.
func SumPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), SumFilename)
}

// Lock hashes configPath and writes .peng.sum beside it.
func Lock(configPath string) (*ChecksumManifest, error) {
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", configPath, err)
	}

	manifest := &ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      map[string]string{filepath.Base(configPath): hash},
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(SumPath(configPath), data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return manifest, nil
}

// LoadChecksums reads the lock file belonging to configPath. It returns
// (nil, nil) when there is no lock file.
func LoadChecksums(configPath string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(SumPath(configPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyIntegrity checks configPath against .peng.sum. A config without a
// lock file passes.
func VerifyIntegrity(configPath string) error {
	manifest, err := LoadChecksums(configPath)
	if err != nil {
		return err
	}
	if manifest == nil {
		return nil
	}

	name := filepath.Base(configPath)
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("%w: %s has no hash in %s (run 'pengctl config lock')", ErrIntegrity, name, SumFilename)
	}

	actual, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("%w: hash mismatch for %s: expected %s, got %s\n"+
			"If you edited this file intentionally, run: pengctl config lock",
			ErrIntegrity, name, expected, actual)
	}
	return nil
}
