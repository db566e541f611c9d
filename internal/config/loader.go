package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfig points at the config file, overriding discovery.
	EnvConfig = "PENG_CONFIG"
	// EnvProfile overrides the profile named in the config file.
	EnvProfile = "PENG_PROFILE"
	// EnvLogLevel overrides log.level.
	EnvLogLevel = "PENG_LOG_LEVEL"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// configNames are probed, in order, inside a directory.
var configNames = []string{"peng.yaml", "peng.yml", "peng.cue"}

// Load reads and parses configuration from a file. An empty path yields the
// defaults of the profile selected by $PENG_PROFILE (package when unset).
func Load(configPath string) (*Config, error) {
	if strings.TrimSpace(configPath) == "" {
		cfg := DefaultsFor(envProfile(ProfilePackage))
		return finalize(cfg, "")
	}

	absPath, err := ResolveFile(configPath)
	if err != nil {
		return nil, err
	}

	if err := VerifyIntegrity(absPath); err != nil {
		return nil, err
	}

	doc, err := readDocument(absPath)
	if err != nil {
		return nil, err
	}

	// First pass: the profile decides which defaults the file is laid over.
	var head struct {
		Profile Profile `yaml:"profile"`
	}
	if err := yaml.Unmarshal(doc, &head); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}
	profile := head.Profile
	if profile == "" {
		profile = ProfilePackage
	}

	cfg := DefaultsFor(envProfile(profile))
	if err := yaml.Unmarshal(doc, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}
	cfg.Profile = envProfile(cfg.Profile)
	cfg.SourcePath = absPath

	return finalize(cfg, filepath.Dir(absPath))
}

// finalize applies environment overrides, resolves paths and validates.
func finalize(cfg *Config, baseDir string) (*Config, error) {
	if lvl := strings.TrimSpace(os.Getenv(EnvLogLevel)); lvl != "" {
		cfg.Log.Level = strings.ToLower(lvl)
	}

	if cfg.Dir == "" {
		cfg.Dir = baseDir
	} else if baseDir != "" && !filepath.IsAbs(cfg.Dir) {
		cfg.Dir = filepath.Join(baseDir, cfg.Dir)
	}

	if cfg.History.Path != "" {
		p, err := expandHome(cfg.History.Path)
		if err != nil {
			return nil, err
		}
		cfg.History.Path = cfg.ResolvePath(p)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $PENG_CONFIG, ./peng.yaml, ./peng.yml, ./peng.cue,
// ~/.config/peng/peng.yaml. It returns "" when none exists, in which case
// the launcher runs on profile defaults.
func Discover() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfig)); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%s=%s: %w", EnvConfig, p, err)
		}
		return p, nil
	}

	for _, name := range configNames {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "peng", "peng.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	return "", nil
}

// LoadDiscovered runs Discover then Load.
func LoadDiscovered() (*Config, error) {
	path, err := Discover()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// ResolvePath resolves p against the config's working directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Dir == "" {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// ToolDir returns the directory a tool runs in.
func (c *Config) ToolDir(t Tool) string {
	if t.Dir != "" {
		return c.ResolvePath(t.Dir)
	}
	return c.Dir
}

// OutputDir returns the resolved build-output directory.
func (c *Config) OutputDir() string {
	return c.ResolvePath(c.Build.OutputDir)
}

// ResolveFile returns the absolute config file for configPath. A directory
// is searched for peng.yaml, peng.yml and peng.cue in that order.
func ResolveFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: check the path or set %s", absPath, EnvConfig)
	}
	if !info.IsDir() {
		return absPath, nil
	}

	for _, name := range configNames {
		candidate := filepath.Join(absPath, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("directory provided but no %s found in %s", strings.Join(configNames, "/"), absPath)
}

// readDocument returns the config as YAML-decodable bytes. CUE files are
// evaluated and exported as JSON, which is valid YAML.
func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	interpolated, missing := interpolateEnv(string(data))
	if len(missing) > 0 {
		return nil, fmt.Errorf("config %s: environment variable ${%s} is not set", path, missing[0])
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return []byte(interpolated), nil
	case ".cue":
		return exportCUE([]byte(interpolated), path)
	default:
		return nil, errors.New("unsupported config format: expected .yaml, .yml or .cue")
	}
}

func exportCUE(data []byte, path string) ([]byte, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("invalid config: %v", err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid config: %v", err)
	}
	out, err := v.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("export config: %v", err)
	}
	return out, nil
}

// interpolateEnv replaces ${VAR} with environment variable values and
// reports the names that are not set, sorted and de-duplicated.
func interpolateEnv(input string) (string, []string) {
	missingSet := map[string]struct{}{}
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		missingSet[varName] = struct{}{}
		return match
	})

	missing := make([]string, 0, len(missingSet))
	for name := range missingSet {
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return out, missing
}

func envProfile(fallback Profile) Profile {
	if p := strings.TrimSpace(os.Getenv(EnvProfile)); p != "" {
		return Profile(strings.ToLower(p))
	}
	return fallback
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
