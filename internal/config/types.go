package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile names the launcher variant deployed in a project.
type Profile string

const (
	// ProfileScripts runs scripts/main.py and the test suite.
	ProfileScripts Profile = "scripts"
	// ProfileApp runs the peng_ui CLI and the test suite.
	ProfileApp Profile = "app"
	// ProfilePackage adds the clean-build and upload modes.
	ProfilePackage Profile = "package"
)

// Valid reports whether p is a known profile.
func (p Profile) Valid() bool {
	return p == ProfileScripts || p == ProfileApp || p == ProfilePackage
}

// Packaging reports whether the profile enables the c and u modes.
func (p Profile) Packaging() bool {
	return p == ProfilePackage
}

// Config represents the complete launcher configuration.
type Config struct {
	Profile  Profile       `yaml:"profile" json:"profile"`
	Dir      string        `yaml:"dir,omitempty" json:"dir,omitempty"`
	Commands Commands      `yaml:"commands" json:"commands"`
	Build    BuildConfig   `yaml:"build" json:"build"`
	Log      LogConfig     `yaml:"log" json:"log"`
	History  HistoryConfig `yaml:"history" json:"history"`
	API      APIConfig     `yaml:"api,omitempty" json:"api,omitempty"`

	// SourcePath is the file the config was loaded from; empty for defaults.
	SourcePath string `yaml:"-" json:"-"`
}

// Commands holds the four external programs the launcher can start.
type Commands struct {
	Run    Tool `yaml:"run" json:"run"`
	Test   Tool `yaml:"test" json:"test"`
	Build  Tool `yaml:"build,omitempty" json:"build,omitempty"`
	Upload Tool `yaml:"upload,omitempty" json:"upload,omitempty"`
}

// Tool is an external program. Argv[0] is the executable; the remaining
// entries are fixed leading arguments placed before forwarded tokens.
type Tool struct {
	Argv    Argv              `yaml:"argv" json:"argv"`
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Program returns the executable name, or "" when argv is empty.
func (t Tool) Program() string {
	if len(t.Argv) == 0 {
		return ""
	}
	return t.Argv[0]
}

// Args returns the fixed arguments followed by extra.
func (t Tool) Args(extra ...string) []string {
	out := make([]string, 0, len(t.Argv)+len(extra))
	if len(t.Argv) > 1 {
		out = append(out, t.Argv[1:]...)
	}
	return append(out, extra...)
}

// Argv is a command line.
//
// Accepted formats:
//   - sequence: argv: [python3, -m, pytest]
//   - scalar:   argv: python3 -m pytest   (split on whitespace, no quoting)
type Argv []string

func (a *Argv) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*a = nil
		return nil
	}
	switch n.Kind {
	case yaml.ScalarNode:
		*a = strings.Fields(n.Value)
		return nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(n.Content))
		for i, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("argv[%d] must be a string", i)
			}
			out = append(out, item.Value)
		}
		*a = out
		return nil
	default:
		return fmt.Errorf("argv must be a string or a sequence of strings")
	}
}

// String renders argv for display.
func (a Argv) String() string {
	return strings.Join(a, " ")
}

// BuildConfig defines the build-output directory shared by the c and u modes.
type BuildConfig struct {
	OutputDir string `yaml:"output_dir" json:"output_dir"`
	Lock      *bool  `yaml:"lock,omitempty" json:"lock,omitempty"`
}

// LockEnabled reports whether c and u serialize on a lock file.
func (b BuildConfig) LockEnabled() bool {
	return b.Lock == nil || *b.Lock
}

// LogConfig defines launcher diagnostics. Output goes to stderr.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// HistoryConfig defines the optional invocation audit log.
type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Path      string        `yaml:"path" json:"path"`
	RecordGit bool          `yaml:"record_git" json:"record_git"`
	Retention time.Duration `yaml:"retention,omitempty" json:"retention,omitempty"`
}

// APIConfig defines the read-only status server started by pengctl serve.
type APIConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	Token  string `yaml:"token,omitempty" json:"token,omitempty"`
}

const (
	defaultPython    = "python3"
	defaultOutputDir = "dist"
)

// DefaultCommands returns the programs a profile starts when the config does
// not override them.
func DefaultCommands(p Profile) Commands {
	run := Argv{defaultPython, "peng_ui/cli/main.py"}
	if p == ProfileScripts {
		run = Argv{defaultPython, "scripts/main.py"}
	}
	cmds := Commands{
		Run:  Tool{Argv: run},
		Test: Tool{Argv: Argv{defaultPython, "-m", "pytest"}},
	}
	if p.Packaging() {
		cmds.Build = Tool{Argv: Argv{defaultPython, "-m", "build"}}
		cmds.Upload = Tool{Argv: Argv{defaultPython, "-m", "twine", "upload"}}
	}
	return cmds
}

// Defaults returns a Config with the package profile, which supports every mode.
func Defaults() *Config {
	return DefaultsFor(ProfilePackage)
}

// DefaultsFor returns the default configuration of profile p.
func DefaultsFor(p Profile) *Config {
	return &Config{
		Profile:  p,
		Commands: DefaultCommands(p),
		Build: BuildConfig{
			OutputDir: defaultOutputDir,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
		History: HistoryConfig{
			Enabled:   false,
			Path:      "~/.local/state/peng/history.db",
			RecordGit: true,
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8765",
		},
	}
}
