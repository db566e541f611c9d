package inspect

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/peng/internal/history"
)

// Getter loads a single invocation record.
type Getter interface {
	Get(ctx context.Context, id string) (*history.Record, error)
}

// Artifact states reported against the current build output directory.
const (
	ArtifactMatch   = "match"
	ArtifactChanged = "changed"
	ArtifactMissing = "missing"
)

// Report is the structured JSON representation of an invocation report.
type Report struct {
	ID          string     `json:"id"`
	Mode        string     `json:"mode"`
	Command     string     `json:"command"`
	Dir         string     `json:"dir,omitempty"`
	Profile     string     `json:"profile"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	TimedOut    bool       `json:"timed_out"`
	LastError   string     `json:"last_error,omitempty"`
	GitCommit   string     `json:"git_commit,omitempty"`
	GitBranch   string     `json:"git_branch,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
}

// Artifact is a recorded build output and, when an output directory was
// given, how the file on disk compares to the recorded digest.
type Artifact struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	BLAKE3 string `json:"blake3"`
	State  string `json:"state,omitempty"`
}

// BuildReport renders a terminal-friendly report for one invocation.
// outputDir may be empty to skip comparing artifacts with the disk.
func BuildReport(ctx context.Context, store Getter, outputDir, id string) (string, error) {
	report, err := gatherReportData(ctx, store, outputDir, id)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Invocation Report\n")
	fmt.Fprintf(&out, "ID          : %s\n", report.ID)
	fmt.Fprintf(&out, "Mode        : %s\n", report.Mode)
	fmt.Fprintf(&out, "Command     : %s\n", report.Command)
	fmt.Fprintf(&out, "Directory   : %s\n", orNone(report.Dir))
	fmt.Fprintf(&out, "Profile     : %s\n", report.Profile)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	if report.ExitCode != nil {
		fmt.Fprintf(&out, "Exit code   : %d\n", *report.ExitCode)
	} else {
		fmt.Fprintf(&out, "Exit code   : <none>\n")
	}
	if report.LastError != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.LastError)
	}
	if report.GitCommit != "" {
		fmt.Fprintf(&out, "Git         : %s (%s)\n", report.GitCommit, orNone(report.GitBranch))
	}
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Local().Format(time.RFC3339))
	if report.CompletedAt != nil {
		fmt.Fprintf(&out, "Duration    : %s\n", time.Duration(report.DurationMS)*time.Millisecond)
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Artifacts) == 0 {
		fmt.Fprintf(&out, "artifacts  : <none>\n")
	} else {
		fmt.Fprintf(&out, "artifacts  :\n")
		for _, a := range report.Artifacts {
			line := fmt.Sprintf("  - %s (%d bytes) %s", a.Name, a.Size, shortDigest(a.BLAKE3))
			if a.State != "" {
				line += " [" + a.State + "]"
			}
			fmt.Fprintf(&out, "%s\n", line)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable invocation report.
func BuildJSONReport(ctx context.Context, store Getter, outputDir, id string) (string, error) {
	report, err := gatherReportData(ctx, store, outputDir, id)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, store Getter, outputDir, id string) (*Report, error) {
	rec, err := store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			return nil, fmt.Errorf("invocation %q not found", id)
		}
		return nil, err
	}

	report := &Report{
		ID:          rec.ID,
		Mode:        rec.Mode,
		Command:     strings.Join(append([]string{rec.Program}, rec.Args...), " "),
		Dir:         rec.Dir,
		Profile:     rec.Profile,
		Status:      string(rec.Status),
		ExitCode:    rec.ExitCode,
		TimedOut:    rec.TimedOut,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		DurationMS:  rec.Duration().Milliseconds(),
	}
	if rec.LastError != nil {
		report.LastError = *rec.LastError
	}
	if rec.GitCommit != nil {
		report.GitCommit = *rec.GitCommit
	}
	if rec.GitBranch != nil {
		report.GitBranch = *rec.GitBranch
	}

	for _, a := range rec.Artifacts {
		art := Artifact{Name: a.Name, Size: a.Size, BLAKE3: a.BLAKE3}
		if outputDir != "" {
			art.State = artifactState(filepath.Join(outputDir, a.Name), a.BLAKE3)
		}
		report.Artifacts = append(report.Artifacts, art)
	}
	return report, nil
}

func artifactState(path, want string) string {
	f, err := os.Open(path)
	if err != nil {
		return ArtifactMissing
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return ArtifactMissing
	}
	if hex.EncodeToString(h.Sum(nil)) != want {
		return ArtifactChanged
	}
	return ArtifactMatch
}

// FormatList renders invocation records as an aligned table, newest first.
func FormatList(records []history.Record) string {
	if len(records) == 0 {
		return "No invocations recorded.\n"
	}

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tSTATUS\tEXIT\tSTARTED\tDURATION\tCOMMAND")
	for _, r := range records {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.Duration().Round(time.Millisecond).String()
		}
		cmd := strings.Join(append([]string{filepath.Base(r.Program)}, r.Args...), " ")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Mode, r.Status, exit, r.StartedAt.Local().Format("2006-01-02 15:04:05"), dur, cmd)
	}
	_ = w.Flush()
	return b.String()
}

func shortDigest(d string) string {
	if len(d) > 16 {
		return d[:16]
	}
	return d
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
