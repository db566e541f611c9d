package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/peng/internal/history"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// DefaultRefresh is how often the monitor rereads the history database.
const DefaultRefresh = 2 * time.Second

// Lister is the part of the history store the monitor reads.
type Lister interface {
	List(ctx context.Context, f history.ListFilter) ([]history.Record, error)
}

// --- Types ---

type Model struct {
	store   Lister
	filter  history.ListFilter
	refresh time.Duration
	title   string

	width  int
	height int

	records   []history.Record
	err       error
	updatedAt time.Time

	table table.Model
}

type recordsMsg struct {
	records []history.Record
	at      time.Time
}

type errMsg struct{ err error }

type tickMsg time.Time

// --- Init ---

// NewMonitor builds a monitor over store. A zero refresh uses DefaultRefresh.
func NewMonitor(store Lister, filter history.ListFilter, refresh time.Duration, title string) Model {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	if title == "" {
		title = "peng"
	}

	t := table.New(
		table.WithColumns(columns(0)),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		store:   store,
		filter:  filter,
		refresh: refresh,
		title:   title,
		table:   t,
	}
}

func columns(width int) []table.Column {
	cmdWidth := 40
	if width > 0 {
		// ST + Mode + Status + Exit + Started + Duration + cell padding.
		if w := width - (2 + 4 + 10 + 4 + 19 + 10 + 14); w > 10 {
			cmdWidth = w
		}
	}
	return []table.Column{
		{Title: "ST", Width: 2},
		{Title: "Mode", Width: 4},
		{Title: "Status", Width: 10},
		{Title: "Exit", Width: 4},
		{Title: "Started", Width: 19},
		{Title: "Duration", Width: 10},
		{Title: "Command", Width: cmdWidth},
	}
}

func (m Model) Init() tea.Cmd {
	return m.fetch()
}

func (m Model) fetch() tea.Cmd {
	store, filter := m.store, m.filter
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		records, err := store.List(ctx, filter)
		if err != nil {
			return errMsg{err}
		}
		return recordsMsg{records: records, at: time.Now()}
	}
}

func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(columns(m.width - 6))
		m.table.SetWidth(m.width - 6)
		if h := m.height - 12; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case recordsMsg:
		m.records = msg.records
		m.updatedAt = msg.at
		m.err = nil
		m.table.SetRows(rows(m.records))
		return m, m.scheduleTick()

	case errMsg:
		m.err = msg.err
		return m, m.scheduleTick()

	case tickMsg:
		return m, m.fetch()
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func rows(records []history.Record) []table.Row {
	out := make([]table.Row, 0, len(records))
	for _, r := range records {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.Duration().Round(10 * time.Millisecond).String()
		} else if r.Status == history.StatusRunning {
			dur = time.Since(r.StartedAt).Round(time.Second).String()
		}
		out = append(out, table.Row{
			statusIcon(r),
			r.Mode,
			string(r.Status),
			exit,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			dur,
			strings.Join(append([]string{filepath.Base(r.Program)}, r.Args...), " "),
		})
	}
	return out
}

func statusIcon(r history.Record) string {
	switch {
	case r.Status == history.StatusRunning:
		return "…"
	case r.Status == history.StatusCompleted && r.ExitCode != nil && *r.ExitCode == 0:
		return "✓"
	default:
		return "✗"
	}
}

func statusStyle(r history.Record) lipgloss.Style {
	switch statusIcon(r) {
	case "…":
		return statusRunning
	case "✓":
		return statusOK
	default:
		return statusFailed
	}
}

// --- View ---

func (m Model) View() string {
	var b strings.Builder

	header := titleStyle.Render(m.title + " invocations")
	if !m.updatedAt.IsZero() {
		header += dimStyle.Render(fmt.Sprintf("  updated %s", m.updatedAt.Format("15:04:05")))
	}
	if m.filter.Mode != "" {
		header += dimStyle.Render(fmt.Sprintf("  mode=%s", m.filter.Mode))
	}
	b.WriteString(header + "\n\n")

	if m.err != nil {
		b.WriteString(statusFailed.Render("history unavailable: "+m.err.Error()) + "\n\n")
	}

	b.WriteString(borderStyle.Render(m.table.View()) + "\n")
	b.WriteString(m.detail() + "\n")
	b.WriteString(dimStyle.Render("↑/↓ select • r refresh • q quit"))

	return docStyle.Render(b.String())
}

func (m Model) detail() string {
	if len(m.records) == 0 {
		return dimStyle.Render("No invocations recorded.")
	}
	i := m.table.Cursor()
	if i < 0 || i >= len(m.records) {
		return ""
	}
	r := m.records[i]

	lines := []string{
		statusStyle(r).Render(fmt.Sprintf("%s %s", statusIcon(r), r.ID)),
		fmt.Sprintf("dir: %s", r.Dir),
	}
	if r.GitCommit != nil {
		branch := ""
		if r.GitBranch != nil {
			branch = " (" + *r.GitBranch + ")"
		}
		lines = append(lines, fmt.Sprintf("git: %s%s", *r.GitCommit, branch))
	}
	if r.LastError != nil {
		lines = append(lines, statusFailed.Render("error: "+*r.LastError))
	}
	return strings.Join(lines, "\n")
}
