package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/lattice-distributor/internal/distributor"
	"github.com/kingrea/lattice-distributor/internal/eventbridge"
	"github.com/kingrea/lattice-distributor/internal/progress"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			MarginBottom(1)
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	logHeadStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD787"))
)

var phaseNames = map[eventbridge.Phase]string{
	eventbridge.PhaseAnalyzing: "Analyzing dependencies",
	eventbridge.PhaseBatching:  "Generating batches",
	eventbridge.PhasePlanning:  "Planning execution",
	eventbridge.PhaseExecuting: "Executing",
}

func newFeatureTable() table.Model {
	columns := []table.Column{
		{Title: "Feature", Width: 24},
		{Title: "Batch", Width: 5},
		{Title: "Capability", Width: 12},
		{Title: "Status", Width: 12},
		{Title: "Worker", Width: 14},
		{Title: "Progress", Width: 8},
		{Title: "Tries", Width: 5},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#5B8DEF"))
	t.SetStyles(styles)
	return t
}

func featureRows(features []progress.FeatureProgress) []table.Row {
	rows := make([]table.Row, 0, len(features))
	for _, f := range features {
		capability := f.Capability
		if capability == "" {
			capability = "-"
		}
		worker := f.WorkerID
		if worker == "" || f.Status == progress.StatusPending {
			worker = "-"
		}
		batch := "-"
		if f.Batch > 0 {
			batch = fmt.Sprintf("%d", f.Batch)
		}
		rows = append(rows, table.Row{
			f.ID,
			batch,
			capability,
			string(f.Status),
			worker,
			fmt.Sprintf("%d%%", f.Progress),
			fmt.Sprintf("%d", f.AttemptCount),
		})
	}
	return rows
}

// View renders the board.
func (a *App) View() string {
	sections := []string{
		headerStyle.Render("⬡ LATTICE · distribute"),
		boxStyle.Render(a.renderRunPanel()),
		boxStyle.Render(a.features.View()),
	}
	if panel := a.renderLogPanel(); panel != "" {
		sections = append(sections, panel)
	}
	sections = append(sections, mutedStyle.MarginTop(1).Render(a.statusMsg))
	return strings.Join(sections, "\n")
}

func (a *App) renderRunPanel() string {
	r := a.report
	state := a.spinner.View() + " " + phaseName(a.phase)
	switch {
	case a.finished:
		state = "■ Finished"
	case a.stopping:
		state = a.spinner.View() + " Stopping"
	}
	batch := "Batch -"
	if r.TotalBatches > 0 {
		batch = fmt.Sprintf("Batch %d/%d", r.CurrentBatch, r.TotalBatches)
	}
	lines := []string{
		fmt.Sprintf("%s · %s", state, batch),
		a.bar.ViewAs(float64(r.PercentComplete) / 100),
		fmt.Sprintf("%s complete · %d in progress · %d pending · %s failed · %d retries",
			okStyle.Render(fmt.Sprintf("%d/%d", r.CompletedFeatures, r.TotalFeatures)),
			r.InProgressFeatures,
			r.PendingFeatures,
			failStyle.Render(fmt.Sprintf("%d", r.FailedFeatures)),
			a.retries,
		),
	}
	if r.EstimatedEndTime != nil && !a.finished {
		lines = append(lines, mutedStyle.Render("ETA "+humanizeDuration(time.Until(*r.EstimatedEndTime))))
	}
	if r.RunID != "" {
		lines = append(lines, mutedStyle.Render("Run "+r.RunID))
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, total := a.logbook.Tail(logPanelLines)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := logHeadStyle.Render(fmt.Sprintf("LOG · %s (%d entries)", fileName, total))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return boxStyle.Render(fmt.Sprintf("%s\n%s", head, body))
}

func phaseName(p eventbridge.Phase) string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "Waiting"
}

func finishedStatus(s distributor.RunSummary, err error) string {
	var b strings.Builder
	switch {
	case s.Aborted:
		fmt.Fprintf(&b, "Run aborted (%s): ", s.Reason)
	case s.Failed > 0:
		b.WriteString("Run finished with failures: ")
	default:
		b.WriteString("Run finished: ")
	}
	fmt.Fprintf(&b, "%d/%d complete, %d failed, %d pending in %s.",
		s.Successful, s.Total, s.Failed, s.Pending, humanizeDuration(s.Duration()))
	if err != nil {
		fmt.Fprintf(&b, " Error: %v.", err)
	}
	b.WriteString(" Press q to exit.")
	return b.String()
}

func humanizeDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}
