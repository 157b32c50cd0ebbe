// internal/tui/app.go
//
// Live dashboard for a distribution run. It follows The Elm Architecture:
// bus events arrive as messages, Update refreshes the model from the
// distributor's aggregator, and View renders the board.

package tui

import (
	"time"

	bar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/lattice-distributor/internal/distributor"
	"github.com/kingrea/lattice-distributor/internal/eventbridge"
	"github.com/kingrea/lattice-distributor/internal/logbook"
	"github.com/kingrea/lattice-distributor/internal/progress"
)

const logPanelLines = 8

// Runner is the part of the distributor the dashboard reads and controls.
type Runner interface {
	Progress() distributor.ProgressReport
	Aggregator() *progress.Aggregator
	Stop()
}

// RunFinishedMsg tells the dashboard the run returned.
type RunFinishedMsg struct {
	Summary distributor.RunSummary
	Err     error
}

type eventMsg struct {
	event eventbridge.Event
}

type busClosedMsg struct{}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithLogbook renders the tail of the run journal under the board.
func WithLogbook(book *logbook.Logbook) AppOption {
	return func(a *App) {
		a.logbook = book
	}
}

// WithQuitOnFinish exits the program as soon as the run returns.
func WithQuitOnFinish() AppOption {
	return func(a *App) {
		a.quitOnFinish = true
	}
}

// App is the dashboard model.
type App struct {
	runner  Runner
	events  eventbridge.Subscription
	logbook *logbook.Logbook

	spinner  spinner.Model
	bar      bar.Model
	features table.Model

	width  int
	height int

	phase        eventbridge.Phase
	report       distributor.ProgressReport
	lastEvent    time.Time
	retries      int
	stopping     bool
	finished     bool
	quitOnFinish bool
	summary      distributor.RunSummary
	runErr       error
	statusMsg    string
}

// NewApp subscribes to bus and builds the dashboard for runner.
func NewApp(runner Runner, bus *eventbridge.Bus, opts ...AppOption) *App {
	s := spinner.New(spinner.WithSpinner(spinner.Dot))
	s.Style = spinnerStyle
	a := &App{
		runner:    runner,
		events:    bus.Subscribe(),
		spinner:   s,
		bar:       bar.New(bar.WithDefaultGradient(), bar.WithWidth(40)),
		features:  newFeatureTable(),
		statusMsg: "Press q to stop the run.",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	a.refresh()
	return a
}

// Close releases the bus subscription.
func (a *App) Close() {
	a.events.Close()
}

// Init starts the spinner and the event pump.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.waitForEvent())
}

func (a *App) waitForEvent() tea.Cmd {
	events := a.events.Events
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return busClosedMsg{}
		}
		return eventMsg{event: event}
	}
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.bar.Width = max(20, min(60, msg.Width-30))
		a.features.SetHeight(max(5, msg.Height-18))
		return a, nil

	case eventMsg:
		a.apply(msg.event)
		return a, a.waitForEvent()

	case busClosedMsg:
		return a, nil

	case RunFinishedMsg:
		a.finished = true
		a.summary = msg.Summary
		a.runErr = msg.Err
		a.refresh()
		a.statusMsg = finishedStatus(msg.Summary, msg.Err)
		if a.quitOnFinish {
			return a, tea.Quit
		}
		return a, nil

	case spinner.TickMsg:
		if a.finished {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if a.finished {
				return a, tea.Quit
			}
			if !a.stopping {
				a.stopping = true
				a.statusMsg = "Stopping: in-flight features are being cancelled..."
				a.runner.Stop()
			}
			return a, nil
		}
	}

	var cmd tea.Cmd
	a.features, cmd = a.features.Update(msg)
	return a, cmd
}

func (a *App) apply(event eventbridge.Event) {
	a.lastEvent = event.Time
	switch event.Type {
	case eventbridge.EventPhase:
		if p, err := eventbridge.Decode[eventbridge.PhasePayload](event); err == nil {
			a.phase = p.Phase
		}
	case eventbridge.EventFeatureRetry:
		a.retries++
	case eventbridge.EventInitialized:
		a.retries = 0
	}
	a.refresh()
}

func (a *App) refresh() {
	a.report = a.runner.Progress()
	var features []progress.FeatureProgress
	if agg := a.runner.Aggregator(); agg != nil {
		features = agg.AllFeatureProgress()
	}
	a.features.SetRows(featureRows(features))
}

// Summary returns the result delivered by RunFinishedMsg.
func (a *App) Summary() (distributor.RunSummary, error) {
	return a.summary, a.runErr
}
