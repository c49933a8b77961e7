package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/latticeci/lattice/internal/events"
)

type jobState struct {
	ID        string
	Kind      string
	Status    string
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
}

type runState struct {
	RunID    string
	Revision string
	Event    string
	Status   string
	Expected int
}

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string

	width  int
	height int

	run      runState
	jobs     map[string]*jobState
	eventLog []events.Event
	lastID   int64

	jobTable  table.Model
	theme     Theme
	hubEvents chan events.Event

	connected bool
	uptime    int64
	lastError string
}

// New creates a watch model pointed at the status server.
func New(apiURL string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Job", Width: 34},
			{Title: "Kind", Width: 14},
			{Title: "Status", Width: 10},
			{Title: "Duration", Width: 10},
		}),
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

	return &Model{
		apiURL:    apiURL,
		jobs:      make(map[string]*jobState),
		hubEvents: make(chan events.Event, 100),
		jobTable:  t,
		theme:     NewDefaultTheme(),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.jobTable, cmd = m.jobTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.refreshTable()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.lastID = e.ID
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > 50 {
			m.eventLog = m.eventLog[:50]
		}
		m.apply(e)
		m.refreshTable()
		m.connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.connected = true
		m.uptime = msg.UptimeSeconds
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	return m, nil
}

// apply folds one pipeline event into the run/job state.
func (m *Model) apply(e events.Event) {
	var payload struct {
		RunID    string `json:"run_id"`
		Revision string `json:"revision"`
		Event    string `json:"event"`
		Jobs     int    `json:"jobs"`
		JobID    string `json:"job_id"`
		Kind     string `json:"kind"`
		Status   string `json:"status"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return
	}

	switch e.Type {
	case events.TypePipelineStarted:
		m.run = runState{
			RunID:    payload.RunID,
			Revision: payload.Revision,
			Event:    payload.Event,
			Status:   "running",
			Expected: payload.Jobs,
		}
		m.jobs = make(map[string]*jobState)

	case events.TypePipelineFinished:
		m.run.Status = payload.Status

	case events.TypeJobStarted:
		m.jobs[payload.JobID] = &jobState{
			ID:        payload.JobID,
			Kind:      payload.Kind,
			Status:    "running",
			StartedAt: e.At,
		}

	case events.TypeJobFinished:
		j, ok := m.jobs[payload.JobID]
		if !ok {
			j = &jobState{ID: payload.JobID}
			m.jobs[payload.JobID] = j
		}
		j.Status = payload.Status
		j.Reason = payload.Reason
		j.EndedAt = e.At

	case events.TypeJobSkipped:
		m.jobs[payload.JobID] = &jobState{
			ID:      payload.JobID,
			Status:  "skipped",
			EndedAt: e.At,
		}
	}
}

func (m *Model) refreshTable() {
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]table.Row, 0, len(ids))
	for _, id := range ids {
		j := m.jobs[id]
		rows = append(rows, table.Row{
			m.statusGlyph(j.Status),
			j.ID,
			j.Kind,
			j.Status,
			m.duration(j),
		})
	}
	m.jobTable.SetRows(rows)
}

func (m *Model) statusGlyph(status string) string {
	switch status {
	case "succeeded":
		return m.theme.StatusOK.Render("✓")
	case "failed":
		return m.theme.StatusFailed.Render("✗")
	case "running":
		return m.theme.StatusRunning.Render("●")
	case "skipped":
		return m.theme.StatusSkipped.Render("-")
	default:
		return m.theme.StatusPending.Render("·")
	}
}

func (m *Model) duration(j *jobState) string {
	if j.StartedAt.IsZero() {
		return ""
	}
	end := j.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(j.StartedAt).Truncate(time.Second).String()
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Connecting to lattice..."
	}

	conn := m.theme.StatusFailed.Render("disconnected")
	if m.connected {
		conn = m.theme.StatusOK.Render("connected")
	}
	title := m.theme.Title.Render("lattice watch")
	runLine := m.theme.Dim.Render(fmt.Sprintf(" run %s  rev %s  event %s  status %s  [%s]",
		orDash(m.run.RunID), orDash(m.run.Revision), orDash(m.run.Event), orDash(m.run.Status), conn))

	jobsPane := m.theme.Border.Render(m.jobTable.View())

	logLines := ""
	max := 8
	if len(m.eventLog) < max {
		max = len(m.eventLog)
	}
	for i := max - 1; i >= 0; i-- {
		e := m.eventLog[i]
		logLines += fmt.Sprintf("%s %s\n", e.At.Format("15:04:05"), e.Type)
	}
	eventPane := m.theme.Border.Render(m.theme.Dim.Render(logLines))

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(" ⚠ " + m.lastError)
	}
	help := m.theme.Dim.Render(" [q] Quit • [↑/↓] Navigate Jobs")

	parts := []string{title, runLine, jobsPane, eventPane}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
