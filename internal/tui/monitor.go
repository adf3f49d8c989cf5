// Package tui renders a live terminal view of workflow runs fed by the
// API's /events stream.
package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/events"
)

const (
	maxEventLog = 50
	maxRuns     = 200

	// connectedEvent is injected locally when the stream (re)connects.
	connectedEvent = "monitor.connected"
)

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// Run is the monitor's view of one workflow run.
type Run struct {
	ID         string
	WorkflowID string
	Status     string
	Nodes      int
	FailedNode string
	Error      string
	StartTime  time.Time
	EndTime    time.Time
}

// Model is the bubbletea model for `conduit monitor`.
type Model struct {
	apiURL string
	apiKey string
	client *http.Client

	width  int
	height int

	runs      map[string]*Run
	order     []string
	eventLog  []events.Event
	hubEvents chan events.Event
	connected bool
	lastErr   error

	health struct {
		Status        string
		UptimeSeconds int64
		WorkerRunning bool
		ActiveRuns    int
	}

	runTable table.Model
	now      func() time.Time
}

type eventMsg events.Event
type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkerRunning bool   `json:"worker_running"`
	ActiveRuns    int    `json:"active_runs"`
}
type errMsg struct{ err error }
type sseDisconnectedMsg struct{ err error }
type reconnectMsg struct{}

// NewMonitor builds a monitor reading from the API at apiURL.
func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Workflow", Width: 24},
			{Title: "Run", Width: 10},
			{Title: "Nodes", Width: 6},
			{Title: "Duration", Width: 10},
			{Title: "Detail", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
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
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    apiKey,
		client:    &http.Client{},
		runs:      make(map[string]*Run),
		hubEvents: make(chan events.Event, 100),
		runTable:  t,
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribeToEvents(),
		m.receiveNextEvent(),
		m.pollHealth(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.runTable.SetWidth(m.width - 6)

	case eventMsg:
		if msg.Type == connectedEvent {
			m.connected = true
			return m, m.receiveNextEvent()
		}
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, m.receiveNextEvent()

	case sseDisconnectedMsg:
		m.connected = false
		m.lastErr = msg.err
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.subscribeToEvents()

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.WorkerRunning = msg.WorkerRunning
		m.health.ActiveRuns = msg.ActiveRuns
		return m, m.scheduleHealth()

	case errMsg:
		m.lastErr = msg.err
		return m, m.scheduleHealth()
	}

	m.runTable, cmd = m.runTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	if e.RunID == "" {
		return
	}

	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	run := m.run(e.RunID)
	if wf, ok := data["workflow_id"].(string); ok && wf != "" {
		run.WorkflowID = wf
	}

	switch e.Type {
	case events.TypeRunStarted:
		run.Status = "running"
		run.StartTime = e.At
	case events.TypeNodeFinished:
		run.Nodes++
	case events.TypeNodeFailed:
		run.FailedNode, _ = data["nodeId"].(string)
	case events.TypeRunFinished:
		run.Status = "finish"
		run.EndTime = e.At
	case events.TypeRunStopped:
		run.Status = "stopped"
		run.EndTime = e.At
	case events.TypeRunFailed:
		run.Status = "error"
		run.EndTime = e.At
		run.Error, _ = data["error"].(string)
	}
}

func (m *Model) run(id string) *Run {
	if r, ok := m.runs[id]; ok {
		return r
	}
	r := &Run{ID: id, Status: "running"}
	m.runs[id] = r
	m.order = append(m.order, id)
	if len(m.order) > maxRuns {
		delete(m.runs, m.order[0])
		m.order = m.order[1:]
	}
	return r
}

// Runs returns running runs newest first, then finished runs by most recent
// end time.
func (m *Model) Runs() []*Run {
	out := make([]*Run, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.runs[m.order[i]])
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Status == "running", out[j].Status == "running"
		if ri != rj {
			return ri
		}
		if ri {
			return false
		}
		return out[i].EndTime.After(out[j].EndTime)
	})
	return out
}

func (m *Model) updateTable() {
	var rows []table.Row
	for _, r := range m.Runs() {
		rows = append(rows, m.runToRow(r))
	}
	m.runTable.SetRows(rows)
}

func (m *Model) runToRow(r *Run) table.Row {
	symbol := statusRunning.Render("◉")
	switch r.Status {
	case "finish":
		symbol = statusOK.Render("●")
	case "error":
		symbol = statusFailed.Render("∅")
	case "stopped":
		symbol = statusStopped.Render("○")
	}

	duration := "-"
	if !r.StartTime.IsZero() {
		end := r.EndTime
		if end.IsZero() {
			end = m.now()
		}
		duration = end.Sub(r.StartTime).Round(time.Millisecond).String()
	}

	detail := r.Error
	if r.FailedNode != "" {
		detail = fmt.Sprintf("node %s: %s", r.FailedNode, r.Error)
	}

	return table.Row{symbol, r.WorkflowID, shortID(r.ID), fmt.Sprint(r.Nodes), duration, detail}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	runs := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Runs"),
			m.runTable.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll Runs")

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderHeader(),
			runs,
			eventsView,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	status := statusOK.Render("CONNECTED")
	if !m.connected {
		status = statusFailed.Render("DISCONNECTED")
	} else if m.health.Status != "ok" && m.health.Status != "" {
		status = statusFailed.Render("DEGRADED")
	}

	worker := statusStopped.Render("idle")
	if m.health.WorkerRunning {
		worker = statusRunning.Render("up")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Worker: %s", worker),
		fmt.Sprintf("Active: %d", m.health.ActiveRuns),
	}

	col := lipgloss.NewStyle().Width((m.width - 4) / len(items))
	cells := make([]string, 0, len(items))
	for _, it := range items {
		cells = append(cells, col.Render(it))
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-15s | %-8s | %s", ts, e.Type, shortID(e.RunID), string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// subscribeToEvents streams /events into hubEvents until the connection drops.
func (m Model) subscribeToEvents() tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, m.apiURL+"/events", nil)
		if err != nil {
			return sseDisconnectedMsg{err: err}
		}
		req.Header.Set("Authorization", "Bearer "+m.apiKey)

		resp, err := m.client.Do(req)
		if err != nil {
			return sseDisconnectedMsg{err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{err: fmt.Errorf("events stream: %s", resp.Status)}
		}

		m.hubEvents <- events.Event{Type: connectedEvent, At: time.Now()}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev events.Event
			if err := json.Unmarshal([]byte(line[len("data: "):]), &ev); err == nil {
				m.hubEvents <- ev
			}
		}
		return sseDisconnectedMsg{err: scanner.Err()}
	}
}

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-m.hubEvents)
	}
}

func (m Model) pollHealth() tea.Cmd {
	return func() tea.Msg {
		return m.fetchHealth()
	}
}

func (m Model) scheduleHealth() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return m.fetchHealth()
	})
}

func (m Model) fetchHealth() tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, m.apiURL+"/healthz", nil)
	if err != nil {
		return errMsg{err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return errMsg{err}
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg{err}
	}
	return h
}
