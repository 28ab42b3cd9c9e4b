// Package tui renders a live terminal view of a running forkd through its
// status API.
package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/forkd/internal/api"
	"github.com/mattjoyce/forkd/internal/events"
	"github.com/mattjoyce/forkd/internal/supervisor"
)

const (
	maxEvents    = 100
	pollInterval = 2 * time.Second
	retryDelay   = 3 * time.Second
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Model is the BubbleTea model behind `forkd watch`.
type Model struct {
	apiURL string

	width  int
	height int

	health   api.HealthzResponse
	groups   []supervisor.GroupInfo
	children []supervisor.ChildInfo
	eventLog []events.Event
	lastID   int64

	hubEvents chan events.Event

	groupTable table.Model
	childTable table.Model
	viewport   viewport.Model

	lastError string
}

// NewMonitor creates a model that watches the forkd API at apiURL.
func NewMonitor(apiURL string) Model {
	groupTable := newTable([]table.Column{
		{Title: "Group", Width: 16},
		{Title: "Live", Width: 6},
		{Title: "Hard", Width: 6},
		{Title: "Soft", Width: 6},
		{Title: "Load", Width: 7},
	}, 6)
	groupTable.Focus()

	childTable := newTable([]table.Column{
		{Title: "PID", Width: 8},
		{Title: "Task", Width: 14},
		{Title: "Group", Width: 14},
		{Title: "Run", Width: 10},
		{Title: "Running", Width: 10},
	}, 8)

	return Model{
		apiURL:     strings.TrimRight(apiURL, "/"),
		hubEvents:  make(chan events.Event, maxEvents),
		groupTable: groupTable,
		childTable: childTable,
		viewport:   viewport.Model{Width: 80, Height: 10},
	}
}

func newTable(columns []table.Column, height int) table.Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithHeight(height),
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
	return t
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchSnapshotCmd(m.apiURL),
		tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			if m.groupTable.Focused() {
				m.groupTable.Blur()
				m.childTable.Focus()
			} else {
				m.childTable.Blur()
				m.groupTable.Focus()
			}
			return m, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.groupTable.SetWidth(m.width - 6)
		m.childTable.SetWidth(m.width - 6)
		m.viewport.Width = m.width - 6
		m.viewport.Height = max(m.height/3, 3)
		m.refreshEvents()
		return m, nil

	case eventMsg:
		m.handleEvent(events.Event(msg))
		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		if strings.HasPrefix(msg.Type, "child.") {
			cmds = append(cmds, fetchSnapshotCmd(m.apiURL))
		}
		return m, tea.Batch(cmds...)

	case snapshotMsg:
		m.lastError = ""
		m.applySnapshot(msg)
		return m, nil

	case tickMsg:
		return m, tea.Batch(
			fetchSnapshotCmd(m.apiURL),
			tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case streamClosedMsg:
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(retryDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the same channel.
		return m, subscribeToEvents(m.apiURL, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, nil
	}

	var cmd tea.Cmd
	if m.childTable.Focused() {
		m.childTable, cmd = m.childTable.Update(msg)
	} else {
		m.groupTable, cmd = m.groupTable.Update(msg)
	}
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	if e.ID > m.lastID {
		m.lastID = e.ID
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEvents {
		m.eventLog = m.eventLog[:maxEvents]
	}
	if e.Type == events.DaemonState {
		var data struct {
			State string `json:"state"`
		}
		if json.Unmarshal(e.Data, &data) == nil && data.State != "" {
			m.health.State = data.State
		}
	}
	m.refreshEvents()
}

func (m *Model) applySnapshot(s snapshotMsg) {
	m.health = s.Health
	m.groups = s.Groups.Groups
	m.children = s.Children.Children

	groupRows := make([]table.Row, 0, len(m.groups))
	for _, g := range m.groups {
		groupRows = append(groupRows, table.Row{
			g.Name,
			fmt.Sprint(g.Live),
			formatLimit(g.Hard),
			formatLimit(g.Soft),
			fmt.Sprintf("%.0f%%", g.Load*100),
		})
	}
	m.groupTable.SetRows(groupRows)

	childRows := make([]table.Row, 0, len(m.children))
	for _, c := range m.children {
		running := "-"
		if !c.StartedAt.IsZero() && !s.Health.SnapshotAt.IsZero() {
			running = s.Health.SnapshotAt.Sub(c.StartedAt).Round(time.Second).String()
		}
		childRows = append(childRows, table.Row{
			fmt.Sprint(c.Pid),
			c.Task,
			c.Group,
			shortID(c.RunID),
			running,
		})
	}
	m.childTable.SetRows(childRows)
}

func (m *Model) refreshEvents() {
	m.viewport.SetContent(m.renderEvents())
	m.viewport.GotoTop()
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	sections := []string{
		m.renderHeader(),
		m.panel("Groups", m.groupTable.View()),
		m.panel("Children", m.childTable.View()),
		m.panel("Events", m.viewport.View()),
	}
	if m.lastError != "" {
		sections = append(sections, statusFailed.Render(" "+m.lastError))
	}
	sections = append(sections, helpStyle.Render(" [q] Quit • [tab] Switch table • [↑/↓] Scroll • [pgup/pgdn] Events"))

	return docStyle.Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func (m Model) panel(title, body string) string {
	return borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), body),
	)
}

func (m Model) renderHeader() string {
	state := m.health.State
	if state == "" {
		state = "unknown"
	}
	var stateText string
	switch state {
	case "looping":
		stateText = statusOK.Render(strings.ToUpper(state))
	case "starting", "stopping":
		stateText = statusWarn.Render(strings.ToUpper(state))
	default:
		stateText = statusFailed.Render(strings.ToUpper(state))
	}

	load := statusOK
	if m.health.SoftLoad >= 1 {
		load = statusFailed
	} else if m.health.SoftLoad >= 0.75 {
		load = statusWarn
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("State: %s", stateText),
		fmt.Sprintf("Uptime: %s", uptime),
		fmt.Sprintf("Live: %d", m.health.Live),
		fmt.Sprintf("Soft load: %s", load.Render(fmt.Sprintf("%.0f%%", m.health.SoftLoad*100))),
	}

	colWidth := (m.width - 4) / len(items)
	cols := make([]string, 0, len(items))
	for _, item := range items {
		cols = append(cols, lipgloss.NewStyle().Width(colWidth).Render(item))
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
}

func (m Model) renderEvents() string {
	if len(m.eventLog) == 0 {
		return "  No events yet..."
	}
	lines := make([]string, 0, len(m.eventLog))
	for _, e := range m.eventLog {
		lines = append(lines, fmt.Sprintf("%s | %-18s | %s", e.At.Format("15:04:05"), e.Type, summarize(e.Data)))
	}
	return strings.Join(lines, "\n")
}

// summarize renders event data as sorted key=value pairs.
func summarize(data json.RawMessage) string {
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return string(data)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

func formatLimit(n int) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprint(n)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
