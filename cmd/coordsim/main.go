package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/cluso-coord/pkg/cluster"
	"github.com/dd0wney/cluso-coord/pkg/config"
	"github.com/dd0wney/cluso-coord/pkg/logging"
	"github.com/dd0wney/cluso-coord/pkg/node"
	"github.com/dd0wney/cluso-coord/pkg/simulation"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	statsBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(0, 2).
			MarginLeft(2)

	tableBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FFFF")).
			MarginLeft(2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00FF00")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

type keyMap struct {
	Up       key.Binding
	Down     key.Binding
	Crash    key.Binding
	Restart  key.Binding
	Join     key.Binding
	Election key.Binding
	Sync     key.Binding
	Quit     key.Binding
}

var keys = keyMap{
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
	Crash: key.NewBinding(
		key.WithKeys("x"),
		key.WithHelp("x", "crash"),
	),
	Restart: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "restart"),
	),
	Join: key.NewBinding(
		key.WithKeys("a"),
		key.WithHelp("a", "add node"),
	),
	Election: key.NewBinding(
		key.WithKeys("e"),
		key.WithHelp("e", "election"),
	),
	Sync: key.NewBinding(
		key.WithKeys("s"),
		key.WithHelp("s", "sync clocks"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Crash, k.Restart, k.Join, k.Election, k.Sync, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Crash, k.Restart, k.Join},
		{k.Election, k.Sync, k.Quit},
	}
}

type model struct {
	cluster    *simulation.Cluster
	role       config.Role
	maxSkew    time.Duration
	nodeTable  table.Model
	help       help.Model
	keys       keyMap
	snapshots  []node.Snapshot
	message    string
	messageErr bool
	startTime  time.Time
	width      int
}

type tickMsg time.Time

// syncDoneMsg carries the outcome of a manually triggered round
type syncDoneMsg struct {
	id        cluster.NodeID
	average   time.Duration
	responded int
	err       error
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func initialModel(c *simulation.Cluster, role config.Role, maxSkew time.Duration) model {
	columns := []table.Column{
		{Title: "Node", Width: 6},
		{Title: "Up", Width: 4},
		{Title: "State", Width: 22},
		{Title: "Coord", Width: 6},
		{Title: "Members", Width: 8},
		{Title: "Resource", Width: 10},
		{Title: "Queue", Width: 14},
		{Title: "Clock offset", Width: 14},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#FF00FF")).
		Bold(false)
	t.SetStyles(s)

	return model{
		cluster:   c,
		role:      role,
		maxSkew:   maxSkew,
		nodeTable: t,
		help:      help.New(),
		keys:      keys,
		startTime: time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case tickMsg:
		m.refresh()
		return m, tickCmd()

	case syncDoneMsg:
		if msg.err != nil {
			m.setError("sync on %d: %v", msg.id, msg.err)
		} else {
			m.setInfo("round on %d: average %v over %d followers", msg.id, msg.average, msg.responded)
		}
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keys.Crash):
			if id, ok := m.selected(); ok {
				m.report(m.cluster.Crash(id), "crashed node %d", id)
			}

		case key.Matches(msg, m.keys.Restart):
			if id, ok := m.selected(); ok {
				m.report(m.cluster.Restart(id), "restarted node %d", id)
			}

		case key.Matches(msg, m.keys.Join):
			id := m.nextID()
			m.report(m.cluster.Join(id, randomSkew(m.maxSkew)), "node %d joined", id)

		case key.Matches(msg, m.keys.Election):
			if id, ok := m.selected(); ok {
				m.report(m.cluster.TriggerElection(id), "node %d started an election", id)
			}

		case key.Matches(msg, m.keys.Sync):
			if id, ok := m.selected(); ok {
				return m, m.syncCmd(id)
			}
		}
	}

	m.nodeTable, cmd = m.nodeTable.Update(msg)
	return m, cmd
}

func (m model) syncCmd(id cluster.NodeID) tea.Cmd {
	c := m.cluster
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := c.TriggerSync(ctx, id)
		return syncDoneMsg{id: id, average: result.Average, responded: result.Responders(), err: err}
	}
}

func (m *model) refresh() {
	m.snapshots = m.cluster.Snapshot()

	rows := make([]table.Row, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		up := "no"
		state := "-"
		if s.Running {
			up = "yes"
			state = s.State
		}
		coordinator, resource, queue := "-", "-", "-"
		if s.Coordinator != 0 {
			coordinator = s.Coordinator.String()
		}
		if s.Resource != "" {
			resource = s.Resource
		}
		if s.Arbiter != nil {
			queue = formatQueue(s.Arbiter.Holder, s.Arbiter.Queue)
		}
		rows = append(rows, table.Row{
			s.NodeID.String(),
			up,
			state,
			coordinator,
			fmt.Sprintf("%d", len(s.Members)),
			resource,
			queue,
			s.ClockOffset.Round(time.Millisecond).String(),
		})
	}
	m.nodeTable.SetRows(rows)
}

func formatQueue(holder cluster.NodeID, queue []cluster.NodeID) string {
	parts := make([]string, 0, len(queue))
	for _, id := range queue {
		parts = append(parts, id.String())
	}
	return fmt.Sprintf("%s<[%s]", holder, strings.Join(parts, " "))
}

func (m model) selected() (cluster.NodeID, bool) {
	i := m.nodeTable.Cursor()
	if i < 0 || i >= len(m.snapshots) {
		return 0, false
	}
	return m.snapshots[i].NodeID, true
}

func (m model) nextID() cluster.NodeID {
	var highest cluster.NodeID
	for _, s := range m.snapshots {
		highest = max(highest, s.NodeID)
	}
	return highest + 1
}

func (m *model) report(err error, format string, args ...any) {
	if err != nil {
		m.setError("%v", err)
		return
	}
	m.setInfo(format, args...)
}

func (m *model) setError(format string, args ...any) {
	m.message = fmt.Sprintf(format, args...)
	m.messageErr = true
}

func (m *model) setInfo(format string, args ...any) {
	m.message = fmt.Sprintf(format, args...)
	m.messageErr = false
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("Coordination cluster simulator (%s)", m.role)))
	b.WriteString("\n\n")

	coordinator := "electing"
	if id, ok := m.cluster.Coordinator(); ok {
		coordinator = id.String()
	}
	delivered, dropped := m.cluster.NetworkStats()
	stats := fmt.Sprintf("Coordinator: %s   Messages: %d delivered, %d dropped   Uptime: %s",
		coordinator, delivered, dropped, time.Since(m.startTime).Round(time.Second))
	b.WriteString(statsBoxStyle.Render(stats))
	b.WriteString("\n")

	b.WriteString(tableBoxStyle.Render(m.nodeTable.View()))
	b.WriteString("\n")

	if m.message != "" {
		style := successStyle
		if m.messageErr {
			style = errorStyle
		}
		b.WriteString("  " + style.Render(m.message) + "\n")
	}

	b.WriteString(helpStyle.Render(m.help.View(m.keys)))
	return b.String()
}

func randomSkew(maxSkew time.Duration) time.Duration {
	if maxSkew <= 0 {
		return 0
	}
	return rand.N(2*maxSkew) - maxSkew
}

func main() {
	var (
		count    = flag.Int("nodes", 5, "Number of nodes")
		role     = flag.String("role", "mutex", "Coordinator service: none, mutex or clocksync")
		maxSkew  = flag.Duration("skew", 5*time.Minute, "Maximum initial clock skew per node")
		logPath  = flag.String("log", "", "Write node logs to this file")
		realTime = flag.Bool("real-timings", false, "Use production timeouts instead of accelerated ones")
	)
	flag.Parse()

	if *count < 1 {
		log.Fatalf("need at least one node, got %d", *count)
	}

	var logger logging.Logger = logging.NewNopLogger()
	if *logPath != "" {
		cfg := logging.DefaultConfig("coordsim")
		cfg.OutputPath = *logPath
		cfg.Level = "debug"
		zl, err := logging.New(cfg)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer zl.Sync()
		logger = zl
	}

	opts := simulation.Options{
		Role:    config.Role(*role),
		Offsets: make(map[cluster.NodeID]time.Duration),
		Logger:  logger,
	}
	for i := 1; i <= *count; i++ {
		id := cluster.NodeID(i)
		opts.IDs = append(opts.IDs, id)
		opts.Offsets[id] = randomSkew(*maxSkew)
	}
	if !*realTime {
		opts.Configure = simulation.Accelerated
	}

	c, err := simulation.New(opts)
	if err != nil {
		log.Fatalf("Failed to build cluster: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		log.Fatalf("Failed to start cluster: %v", err)
	}
	defer c.Stop()

	p := tea.NewProgram(initialModel(c, opts.Role, *maxSkew), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}
}
