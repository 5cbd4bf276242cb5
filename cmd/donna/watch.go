package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"donna/internal/store"
)

// Dashboard palette.
var (
	watchAccent = lipgloss.Color("#7C3AED")
	watchGood   = lipgloss.Color("#10B981")
	watchWarn   = lipgloss.Color("#F59E0B")
	watchBad    = lipgloss.Color("#EF4444")
	watchMuted  = lipgloss.Color("#6B7280")
	watchBusy   = lipgloss.Color("#06B6D4")

	watchHeaderStyle = lipgloss.NewStyle().Foreground(watchAccent).Bold(true).Padding(0, 1)
	watchGroupStyle  = lipgloss.NewStyle().Bold(true)
	watchBusyStyle   = lipgloss.NewStyle().Foreground(watchBusy)
	watchWaitStyle   = lipgloss.NewStyle().Foreground(watchWarn)
	watchDoneStyle   = lipgloss.NewStyle().Foreground(watchGood)
	watchFailStyle   = lipgloss.NewStyle().Foreground(watchBad)
	watchMutedStyle  = lipgloss.NewStyle().Foreground(watchMuted)
	watchFooterStyle = lipgloss.NewStyle().Foreground(watchMuted).Padding(0, 1)
)

func (c *CLI) newWatchCommand() *cobra.Command {
	var (
		user     string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live queue dashboard",
		Long: `Full-screen view of the queue, refreshed continuously. Arrow keys and
pgup/pgdn scroll, r refreshes now, q leaves.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			p := tea.NewProgram(newWatchModel(st, user, interval), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&user, "user", "u", "", "only this user's tasks")
	flags.DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	return cmd
}

type (
	watchTickMsg     time.Time
	watchSnapshotMsg struct {
		tasks []store.Task
		err   error
	}
)

type watchModel struct {
	st       *store.Store
	user     string
	interval time.Duration
	viewport viewport.Model
	tasks    []store.Task
	err      error
	width    int
	height   int
	ready    bool
	fetched  time.Time
}

func newWatchModel(st *store.Store, user string, interval time.Duration) *watchModel {
	return &watchModel{
		st:       st,
		user:     user,
		interval: interval,
		viewport: viewport.New(80, 22),
		width:    80,
		height:   24,
	}
}

func (m *watchModel) Init() tea.Cmd {
	return tea.Batch(m.refresh, m.tick())
}

func (m *watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return watchTickMsg(t) })
}

// refresh snapshots the queue. It runs on bubbletea's command pool, so
// a slow read never blocks the UI loop.
func (m *watchModel) refresh() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tasks, err := m.st.ListTasks(ctx, store.TaskFilter{UserID: m.user, Limit: 100})
	return watchSnapshotMsg{tasks: tasks, err: err}
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(4, msg.Height-3)
		m.ready = true
		m.viewport.SetContent(m.render())
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refresh
		}
	case watchTickMsg:
		return m, m.refresh
	case watchSnapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.tasks = msg.tasks
			m.fetched = time.Now()
		}
		m.viewport.SetContent(m.render())
		return m, m.tick()
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *watchModel) View() string {
	if !m.ready {
		return "loading…"
	}
	title := "donna queue"
	if m.user != "" {
		title += " · " + m.user
	}
	footer := fmt.Sprintf("%d tasks · refreshed %s · q quit",
		len(m.tasks), m.fetched.Format("15:04:05"))
	if m.err != nil {
		footer = "refresh failed: " + m.err.Error()
	}
	var b strings.Builder
	b.WriteString(watchHeaderStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(watchFooterStyle.Render(footer))
	return b.String()
}

// render groups the snapshot into running, waiting, and settled blocks.
func (m *watchModel) render() string {
	if len(m.tasks) == 0 {
		return watchMutedStyle.Render("queue is empty")
	}
	var running, waiting, settled []store.Task
	for _, t := range m.tasks {
		switch t.Status {
		case store.StatusRunning:
			running = append(running, t)
		case store.StatusPending, store.StatusPendingConfirmation:
			waiting = append(waiting, t)
		default:
			settled = append(settled, t)
		}
	}
	now := time.Now()
	var b strings.Builder
	group := func(name string, tasks []store.Task) {
		if len(tasks) == 0 {
			return
		}
		b.WriteString(watchGroupStyle.Render(fmt.Sprintf("%s (%d)", name, len(tasks))))
		b.WriteString("\n")
		for _, t := range tasks {
			b.WriteString(m.renderRow(t, now))
		}
		b.WriteString("\n")
	}
	group("Running", running)
	group("Waiting", waiting)
	group("Settled", settled)
	return strings.TrimRight(b.String(), "\n")
}

func (m *watchModel) renderRow(t store.Task, now time.Time) string {
	style, marker := watchMutedStyle, "·"
	switch t.Status {
	case store.StatusRunning:
		style, marker = watchBusyStyle, "▸"
	case store.StatusPending:
		style, marker = watchWaitStyle, "○"
	case store.StatusPendingConfirmation:
		style, marker = watchWaitStyle, "?"
	case store.StatusCompleted:
		style, marker = watchDoneStyle, "✓"
	case store.StatusFailed:
		style, marker = watchFailStyle, "✗"
	}
	text := t.Prompt
	if t.IsCommand() {
		text = "$ " + t.Command
	}
	width := max(20, m.width-32)
	line := fmt.Sprintf("  %s %-5d %-10s %-6s %s",
		marker, t.ID, excerpt(t.UserID, 10), shortAge(t.Age(now)), excerpt(text, width))
	return style.Render(line) + "\n"
}
