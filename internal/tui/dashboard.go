// Package tui is the live coordination-plane dashboard: task counts by
// state, circuit breaker states, scheduler load, and recent steal
// operations. It is a read-only view; there is no input handling beyond
// quitting.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/agentcore/internal/breaker"
	"github.com/basket/agentcore/internal/orchestrator"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	headerStyle = lipgloss.NewStyle().Bold(true)
)

type refreshMsg struct {
	stats orchestrator.Stats
	err   error
}

func tickEvery(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg { return tickMsg{} })
}

type tickMsg struct{}

// model is the bubbletea Model driving the dashboard's refresh loop: on
// every tick it pulls a fresh Stats snapshot from the orchestrator and
// re-renders.
type model struct {
	ctx      context.Context
	o        *orchestrator.Orchestrator
	interval time.Duration

	stats    orchestrator.Stats
	lastErr  error
	quitting bool
}

// Run launches the dashboard against an already-open orchestrator, blocking
// until the user quits (q / Ctrl+C) or ctx is cancelled.
func Run(ctx context.Context, o *orchestrator.Orchestrator) error {
	m := model{ctx: ctx, o: o, interval: time.Second}
	p := tea.NewProgram(m, tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchStats(m.ctx, m.o), tickEvery(m.interval))
}

func fetchStats(ctx context.Context, o *orchestrator.Orchestrator) tea.Cmd {
	return func() tea.Msg {
		stats, err := o.Stats(ctx)
		return refreshMsg{stats: stats, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(fetchStats(m.ctx, m.o), tickEvery(m.interval))
	case refreshMsg:
		m.stats = msg.stats
		m.lastErr = msg.err
	}
	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("agentcore dashboard") + dimStyle.Render("  (q to quit)") + "\n\n")

	if m.lastErr != nil {
		b.WriteString(errStyle.Render("stats error: "+m.lastErr.Error()) + "\n")
		return b.String()
	}

	b.WriteString(headerStyle.Render("tasks") + "\n")
	statuses := make([]string, 0, len(m.stats.Tasks))
	for s := range m.stats.Tasks {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		b.WriteString(fmt.Sprintf("  %-12s %d\n", s, m.stats.Tasks[s]))
	}

	b.WriteString("\n" + headerStyle.Render("circuit breakers") + "\n")
	for _, br := range m.stats.Breakers {
		line := fmt.Sprintf("  %-20s %-10s failures=%d", br.Name, br.State, br.ConsecutiveFailures)
		switch br.State {
		case breaker.Open:
			b.WriteString(errStyle.Render(line) + "\n")
		case breaker.HalfOpen:
			b.WriteString(warnStyle.Render(line) + "\n")
		default:
			b.WriteString(okStyle.Render(line) + "\n")
		}
	}

	b.WriteString("\n" + headerStyle.Render("scheduler") + "\n")
	sc := m.stats.Scheduler
	b.WriteString(fmt.Sprintf("  agents=%d overloaded=%d underloaded=%d avg_tasks=%.2f steals=%d\n",
		sc.TotalAgents, sc.OverloadedAgents, sc.UnderloadedAgents, sc.AvgTasksPerAgent, sc.SuccessfulSteals))

	if len(sc.RecentSteals) > 0 {
		b.WriteString("\n" + headerStyle.Render("recent steals") + "\n")
		n := len(sc.RecentSteals)
		if n > 5 {
			n = 5
		}
		for _, s := range sc.RecentSteals[len(sc.RecentSteals)-n:] {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  %+v", s)) + "\n")
		}
	}

	b.WriteString("\n" + headerStyle.Render("memory") + dimStyle.Render(fmt.Sprintf("  %d entries\n", m.stats.MemoryLen)))
	return b.String()
}
