// Package progress renders sideload transfer progress as a bubbletea
// bar, the teacher's TUI stack (bubbletea + lipgloss), fed by a channel
// the way the teacher's cmd/cli/main.go feeds its UI model log
// messages via p.Send from a background goroutine.
package progress

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	bprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"miassist-flash/internal/sideload"
)

var labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))

// UpdateMsg wraps a sideload.Progress event for delivery into the
// bubbletea program via (*tea.Program).Send.
type UpdateMsg sideload.Progress

// doneMsg signals the model to quit after the final update.
type doneMsg struct{}

// Model is the bubbletea model rendering one ongoing transfer, built on
// bubbles' progress.Model bar component.
type Model struct {
	bar       bprogress.Model
	delivered int64
	total     int64
	finished  bool
}

// NewModel returns a fresh, empty Model.
func NewModel() Model {
	return Model{bar: bprogress.New(bprogress.WithDefaultGradient())}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case UpdateMsg:
		m.delivered, m.total = v.Delivered, v.Total
		var cmd tea.Cmd
		if m.total > 0 {
			cmd = m.bar.SetPercent(float64(m.delivered) / float64(m.total))
		}
		if m.total > 0 && m.delivered >= m.total {
			m.finished = true
			return m, tea.Batch(cmd, tea.Quit)
		}
		return m, cmd
	case doneMsg:
		m.finished = true
		return m, tea.Quit
	case tea.KeyMsg:
		if v.String() == "ctrl+c" {
			return m, tea.Quit
		}
	default:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(bprogress.Model)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	if m.total == 0 {
		return labelStyle.Render("waiting for transfer to begin...") + "\n"
	}
	return fmt.Sprintf("%s %d/%d bytes\n", m.bar.View(), m.delivered, m.total)
}

// Run drives a tea.Program from updates on ch until the channel closes
// or a Progress with Delivered>=Total arrives. It is meant to run on
// its own goroutine, fed by the orchestrator's sideload call running on
// the calling goroutine -- the same split the teacher's main.go uses
// between the UI program and its background log-feeding goroutine.
func Run(ch <-chan sideload.Progress) error {
	p := tea.NewProgram(NewModel())
	go func() {
		for update := range ch {
			p.Send(UpdateMsg(update))
		}
		p.Send(doneMsg{})
	}()
	_, err := p.Run()
	return err
}

// IsInteractive reports whether stdout is a terminal bubbletea can draw
// to; callers fall back to PlainTextFallback otherwise.
func IsInteractive() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// PlainTextFallback prints one percentage line per update, for
// non-interactive stdout (pipes, CI).
func PlainTextFallback(ch <-chan sideload.Progress) {
	for update := range ch {
		pct := 0.0
		if update.Total > 0 {
			pct = float64(update.Delivered) / float64(update.Total) * 100
		}
		fmt.Printf("sideload: %d/%d bytes (%.1f%%)\n", update.Delivered, update.Total, pct)
	}
}
