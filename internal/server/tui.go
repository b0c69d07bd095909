// ABOUTME: Terminal status display for the receiver
// ABOUTME: Shows connected producers and jitter buffer state using bubbletea
package server

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chrisjbillington/lansound/internal/buffer"
)

// StatusTUI renders live receiver state in the terminal.
type StatusTUI struct {
	name string
	port int

	program  *tea.Program
	quitChan chan struct{}

	mu      sync.Mutex
	updates chan Status
	closed  bool
}

// Status holds receiver state for display.
type Status struct {
	Name           string
	Port           int
	Latency        time.Duration
	Producers      []ProducerInfo
	Active         string
	Buffer         buffer.Snapshot
	ChunksReceived uint64
}

// ProducerInfo identifies one connected producer.
type ProducerInfo struct {
	Identity string
	Remote   string
}

type tuiModel struct {
	status    Status
	startTime time.Time
	quitting  bool
	quitChan  chan struct{}
}

type tickMsg time.Time
type statusMsg Status

func (m tuiModel) Init() tea.Cmd {
	return tickEvery()
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}

	case tickMsg:
		return m, tickEvery()

	case statusMsg:
		m.status = Status(msg)
		return m, nil
	}

	return m, nil
}

func (m tuiModel) View() string {
	if m.quitting {
		return "Shutting down receiver...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		MarginBottom(1)

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86"))

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("250"))

	sectionStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("220"))

	var b strings.Builder

	b.WriteString(titleStyle.Render("lansound receiver"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Name: "))
	b.WriteString(valueStyle.Render(m.status.Name))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Port: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", m.status.Port)))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Uptime: "))
	uptime := time.Since(m.startTime).Round(time.Second)
	b.WriteString(valueStyle.Render(uptime.String()))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Latency: "))
	b.WriteString(valueStyle.Render(m.status.Latency.String()))
	b.WriteString("\n\n")

	b.WriteString(sectionStyle.Render("Playback"))
	b.WriteString("\n\n")

	state := "buffering"
	if m.status.Buffer.Playing {
		state = "playing"
	}
	b.WriteString(headerStyle.Render("  State: "))
	b.WriteString(valueStyle.Render(state))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("  Buffer: "))
	b.WriteString(renderBar(m.status.Buffer.Level, m.status.Buffer.Capacity, 24))
	b.WriteString(valueStyle.Render(fmt.Sprintf(" %d/%d bytes", m.status.Buffer.Level, m.status.Buffer.Capacity)))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("  Underruns: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", m.status.Buffer.Underruns)))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("  Chunks: "))
	b.WriteString(valueStyle.Render(fmt.Sprintf("%d", m.status.ChunksReceived)))
	b.WriteString("\n\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Producers (%d)", len(m.status.Producers))))
	b.WriteString("\n\n")

	if len(m.status.Producers) == 0 {
		b.WriteString(valueStyle.Render("  No producers connected"))
		b.WriteString("\n")
	} else {
		for _, p := range m.status.Producers {
			marker := " "
			if p.Identity == m.status.Active {
				marker = "*"
			}
			b.WriteString(fmt.Sprintf("  %s %s", marker, shortIdentity(p.Identity)))
			b.WriteString(valueStyle.Render(fmt.Sprintf(" (%s)", p.Remote)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))

	return b.String()
}

// renderBar draws a fixed-width fill gauge.
func renderBar(level, capacity, width int) string {
	filled := 0
	if capacity > 0 {
		filled = level * width / capacity
		if filled > width {
			filled = width
		}
	}

	fillStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	restStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	return fillStyle.Render(strings.Repeat("█", filled)) +
		restStyle.Render(strings.Repeat("░", width-filled))
}

// shortIdentity trims producer UUIDs for display.
func shortIdentity(identity string) string {
	if len(identity) > 8 {
		return identity[:8]
	}
	return identity
}

// NewStatusTUI creates the status display.
func NewStatusTUI(name string, port int) *StatusTUI {
	return &StatusTUI{
		name:     name,
		port:     port,
		updates:  make(chan Status, 10),
		quitChan: make(chan struct{}, 1),
	}
}

// Run starts the display and blocks until it exits.
func (t *StatusTUI) Run() error {
	m := tuiModel{
		status: Status{
			Name: t.name,
			Port: t.port,
		},
		startTime: time.Now(),
		quitChan:  t.quitChan,
	}

	t.program = tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for status := range t.updates {
			if t.program != nil {
				t.program.Send(statusMsg(status))
			}
		}
	}()

	_, err := t.program.Run()
	return err
}

// Update pushes a status snapshot without blocking. Safe after Stop.
func (t *StatusTUI) Update(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.updates <- status:
	default:
	}
}

// Stop shuts the display down. Idempotent.
func (t *StatusTUI) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.updates)
	if t.program != nil {
		t.program.Quit()
	}
}

// QuitChan signals that the user asked to quit from the display.
func (t *StatusTUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
