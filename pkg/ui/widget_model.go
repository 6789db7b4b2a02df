// Package ui renders the support widget in a terminal: a launcher button with
// an unread badge, and a panel with the timeline and a composer.
package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/supportchat/pkg/connection"
	"github.com/go-go-golems/supportchat/pkg/timeline"
	"github.com/go-go-golems/supportchat/pkg/widget"
)

var (
	buttonStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("63"))
	badgeStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("196"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	supportStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	selfStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	unreadStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("118"))
	bannerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63"))
)

// Widget is the part of widget.Controller the view drives.
type Widget interface {
	Snapshot() widget.Snapshot
	OnChange(cb func(widget.Snapshot)) func()
	Toggle()
	MarkRead()
	Submit(ctx context.Context, text string) error
	Reset(ctx context.Context) error
}

type snapshotMsg widget.Snapshot

type submitDoneMsg struct{ err error }

type resetDoneMsg struct{ err error }

type Model struct {
	ctx     context.Context
	w       Widget
	updates chan widget.Snapshot
	detach  func()

	snap         widget.Snapshot
	input        textinput.Model
	viewport     viewport.Model
	spinner      spinner.Model
	confirmReset bool
	lastErr      string
	width        int
}

// NewModel subscribes to w; call Close when the program exits.
func NewModel(ctx context.Context, w Widget) Model {
	in := textinput.New()
	in.Placeholder = "Escribe un mensaje..."
	in.CharLimit = 1000
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))

	m := Model{
		ctx:      ctx,
		w:        w,
		updates:  make(chan widget.Snapshot, 1),
		snap:     w.Snapshot(),
		input:    in,
		viewport: viewport.New(60, 12),
		spinner:  sp,
		width:    60,
	}
	updates := m.updates
	m.detach = w.OnChange(func(s widget.Snapshot) {
		// only the latest snapshot matters
		for {
			select {
			case updates <- s:
				return
			default:
				select {
				case <-updates:
				default:
				}
			}
		}
	})
	m.viewport.SetContent(RenderMessages(m.snap.Messages, m.width))
	return m
}

func (m Model) Close() {
	if m.detach != nil {
		m.detach()
	}
}

func waitForSnapshot(ch <-chan widget.Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return nil
		}
		return snapshotMsg(s)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitForSnapshot(m.updates))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch ev := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = ev.Width - 4
		if m.width < 20 {
			m.width = 20
		}
		m.viewport.Width = m.width
		h := ev.Height - 8
		if h < 3 {
			h = 3
		}
		m.viewport.Height = h
		m.input.Width = m.width - 4
		m.viewport.SetContent(RenderMessages(m.snap.Messages, m.width))
		return m, nil

	case snapshotMsg:
		m.snap = widget.Snapshot(ev)
		m.viewport.SetContent(RenderMessages(m.snap.Messages, m.width))
		m.viewport.GotoBottom()
		return m, waitForSnapshot(m.updates)

	case submitDoneMsg:
		m.lastErr = ""
		if ev.err != nil && !errors.Is(ev.err, widget.ErrEmptyInput) {
			m.lastErr = ev.err.Error()
		}
		return m, nil

	case resetDoneMsg:
		m.lastErr = ""
		if ev.err != nil {
			m.lastErr = ev.err.Error()
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(ev)
	}

	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func (m Model) handleKey(ev tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := ev.String()
	if key == "ctrl+c" {
		return m, tea.Quit
	}
	if m.confirmReset {
		switch key {
		case "y", "Y":
			m.confirmReset = false
			return m, m.resetCmd()
		case "n", "N", "esc":
			m.confirmReset = false
		}
		return m, nil
	}

	switch key {
	case "ctrl+o":
		m.w.Toggle()
		return m, nil
	case "ctrl+r":
		m.confirmReset = true
		return m, nil
	case "ctrl+a":
		m.w.MarkRead()
		return m, nil
	}
	if !m.snap.Open {
		return m, nil
	}
	switch key {
	case "enter":
		text := m.input.Value()
		if strings.TrimSpace(text) == "" || m.snap.Busy {
			return m, nil
		}
		m.input.Reset()
		return m, m.submitCmd(text)
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(ev)
		return m, cmd
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(ev)
	return m, cmd
}

func (m Model) submitCmd(text string) tea.Cmd {
	w, ctx := m.w, m.ctx
	return func() tea.Msg {
		err := w.Submit(ctx, text)
		if err != nil {
			log.Debug().Err(err).Str("component", "ui").Msg("submit failed")
		}
		return submitDoneMsg{err: err}
	}
}

func (m Model) resetCmd() tea.Cmd {
	w, ctx := m.w, m.ctx
	return func() tea.Msg {
		return resetDoneMsg{err: w.Reset(ctx)}
	}
}

func (m Model) View() string {
	button := buttonStyle.Render("💬 Soporte")
	if m.snap.Unread > 0 {
		button += " " + badgeStyle.Render(fmt.Sprintf("%d", m.snap.Unread))
	}
	help := helpStyle.Render("ctrl+o abrir/cerrar · ctrl+a marcar leídos · ctrl+r reiniciar · ctrl+c salir")

	if !m.snap.Open {
		return button + "\n" + help + m.footer()
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("Soporte"))
	b.WriteString("  ")
	b.WriteString(connectionLabel(m.snap.Connection))
	if m.snap.Unread > 0 {
		b.WriteString("  " + badgeStyle.Render(fmt.Sprintf("%d sin leer", m.snap.Unread)))
	}
	b.WriteString("\n")
	if m.snap.Banner != "" {
		b.WriteString(bannerStyle.Render(m.snap.Banner) + "\n")
	}
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	if m.snap.Busy {
		b.WriteString(m.spinner.View() + " ")
	}
	b.WriteString(m.input.View())

	return panelStyle.Render(b.String()) + "\n" + button + "\n" + help + m.footer()
}

func (m Model) footer() string {
	switch {
	case m.confirmReset:
		return "\n" + errorStyle.Render("¿Reiniciar la conversación? (y/n)")
	case m.lastErr != "":
		return "\n" + errorStyle.Render(m.lastErr)
	default:
		return ""
	}
}

func connectionLabel(s connection.State) string {
	switch s {
	case connection.Connected:
		return unreadStyle.Render("● conectado")
	case connection.Connecting:
		return bannerStyle.Render("◌ conectando")
	default:
		return helpStyle.Render("○ desconectado")
	}
}

// RenderMessages formats the timeline, one line per message, wrapped to width.
func RenderMessages(msgs []timeline.Message, width int) string {
	if width <= 0 {
		width = 60
	}
	lines := make([]string, 0, len(msgs))
	wrap := lipgloss.NewStyle().Width(width)
	for _, msg := range msgs {
		ts := ""
		if !msg.CreatedAt.IsZero() {
			ts = msg.CreatedAt.Local().Format("15:04") + " "
		}
		var line string
		if msg.FromSupport {
			who := "Soporte"
			if !msg.Read {
				who = unreadStyle.Render("• Soporte")
			}
			line = ts + supportStyle.Render(who+": ") + msg.Text
		} else {
			line = ts + selfStyle.Render("Tú: ") + msg.Text
		}
		lines = append(lines, wrap.Render(line))
	}
	return strings.Join(lines, "\n")
}
