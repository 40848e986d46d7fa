// Package ui is the terminal call screen: the chat log of the call, the mic
// state and a prompt for typed input.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"resq.town/capture"
	"resq.town/chat"
	"resq.town/turn"
)

type Call interface {
	Submit(text string)
	End()
	Done() <-chan struct{}
	State() turn.State
	Log() *chat.Log
	Gate() *capture.Gate
}

type logChangedMsg struct{}

type micMsg bool

type endedMsg struct{}

var (
	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)
	botStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#25A065")).Bold(true)
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4")).Bold(true)
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	liveStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	micOnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Bold(true)
	micOffStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type model struct {
	call        Call
	viewport    viewport.Model
	input       textinput.Model
	changes     <-chan struct{}
	unsubscribe func()
	mic         <-chan bool
	micOn       bool
	ended       bool
	ready       bool
}

func New(call Call) model {
	input := textinput.New()
	input.Placeholder = "Type a message and press Enter"
	input.CharLimit = 500
	input.Focus()

	changes, unsubscribe := call.Log().Subscribe()
	return model{
		call:        call,
		input:       input,
		changes:     changes,
		unsubscribe: unsubscribe,
		mic:         call.Gate().Changes(),
		micOn:       call.Gate().Enabled(),
	}
}

func Run(call Call) error {
	m := New(call)
	defer m.unsubscribe()
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		waitForLog(m.changes),
		waitForMic(m.mic),
		waitForEnd(m.call.Done()),
	)
}

func waitForLog(changes <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-changes
		return logChangedMsg{}
	}
}

func waitForMic(mic <-chan bool) tea.Cmd {
	return func() tea.Msg {
		return micMsg(<-mic)
	}
}

func waitForEnd(done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-done
		return endedMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			call := m.call
			return m, func() tea.Msg {
				call.End()
				return endedMsg{}
			}
		case tea.KeyEnter:
			if text := strings.TrimSpace(m.input.Value()); text != "" && !m.ended {
				m.call.Submit(text)
			}
			m.input.Reset()
			return m, nil
		}

	case tea.WindowSizeMsg:
		headerHeight := lipgloss.Height(m.headerView())
		footerHeight := lipgloss.Height(m.footerView())
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.viewport.SetContent(m.contentView())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}
		m.input.Width = msg.Width - 4

	case logChangedMsg:
		m.viewport.SetContent(m.contentView())
		m.viewport.GotoBottom()
		cmds = append(cmds, waitForLog(m.changes))

	case micMsg:
		m.micOn = bool(msg)
		cmds = append(cmds, waitForMic(m.mic))

	case endedMsg:
		m.ended = true
		return m, tea.Quit
	}

	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	if !m.ready {
		return "\n  Connecting..."
	}
	return fmt.Sprintf(
		"%s\n%s\n%s\n%s",
		m.headerView(),
		m.viewport.View(),
		m.input.View(),
		m.footerView(),
	)
}

func (m model) headerView() string {
	title := barStyle.Render("ResQ Emergency Call")
	mic := micOffStyle.Render(" ○ muted")
	if m.micOn {
		mic = micOnStyle.Render(" ● listening")
	}
	state := systemStyle.Render(" " + m.call.State().String() + " ")
	line := strings.Repeat(
		"─",
		max(0, m.viewport.Width-lipgloss.Width(title)-lipgloss.Width(mic)-lipgloss.Width(state)),
	)
	return lipgloss.JoinHorizontal(lipgloss.Center, title, mic, state, line)
}

func (m model) footerView() string {
	info := barStyle.Render("Enter to send, Esc to end the call")
	line := strings.Repeat("─", max(0, m.viewport.Width-lipgloss.Width(info)))
	return lipgloss.JoinHorizontal(lipgloss.Center, line, info)
}

func (m model) contentView() string {
	var b strings.Builder
	for _, e := range m.call.Log().Entries() {
		b.WriteString(renderEntry(e))
		b.WriteString("\n")
	}
	return b.String()
}

func renderEntry(e chat.Entry) string {
	switch e.Sender {
	case chat.System:
		return systemStyle.Render("· " + e.Text + " ·")
	case chat.Bot:
		return botStyle.Render(e.Name+":") + " " + e.Text
	}
	text := e.Text
	if e.Live {
		text = liveStyle.Render(text)
	}
	return userStyle.Render(e.Name+":") + " " + text
}
