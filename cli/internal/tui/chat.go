package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/agentrelay/arc/pkg/protocol"
)

const maxChatLines = 1000

const chatHelp = "/to <id>[,<id>] direct · /all broadcast · /quit exit"

// Sender sends chat input to the relay.
type Sender interface {
	Broadcast(payload any, typ string) error
	Direct(to []string, payload any, typ string) error
}

// FrameMsg delivers a frame received from the relay.
type FrameMsg struct {
	Frame protocol.Frame
}

// DisconnectedMsg reports that the relay session ended.
type DisconnectedMsg struct {
	Err error
}

// sentMsg reports the outcome of a send.
type sentMsg struct {
	err error
}

// ChatModel is an interactive chat over one relay session.
type ChatModel struct {
	identity string
	relay    string
	sender   Sender

	input    textinput.Model
	viewport viewport.Model
	lines    []string

	target    []string // nil broadcasts
	connected bool
	width     int
	height    int
	quitting  bool
	now       func() time.Time
}

// NewChat creates a chat model for identity connected to relay.
func NewChat(identity, relay string, s Sender) ChatModel {
	in := textinput.New()
	in.Placeholder = "message"
	in.Prompt = "> "
	in.CharLimit = 4096
	in.Focus()

	return ChatModel{
		identity:  identity,
		relay:     relay,
		sender:    s,
		input:     in,
		viewport:  viewport.New(80, 20),
		connected: true,
		now:       time.Now,
	}
}

func (m ChatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-5, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "esc"))):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, key.NewBinding(key.WithKeys("enter"))):
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			return m.submit(text)
		case key.Matches(msg, key.NewBinding(key.WithKeys("pgup", "pgdown"))):
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case FrameMsg:
		m.addLine(m.formatFrame(msg.Frame))
		return m, nil

	case DisconnectedMsg:
		m.connected = false
		m.addLine(ErrorStyle.Render(fmt.Sprintf("disconnected: %v", msg.Err)))
		return m, nil

	case sentMsg:
		if msg.err != nil {
			m.addLine(ErrorStyle.Render(fmt.Sprintf("send failed: %v", msg.err)))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m ChatModel) submit(text string) (tea.Model, tea.Cmd) {
	switch {
	case text == "":
		return m, nil
	case text == "/quit":
		m.quitting = true
		return m, tea.Quit
	case text == "/help":
		m.addLine(Help.Render(chatHelp))
		return m, nil
	case text == "/all":
		m.target = nil
		m.addLine(Dimmed.Render("now broadcasting to everyone"))
		return m, nil
	case text == "/to" || strings.HasPrefix(text, "/to "):
		var ids []string
		for _, id := range strings.Split(strings.TrimSpace(strings.TrimPrefix(text, "/to")), ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			m.addLine(WarningStyle.Render("usage: /to <id>[,<id>]"))
			return m, nil
		}
		m.target = ids
		m.addLine(Dimmed.Render("now sending to " + strings.Join(ids, ", ")))
		return m, nil
	case strings.HasPrefix(text, "/"):
		m.addLine(WarningStyle.Render("unknown command, " + chatHelp))
		return m, nil
	}

	if !m.connected {
		m.addLine(ErrorStyle.Render("not connected"))
		return m, nil
	}

	m.addLine(m.formatLine(m.now(), m.identity, m.targetLabel(), "", text))
	sender, target := m.sender, m.target
	return m, func() tea.Msg {
		if target == nil {
			return sentMsg{err: sender.Broadcast(text, "")}
		}
		return sentMsg{err: sender.Direct(target, text, "")}
	}
}

func (m *ChatModel) addLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxChatLines {
		m.lines = m.lines[len(m.lines)-maxChatLines:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m ChatModel) targetLabel() string {
	if m.target == nil {
		return protocol.BroadcastAddress
	}
	return strings.Join(m.target, ",")
}

func (m ChatModel) formatFrame(f protocol.Frame) string {
	if f.IsFromRelay() {
		if f.Type == protocol.TypeError {
			var e protocol.Error
			_ = json.Unmarshal(f.Payload, &e)
			return ErrorStyle.Render(fmt.Sprintf("relay error: %s", e.Message))
		}
		return Dimmed.Render(fmt.Sprintf("relay %s: %s", f.Type, f.Payload))
	}

	text := string(f.Payload)
	var s string
	if json.Unmarshal(f.Payload, &s) == nil {
		text = s
	}
	return m.formatLine(time.UnixMilli(f.TS), f.From, strings.Join(f.To, ","), f.Type, text)
}

func (m ChatModel) formatLine(ts time.Time, from, to, typ, text string) string {
	line := Dimmed.Render(ts.Format("15:04:05")) + " " + SenderStyle(from).Render(from) +
		Dimmed.Render(" → "+to)
	if typ != "" {
		line += " " + Label.Render("["+typ+"]")
	}
	return line + " " + text
}

func (m ChatModel) View() string {
	if m.quitting {
		return ""
	}
	header := Header.Width(max(m.width-2, 0)).Render(
		Title.Render("ARC") + " " + Dimmed.Render(m.relay) + "  " +
			StatusDot(m.connected) + " " + StatusText(m.connected) + "  " +
			SenderStyle(m.identity).Render(m.identity) + Dimmed.Render(" → "+m.targetLabel()))

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		m.input.View(),
		Help.Render(" enter send · pgup/pgdown scroll · esc quit · "+chatHelp),
	)
}

// Lines returns the rendered conversation.
func (m ChatModel) Lines() []string { return m.lines }

// Quitting reports whether the user left the chat.
func (m ChatModel) Quitting() bool { return m.quitting }
