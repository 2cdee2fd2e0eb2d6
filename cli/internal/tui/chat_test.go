package tui

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agentrelay/arc/pkg/protocol"
)

type sent struct {
	to      []string
	payload any
}

type fakeSender struct {
	calls []sent
	err   error
}

func (f *fakeSender) Broadcast(payload any, _ string) error {
	f.calls = append(f.calls, sent{to: []string{"*"}, payload: payload})
	return f.err
}

func (f *fakeSender) Direct(to []string, payload any, _ string) error {
	f.calls = append(f.calls, sent{to: to, payload: payload})
	return f.err
}

func newTestChat(s Sender) ChatModel {
	m := NewChat("alice", "relay.test", s)
	m.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local) }
	return m
}

// typeLine types text and presses enter, running any resulting command.
func typeLine(t *testing.T, m ChatModel, text string) ChatModel {
	t.Helper()
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	next, cmd := next.(ChatModel).Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(ChatModel)
	if cmd != nil {
		if msg := cmd(); msg != nil {
			if _, ok := msg.(tea.QuitMsg); !ok {
				next, _ = m.Update(msg)
				m = next.(ChatModel)
			}
		}
	}
	return m
}

func lastLine(m ChatModel) string {
	lines := m.Lines()
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func TestChatBroadcastByDefault(t *testing.T) {
	s := &fakeSender{}
	m := typeLine(t, newTestChat(s), "hello everyone")

	if len(s.calls) != 1 || !slices.Equal(s.calls[0].to, []string{"*"}) || s.calls[0].payload != "hello everyone" {
		t.Fatalf("calls = %+v", s.calls)
	}
	line := lastLine(m)
	if !strings.Contains(line, "03:04:05") || !strings.Contains(line, "alice") || !strings.Contains(line, "hello everyone") {
		t.Errorf("echo line = %q", line)
	}
}

func TestChatDirectTarget(t *testing.T) {
	s := &fakeSender{}
	m := typeLine(t, newTestChat(s), "/to bob, carol")
	if !strings.Contains(lastLine(m), "bob, carol") {
		t.Errorf("target line = %q", lastLine(m))
	}

	m = typeLine(t, m, "psst")
	if len(s.calls) != 1 || !slices.Equal(s.calls[0].to, []string{"bob", "carol"}) {
		t.Fatalf("calls = %+v", s.calls)
	}

	m = typeLine(t, m, "/all")
	_ = typeLine(t, m, "loud")
	if len(s.calls) != 2 || !slices.Equal(s.calls[1].to, []string{"*"}) {
		t.Errorf("calls after /all = %+v", s.calls)
	}
}

func TestChatCommands(t *testing.T) {
	s := &fakeSender{}
	m := newTestChat(s)

	m = typeLine(t, m, "/to")
	if !strings.Contains(lastLine(m), "usage") {
		t.Errorf("empty /to line = %q", lastLine(m))
	}
	m = typeLine(t, m, "/nope")
	if !strings.Contains(lastLine(m), "unknown command") {
		t.Errorf("unknown command line = %q", lastLine(m))
	}
	m = typeLine(t, m, "   ")
	if len(s.calls) != 0 {
		t.Errorf("commands should not send, got %+v", s.calls)
	}

	m = typeLine(t, m, "/quit")
	if !m.Quitting() {
		t.Error("/quit did not quit")
	}
}

func TestChatSendFailure(t *testing.T) {
	s := &fakeSender{err: errors.New("write: broken pipe")}
	m := typeLine(t, newTestChat(s), "hi")
	if !strings.Contains(lastLine(m), "send failed: write: broken pipe") {
		t.Errorf("last line = %q", lastLine(m))
	}
}

func TestChatIncomingFrames(t *testing.T) {
	m := newTestChat(&fakeSender{})

	next, _ := m.Update(FrameMsg{Frame: protocol.Frame{
		From: "bob", To: []string{"alice"}, Type: "note",
		Payload: json.RawMessage(`"hey alice"`), TS: time.Now().UnixMilli(),
	}})
	m = next.(ChatModel)
	line := lastLine(m)
	for _, want := range []string{"bob", "alice", "[note]", "hey alice"} {
		if !strings.Contains(line, want) {
			t.Errorf("frame line %q missing %q", line, want)
		}
	}

	next, _ = m.Update(FrameMsg{Frame: protocol.Frame{
		From: "relay", To: []string{"alice"}, Type: protocol.TypeError,
		Payload: json.RawMessage(`{"code":"invalid_message","message":"Missing required fields: to, payload"}`),
	}})
	m = next.(ChatModel)
	if !strings.Contains(lastLine(m), "relay error: Missing required fields") {
		t.Errorf("relay error line = %q", lastLine(m))
	}
}

func TestChatDisconnected(t *testing.T) {
	s := &fakeSender{}
	next, _ := newTestChat(s).Update(DisconnectedMsg{Err: errors.New("connection closed: 4009 session_replaced")})
	m := next.(ChatModel)
	if !strings.Contains(lastLine(m), "session_replaced") {
		t.Errorf("disconnect line = %q", lastLine(m))
	}
	if !strings.Contains(m.View(), "disconnected") {
		t.Error("header should show disconnected")
	}

	m = typeLine(t, m, "anyone?")
	if len(s.calls) != 0 || !strings.Contains(lastLine(m), "not connected") {
		t.Errorf("send while disconnected: calls=%+v line=%q", s.calls, lastLine(m))
	}
}

func TestChatEscQuits(t *testing.T) {
	next, cmd := newTestChat(&fakeSender{}).Update(tea.KeyMsg{Type: tea.KeyEsc})
	if !next.(ChatModel).Quitting() || cmd == nil {
		t.Fatal("esc should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("esc should return tea.Quit")
	}
}

func TestSenderStyleIsStable(t *testing.T) {
	a := SenderStyle("alice").Render("x")
	if a != SenderStyle("alice").Render("x") {
		t.Error("SenderStyle not deterministic")
	}
}
