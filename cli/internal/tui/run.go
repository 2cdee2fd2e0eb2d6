package tui

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agentrelay/arc/cli/internal/client"
)

// RunChat runs the chat view over c until the user quits or ctx ends.
func RunChat(ctx context.Context, c *client.Client) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := NewChat(c.Identity(), c.Welcome().Relay, c)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		for {
			f, err := c.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.Send(DisconnectedMsg{Err: err})
				}
				return
			}
			p.Send(FrameMsg{Frame: f})
		}
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("chat: %w", err)
	}
	return nil
}
