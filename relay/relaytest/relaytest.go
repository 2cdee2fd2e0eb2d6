// Package relaytest runs an in-process ARC relay backed by in-memory
// storage, for end-to-end tests of relay clients.
package relaytest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentrelay/arc/pkg/protocol"
	"github.com/agentrelay/arc/relay/internal/config"
	"github.com/agentrelay/arc/relay/internal/relay"
)

// Name is the relay name advertised in welcome frames.
const Name = "relaytest"

// Server is a relay listening on a loopback httptest server.
type Server struct {
	*httptest.Server
	relay *relay.Relay
}

// NewServer starts a relay and registers its shutdown with tb.Cleanup.
func NewServer(tb testing.TB) *Server {
	tb.Helper()
	cfg := config.Default()
	cfg.Storage = config.StorageConfig{Driver: "memory"}
	cfg.Relay.Name = Name
	cfg.Relay.DisableKeepalive = true

	r, err := relay.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		tb.Fatalf("relaytest: %v", err)
	}
	s := &Server{Server: httptest.NewServer(r.Handler()), relay: r}
	tb.Cleanup(s.Close)
	return s
}

// Close ends every session with a going-away close and stops the server.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.relay.Close(ctx)
	s.Server.Close()
}

// WSURL returns the websocket endpoint, e.g. ws://127.0.0.1:1234/arc.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/arc"
}

// Register registers id (or a generated identity when id is empty) and
// returns the issued token.
func (s *Server) Register(tb testing.TB, id string) (identity, token string) {
	tb.Helper()
	body, _ := json.Marshal(protocol.RegisterRequest{AgentID: id})
	resp, err := http.Post(s.URL+"/register", "application/json", bytes.NewReader(body))
	if err != nil {
		tb.Fatalf("relaytest: register: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		tb.Fatalf("relaytest: register %q: status %d", id, resp.StatusCode)
	}
	var reg protocol.RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		tb.Fatalf("relaytest: decode register response: %v", err)
	}
	return reg.AgentID, reg.Token
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	return s.relay.Snapshot().Sessions
}

// WaitSessions blocks until the relay has n live sessions.
func (s *Server) WaitSessions(tb testing.TB, n int) {
	tb.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.Sessions() != n {
		if time.Now().After(deadline) {
			tb.Fatalf("relaytest: waiting for %d sessions, have %d", n, s.Sessions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
