package client

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/agentrelay/arc/pkg/protocol"
	"github.com/agentrelay/arc/relay/relaytest"
)

func dialAs(t *testing.T, srv *relaytest.Server, id string) *Client {
	t.Helper()
	_, token := srv.Register(t, id)
	c, err := Dial(t.Context(), srv.WSURL(), token, Options{})
	if err != nil {
		t.Fatalf("Dial(%s): %v", id, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func next(t *testing.T, c *Client) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	f, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return f
}

func TestDialWelcome(t *testing.T) {
	srv := relaytest.NewServer(t)
	c := dialAs(t, srv, "alice")

	if c.Identity() != "alice" {
		t.Errorf("Identity() = %q, want alice", c.Identity())
	}
	w := c.Welcome()
	if w.Relay != relaytest.Name || w.Version == "" {
		t.Errorf("welcome = %+v", w)
	}
	if !slices.Equal(w.Capabilities, []string{"broadcast", "direct", "subscribe"}) {
		t.Errorf("capabilities = %v", w.Capabilities)
	}
}

func TestDialRejected(t *testing.T) {
	srv := relaytest.NewServer(t)

	tests := []struct {
		name  string
		token string
		want  error
		code  int
	}{
		{"missing token", "", ErrMissingToken, protocol.CloseMissingToken},
		{"unknown token", "tok_unknown", ErrInvalidToken, protocol.CloseInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Dial(t.Context(), srv.WSURL(), tt.token, Options{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Dial error = %v, want %v", err, tt.want)
			}
			if !IsRejection(err) {
				t.Error("IsRejection = false")
			}
			var ce *CloseError
			if !errors.As(err, &ce) || ce.Code != tt.code {
				t.Errorf("close error = %+v, want code %d", ce, tt.code)
			}
		})
	}
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(t.Context(), "ws://127.0.0.1:1/arc", "tok_x", Options{HandshakeTimeout: time.Second})
	if err == nil {
		t.Fatal("expected dial error")
	}
	if IsRejection(err) {
		t.Error("network failure reported as rejection")
	}
}

func TestBroadcastAndDirect(t *testing.T) {
	srv := relaytest.NewServer(t)
	alice := dialAs(t, srv, "alice")
	bob := dialAs(t, srv, "bob")

	if err := alice.Broadcast("hello", ""); err != nil {
		t.Fatal(err)
	}
	f := next(t, bob)
	if f.From != "alice" || string(f.Payload) != `"hello"` || !slices.Equal(f.To, []string{"*"}) {
		t.Errorf("broadcast frame = %+v", f)
	}

	if err := bob.Direct([]string{"alice"}, map[string]int{"n": 1}, "note"); err != nil {
		t.Fatal(err)
	}
	f = next(t, alice)
	if f.From != "bob" || f.Type != "note" || string(f.Payload) != `{"n":1}` {
		t.Errorf("direct frame = %+v", f)
	}
	if f.ID == "" || f.TS == 0 {
		t.Errorf("frame not stamped: %+v", f)
	}

	if err := alice.Direct(nil, "x", ""); err == nil {
		t.Error("Direct with no recipients should fail")
	}
}

func TestSubscriptions(t *testing.T) {
	srv := relaytest.NewServer(t)
	alice := dialAs(t, srv, "alice")
	bob := dialAs(t, srv, "bob")
	ctx := t.Context()

	ack, err := bob.Subscribe(ctx, []string{"alice", "alice"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if ack.Count != 1 || !slices.Equal(ack.Agents, []string{"alice"}) {
		t.Errorf("subscribe ack = %+v", ack)
	}

	list, err := bob.ListSubscriptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(list, []string{"alice"}) {
		t.Errorf("ListSubscriptions = %v", list)
	}

	if err := alice.Broadcast("once", ""); err != nil {
		t.Fatal(err)
	}
	if f := next(t, bob); string(f.Payload) != `"once"` {
		t.Errorf("frame = %+v", f)
	}

	ack, err = bob.Unsubscribe(ctx, []string{"alice"})
	if err != nil || ack.Count != 1 {
		t.Fatalf("Unsubscribe = %+v, %v", ack, err)
	}
	list, err = bob.ListSubscriptions(ctx)
	if err != nil || len(list) != 0 {
		t.Errorf("ListSubscriptions after unsubscribe = %v, %v", list, err)
	}
}

func TestRequestHoldsBackOtherFrames(t *testing.T) {
	srv := relaytest.NewServer(t)
	bob := dialAs(t, srv, "bob")
	carol := dialAs(t, srv, "carol")
	ctx := t.Context()

	if err := carol.Direct([]string{"bob"}, "first", ""); err != nil {
		t.Fatal(err)
	}
	// carol's frames are routed in order, so once her own request is
	// answered the direct message is already queued for bob.
	if _, err := carol.ListSubscriptions(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := bob.Subscribe(ctx, []string{"carol"}); err != nil {
		t.Fatal(err)
	}
	if f := next(t, bob); f.From != "carol" || string(f.Payload) != `"first"` {
		t.Errorf("held frame = %+v", f)
	}
}

func TestRequestErrorFrame(t *testing.T) {
	srv := relaytest.NewServer(t)
	c := dialAs(t, srv, "alice")

	_, err := c.Subscribe(t.Context(), nil)
	var ef *ErrorFrame
	if !errors.As(err, &ef) || ef.Code != protocol.CodeInvalidMessage {
		t.Fatalf("Subscribe(nil) error = %v", err)
	}
}

func TestSessionReplaced(t *testing.T) {
	srv := relaytest.NewServer(t)
	_, token := srv.Register(t, "alice")

	first, err := Dial(t.Context(), srv.WSURL(), token, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	second, err := Dial(t.Context(), srv.WSURL(), token, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if _, err := first.Next(ctx); !errors.Is(err, ErrSessionReplaced) {
		t.Fatalf("Next on replaced session = %v, want ErrSessionReplaced", err)
	}
}

func TestRelayShutdown(t *testing.T) {
	srv := relaytest.NewServer(t)
	c := dialAs(t, srv, "alice")
	srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if _, err := c.Next(ctx); !errors.Is(err, ErrRelayShutdown) {
		t.Fatalf("Next after shutdown = %v, want ErrRelayShutdown", err)
	}
}

func TestClose(t *testing.T) {
	srv := relaytest.NewServer(t)
	c := dialAs(t, srv, "alice")
	srv.WaitSessions(t, 1)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = c.Close()

	if err := c.Broadcast("late", ""); !errors.Is(err, ErrClosed) {
		t.Errorf("Broadcast after Close = %v", err)
	}
	if _, err := c.Next(t.Context()); !errors.Is(err, ErrClosed) {
		t.Errorf("Next after Close = %v", err)
	}
	srv.WaitSessions(t, 0)
}

func TestRegister(t *testing.T) {
	srv := relaytest.NewServer(t)
	ctx := t.Context()

	reg, err := Register(ctx, nil, srv.WSURL(), "alice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.AgentID != "alice" || reg.Token == "" {
		t.Errorf("Register = %+v", reg)
	}

	generated, err := Register(ctx, http.DefaultClient, srv.WSURL(), "")
	if err != nil {
		t.Fatal(err)
	}
	if generated.AgentID == "" || generated.AgentID == "alice" {
		t.Errorf("generated identity = %q", generated.AgentID)
	}

	_, err = Register(ctx, nil, srv.WSURL(), "alice")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest || apiErr.Code != protocol.CodeIdentityTaken {
		t.Fatalf("duplicate Register error = %v", err)
	}

	c, err := Dial(ctx, srv.WSURL(), reg.Token, Options{})
	if err != nil {
		t.Fatalf("Dial with registered token: %v", err)
	}
	defer c.Close()
	if c.Identity() != "alice" {
		t.Errorf("Identity() = %q", c.Identity())
	}
}

func TestHTTPURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"ws://localhost:8080/arc", "http://localhost:8080", false},
		{"wss://relay.example/arc?x=1", "https://relay.example", false},
		{"http://127.0.0.1:9000", "http://127.0.0.1:9000", false},
		{"ftp://relay.example", "", true},
		{"ws:///arc", "", true},
	}
	for _, tt := range tests {
		got, err := HTTPURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("HTTPURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("HTTPURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
