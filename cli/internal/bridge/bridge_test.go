package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentrelay/arc/cli/internal/client"
	"github.com/agentrelay/arc/pkg/protocol"
	"github.com/agentrelay/arc/relay/relaytest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// webhook records every message posted to it. The first failFirst requests
// are answered with 500.
type webhook struct {
	*httptest.Server
	msgs      chan WebhookMessage
	auth      chan string
	failFirst int32
	calls     atomic.Int32
}

func newWebhook(t *testing.T, failFirst int32) *webhook {
	t.Helper()
	wh := &webhook{msgs: make(chan WebhookMessage, 16), auth: make(chan string, 16), failFirst: failFirst}
	wh.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wh.calls.Add(1) <= wh.failFirst {
			http.Error(w, "agent busy", http.StatusInternalServerError)
			return
		}
		var m WebhookMessage
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		wh.auth <- r.Header.Get("Authorization")
		wh.msgs <- m
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(wh.Close)
	return wh
}

func (wh *webhook) next(t *testing.T) WebhookMessage {
	t.Helper()
	select {
	case m := <-wh.msgs:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
		return WebhookMessage{}
	}
}

// startBridge runs b.Connect until the test ends and waits for it to be
// connected.
func startBridge(t *testing.T, b *Bridge) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- b.Connect(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	waitConnected(t, b)
	return errc
}

func waitConnected(t *testing.T, b *Bridge) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for b.current() == nil {
		if time.Now().After(deadline) {
			t.Fatal("bridge did not connect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialAgent(t *testing.T, srv *relaytest.Server, id string) *client.Client {
	t.Helper()
	_, token := srv.Register(t, id)
	c, err := client.Dial(t.Context(), srv.WSURL(), token, client.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestFormatText(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`"hello there"`, "[ARC] alice: hello there"},
		{`{"task":"review"}`, `[ARC] alice: {"task":"review"}`},
		{`42`, "[ARC] alice: 42"},
		{`null`, "[ARC] alice: null"},
	}
	for _, tt := range tests {
		f := protocol.Frame{From: "alice", Payload: json.RawMessage(tt.payload)}
		if got := FormatText(f); got != tt.want {
			t.Errorf("FormatText(%s) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func TestBridgeForwardsToWebhook(t *testing.T) {
	srv := relaytest.NewServer(t)
	wh := newWebhook(t, 1)
	_, token := srv.Register(t, "claw")

	b := New(Config{
		RelayURL:       srv.WSURL(),
		Token:          token,
		WebhookURL:     wh.URL,
		WebhookHeaders: map[string]string{"Authorization": "Bearer hook-secret"},
	}, testLogger())
	startBridge(t, b)

	alice := dialAgent(t, srv, "alice")
	// The first delivery is answered with 500 and dropped; the bridge
	// keeps going.
	if err := alice.Broadcast("dropped", ""); err != nil {
		t.Fatal(err)
	}
	if err := alice.Direct([]string{"claw"}, "hello claw", "chat"); err != nil {
		t.Fatal(err)
	}

	m := wh.next(t)
	if m.Text != "[ARC] alice: hello claw" {
		t.Errorf("text = %q", m.Text)
	}
	md := m.Metadata
	if md.Channel != "arc" || md.From != "alice" || md.Type != "chat" || md.MessageID == "" || md.Timestamp == 0 {
		t.Errorf("metadata = %+v", md)
	}
	if md.Raw.ID != md.MessageID || string(md.Raw.Payload) != `"hello claw"` {
		t.Errorf("raw frame = %+v", md.Raw)
	}
	if got := <-wh.auth; got != "Bearer hook-secret" {
		t.Errorf("webhook Authorization = %q", got)
	}
}

func TestBridgeSend(t *testing.T) {
	srv := relaytest.NewServer(t)
	wh := newWebhook(t, 0)
	_, token := srv.Register(t, "claw")
	b := New(Config{RelayURL: srv.WSURL(), Token: token, WebhookURL: wh.URL}, testLogger())
	api := httptest.NewServer(b.Handler())
	defer api.Close()

	post := func(body string) *http.Response {
		t.Helper()
		resp, err := http.Post(api.URL+"/send", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := post(`{"text":"too early"}`); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("send before connect: got %d, want 503", resp.StatusCode)
	}

	startBridge(t, b)
	alice := dialAgent(t, srv, "alice")
	srv.WaitSessions(t, 2)

	if resp := post(`{"text":"hi all"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("broadcast send: got %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	f, err := alice.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.From != "claw" || f.To[0] != protocol.BroadcastAddress || string(f.Payload) != `"hi all"` {
		t.Errorf("broadcast frame = %+v", f)
	}

	if resp := post(`{"text":"just you","target":"alice","type":"note"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("direct send: got %d", resp.StatusCode)
	}
	f, err = alice.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != "note" || f.To[0] != "alice" {
		t.Errorf("direct frame = %+v", f)
	}

	for _, body := range []string{`not json`, `{"target":"alice"}`} {
		if resp := post(body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("send %s: got %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestBridgeHealth(t *testing.T) {
	srv := relaytest.NewServer(t)
	_, token := srv.Register(t, "claw")
	b := New(Config{RelayURL: srv.WSURL(), Token: token, WebhookURL: "http://127.0.0.1:1"}, testLogger())
	startBridge(t, b)

	w := httptest.NewRecorder()
	b.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	var body struct {
		Connected bool   `json:"connected"`
		Identity  string `json:"identity"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Connected || body.Identity != "claw" {
		t.Errorf("healthz = %+v", body)
	}
}

func TestBridgeStopsOnRejectedToken(t *testing.T) {
	srv := relaytest.NewServer(t)
	b := New(Config{RelayURL: srv.WSURL(), Token: "tok_bogus", ReconnectDelay: 10 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	err := b.Connect(ctx)
	if !errors.Is(err, client.ErrInvalidToken) {
		t.Fatalf("Connect = %v, want ErrInvalidToken", err)
	}
}

func TestBridgeReconnects(t *testing.T) {
	srv := relaytest.NewServer(t)
	wh := newWebhook(t, 0)
	_, token := srv.Register(t, "claw")
	b := New(Config{
		RelayURL:       srv.WSURL(),
		Token:          token,
		WebhookURL:     wh.URL,
		ReconnectDelay: 10 * time.Millisecond,
	}, testLogger())
	startBridge(t, b)

	// Taking over the identity drops the bridge's session; the bridge
	// reconnects and takes it back.
	intruder, err := client.Dial(t.Context(), srv.WSURL(), token, client.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer intruder.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if _, err := intruder.Next(ctx); !errors.Is(err, client.ErrSessionReplaced) {
		t.Fatalf("intruder Next = %v, want ErrSessionReplaced", err)
	}

	waitConnected(t, b)
	alice := dialAgent(t, srv, "alice")
	if err := alice.Direct([]string{"claw"}, "after reconnect", ""); err != nil {
		t.Fatal(err)
	}
	if m := wh.next(t); m.Text != "[ARC] alice: after reconnect" {
		t.Errorf("text = %q", m.Text)
	}
}
