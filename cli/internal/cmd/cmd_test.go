package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentrelay/arc/cli/internal/client"
	"github.com/agentrelay/arc/relay/relaytest"
)

func TestMain(m *testing.M) {
	os.Setenv("NO_COLOR", "1")
	os.Exit(m.Run())
}

// cleanEnv runs the test in an empty directory with no ARC_* variables.
func cleanEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	for _, k := range []string{"ARC_RELAY", "ARC_TOKEN", "ARC_WEBHOOK_URL"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

// syncBuffer is a bytes.Buffer safe for a command writing while the test
// reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func executeContext(ctx context.Context, out *syncBuffer, stdin string, args ...string) error {
	root := NewRootCmd("1.2.3")
	root.SetOut(out)
	root.SetErr(out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &syncBuffer{}
	err := executeContext(t.Context(), out, "", args...)
	return out.String(), err
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

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "arc 1.2.3" {
		t.Errorf("version output = %q", out)
	}
}

func TestRegisterCommand(t *testing.T) {
	cleanEnv(t)
	srv := relaytest.NewServer(t)

	out, err := execute(t, "register", "alice", "-r", srv.WSURL())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out, "Agent ID: alice") || !strings.Contains(out, "tok_") {
		t.Errorf("register output = %q", out)
	}

	_, err = execute(t, "register", "alice", "-r", srv.WSURL())
	if err == nil || !strings.Contains(err.Error(), "identity_taken") {
		t.Errorf("duplicate register error = %v", err)
	}
}

func TestRegisterSaveThenPing(t *testing.T) {
	cleanEnv(t)
	srv := relaytest.NewServer(t)

	if _, err := execute(t, "register", "bob", "--save", "-r", srv.WSURL()); err != nil {
		t.Fatalf("register --save: %v", err)
	}
	env, err := godotenv.Read(".env")
	if err != nil {
		t.Fatal(err)
	}
	if env["ARC_RELAY"] != srv.WSURL() || !strings.HasPrefix(env["ARC_TOKEN"], "tok_") {
		t.Errorf(".env = %v", env)
	}
	info, err := os.Stat(".env")
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf(".env mode = %o, want 600", perm)
	}

	// No flags: relay and token come from .env.
	out, err := execute(t, "ping")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	for _, want := range []string{"Connected as bob", "Relay: " + relaytest.Name, "broadcast, direct, subscribe", "Connection time:"} {
		if !strings.Contains(out, want) {
			t.Errorf("ping output missing %q:\n%s", want, out)
		}
	}
}

func TestCommandsRequireToken(t *testing.T) {
	cleanEnv(t)
	for _, args := range [][]string{{"ping"}, {"send", "hi"}, {"listen"}, {"subscriptions"}, {"bridge", "--webhook", "http://127.0.0.1:1"}} {
		_, err := execute(t, args...)
		if err == nil || !strings.Contains(err.Error(), "ARC_TOKEN") {
			t.Errorf("%v: error = %v", args, err)
		}
	}
}

func TestPingRejectedToken(t *testing.T) {
	cleanEnv(t)
	srv := relaytest.NewServer(t)
	_, err := execute(t, "ping", "-r", srv.WSURL(), "-t", "tok_nope")
	if !errors.Is(err, client.ErrInvalidToken) {
		t.Errorf("ping with bad token = %v", err)
	}
}

func TestSendCommand(t *testing.T) {
	cleanEnv(t)
	srv := relaytest.NewServer(t)
	bob := dialAgent(t, srv, "bob")
	_, token := srv.Register(t, "alice")

	out, err := execute(t, "send", `{"task":"review"}`, "--json", "--to", "bob", "--type", "task", "-r", srv.WSURL(), "-t", token)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out, "Message sent") {
		t.Errorf("send output = %q", out)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	f, err := bob.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if f.From != "alice" || f.Type != "task" || string(f.Payload) != `{"task":"review"}` {
		t.Errorf("frame = %+v", f)
	}

	if _, err := execute(t, "send", "{broken", "--json", "-r", srv.WSURL(), "-t", token); err == nil {
		t.Error("expected invalid JSON error")
	}
}

func TestSubscribeCommands(t *testing.T) {
	cleanEnv(t)
	srv := relaytest.NewServer(t)
	_, token := srv.Register(t, "carol")
	flags := []string{"-r", srv.WSURL(), "-t", token}

	out, err := execute(t, append([]string{"subscribe", "alice", "bob"}, flags...)...)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !strings.Contains(out, "• alice") || !strings.Contains(out, "• bob") {
		t.Errorf("subscribe output = %q", out)
	}

	out, err = execute(t, append([]string{"unsubscribe", "alice"}, flags...)...)
	if err != nil || !strings.Contains(out, "Unsubscribed") {
		t.Errorf("unsubscribe = %q, %v", out, err)
	}

	// Subscriptions end with the session, so a fresh session has none.
	srv.WaitSessions(t, 0)
	out, err = execute(t, append([]string{"subscriptions"}, flags...)...)
	if err != nil || !strings.Contains(out, "No subscriptions") {
		t.Errorf("subscriptions = %q, %v", out, err)
	}
}

func TestListenCommand(t *testing.T) {
	cleanEnv(t)
	srv := relaytest.NewServer(t)
	alice := dialAgent(t, srv, "alice")
	_, token := srv.Register(t, "dave")

	ctx, cancel := context.WithCancel(t.Context())
	out := &syncBuffer{}
	errc := make(chan error, 1)
	go func() {
		errc <- executeContext(ctx, out, "", "listen", "--subscribe", "alice", "-v", "-r", srv.WSURL(), "-t", token)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "Listening for messages") {
		if time.Now().After(deadline) {
			t.Fatalf("listen did not start:\n%s", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := alice.Broadcast("status: green", "status"); err != nil {
		t.Fatal(err)
	}
	for !strings.Contains(out.String(), "Payload: status: green") {
		if time.Now().After(deadline) {
			t.Fatalf("message not printed:\n%s", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("listen returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not stop")
	}

	got := out.String()
	for _, want := range []string{"Message 1:", "From: alice", "Type: status", "To: *", "ID: ", "Timestamp: "} {
		if !strings.Contains(got, want) {
			t.Errorf("listen output missing %q:\n%s", want, got)
		}
	}
	if strings.Count(got, "Message ") != 1 {
		t.Errorf("subscriber should receive one copy:\n%s", got)
	}
}

func TestChatRequiresTerminal(t *testing.T) {
	cleanEnv(t)
	_, err := execute(t, "chat", "-t", "tok_x")
	if err == nil || !strings.Contains(err.Error(), "interactive terminal") {
		t.Errorf("chat error = %v", err)
	}
}

func TestBridgeRequiresWebhook(t *testing.T) {
	cleanEnv(t)
	_, err := execute(t, "bridge", "-t", "tok_x")
	if err == nil || !strings.Contains(err.Error(), "--webhook") {
		t.Errorf("bridge error = %v", err)
	}
}

func TestInitCommand(t *testing.T) {
	cleanEnv(t)
	srv := relaytest.NewServer(t)

	answers := strings.Join([]string{srv.WSURL(), "", "erin"}, "\n") + "\n"
	out := &syncBuffer{}
	if err := executeContext(t.Context(), out, answers, "init"); err != nil {
		t.Fatalf("init: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "Registered as erin") {
		t.Errorf("init output = %q", out.String())
	}

	env, err := godotenv.Read(".env")
	if err != nil {
		t.Fatal(err)
	}
	if env["ARC_RELAY"] != srv.WSURL() || env["ARC_TOKEN"] == "" {
		t.Fatalf(".env = %v", env)
	}

	// Re-running with an existing token keeps it and skips registration.
	answers = strings.Join([]string{srv.WSURL(), "tok_existing"}, "\n") + "\n"
	if err := executeContext(t.Context(), &syncBuffer{}, answers, "init"); err != nil {
		t.Fatal(err)
	}
	env, _ = godotenv.Read(".env")
	if env["ARC_TOKEN"] != "tok_existing" {
		t.Errorf("ARC_TOKEN = %q", env["ARC_TOKEN"])
	}
}
