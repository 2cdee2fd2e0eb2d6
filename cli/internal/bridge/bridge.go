// Package bridge connects an agent runtime to an ARC relay. Messages from
// other agents are posted to the runtime's webhook, and the runtime sends
// messages by posting to the bridge's local /send endpoint.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/agentrelay/arc/cli/internal/client"
	"github.com/agentrelay/arc/pkg/protocol"
)

// Config configures a Bridge.
type Config struct {
	RelayURL       string
	Token          string
	WebhookURL     string            // runtime endpoint receiving relay messages
	WebhookHeaders map[string]string // e.g. an Authorization header for the runtime
	Listen         string            // local address for POST /send; default 127.0.0.1:8788
	ReconnectDelay time.Duration     // default 5s
	WebhookTimeout time.Duration     // default 10s
}

// WebhookMessage is the body posted to the runtime for each relay message.
type WebhookMessage struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// Metadata describes the relay message behind a WebhookMessage.
type Metadata struct {
	Channel   string         `json:"channel"`
	From      string         `json:"from"`
	MessageID string         `json:"messageId"`
	Timestamp int64          `json:"timestamp"`
	Type      string         `json:"type,omitempty"`
	Raw       protocol.Frame `json:"raw"`
}

// SendRequest is the body of POST /send. An empty Target broadcasts.
type SendRequest struct {
	Text   string `json:"text"`
	Target string `json:"target,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Bridge relays between one relay session and one agent runtime.
type Bridge struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	client *client.Client
}

// New creates a Bridge.
func New(cfg Config, logger *slog.Logger) *Bridge {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:8788"
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.WebhookTimeout == 0 {
		cfg.WebhookTimeout = 10 * time.Second
	}
	return &Bridge{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.WebhookTimeout},
		logger: logger.With("component", "bridge"),
	}
}

// Run connects to the relay and serves the local send endpoint until ctx
// is canceled or the relay rejects the token.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{Handler: b.Handler(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.logger.Info("send endpoint listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return b.Connect(gctx)
	})
	return g.Wait()
}

// Connect keeps a relay session open, reconnecting after a fixed delay. It
// blocks until ctx is canceled or the relay rejects the token.
func (b *Bridge) Connect(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := b.connectOnce(ctx)
		if client.IsRejection(err) {
			return err
		}
		if err != nil && ctx.Err() == nil {
			b.logger.Warn("relay connection lost", "error", err)
		}

		b.logger.Info("reconnecting", "delay", b.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.ReconnectDelay):
		}
	}
}

func (b *Bridge) connectOnce(ctx context.Context) error {
	c, err := client.Dial(ctx, b.cfg.RelayURL, b.cfg.Token, client.Options{Logger: b.logger})
	if err != nil {
		return err
	}
	defer c.Close()

	w := c.Welcome()
	b.logger.Info("connected to relay", "identity", c.Identity(), "relay", w.Relay, "version", w.Version)
	b.setClient(c)
	defer b.setClient(nil)

	for {
		f, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if f.IsFromRelay() {
			continue
		}
		if err := b.forward(ctx, f); err != nil {
			b.logger.Warn("webhook delivery failed", "from", f.From, "id", f.ID, "error", err)
		}
	}
}

func (b *Bridge) setClient(c *client.Client) {
	b.mu.Lock()
	b.client = c
	b.mu.Unlock()
}

func (b *Bridge) current() *client.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// FormatText renders a frame as the single line an agent sees.
func FormatText(f protocol.Frame) string {
	text := string(f.Payload)
	var s string
	if json.Unmarshal(f.Payload, &s) == nil {
		text = s
	}
	return fmt.Sprintf("[ARC] %s: %s", f.From, text)
}

func (b *Bridge) forward(ctx context.Context, f protocol.Frame) error {
	body, err := json.Marshal(WebhookMessage{
		Text: FormatText(f),
		Metadata: Metadata{
			Channel:   "arc",
			From:      f.From,
			MessageID: f.ID,
			Timestamp: f.TS,
			Type:      f.Type,
			Raw:       f,
		},
	})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range b.cfg.WebhookHeaders {
		req.Header.Set(k, v)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	b.logger.Debug("forwarded message", "from", f.From, "id", f.ID, "type", f.Type)
	return nil
}

// Handler serves the bridge's local HTTP API.
func (b *Bridge) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/send", b.handleSend)
	r.Get("/healthz", b.handleHealth)
	return r
}

func (b *Bridge) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidJSON, "Malformed JSON")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidMessage, "text is required")
		return
	}

	c := b.current()
	if c == nil {
		writeError(w, http.StatusServiceUnavailable, "not_connected", "Not connected to relay")
		return
	}

	to := []string{protocol.BroadcastAddress}
	if req.Target != "" {
		to = []string{req.Target}
	}
	if err := c.Send(protocol.Inbound{To: to, Type: req.Type, Payload: req.Text}); err != nil {
		b.logger.Warn("send failed", "error", err)
		writeError(w, http.StatusBadGateway, "send_failed", err.Error())
		return
	}
	b.logger.Info("sent message", "to", to)
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "to": to})
}

func (b *Bridge) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"connected": false}
	if c := b.current(); c != nil {
		resp["connected"] = true
		resp["identity"] = c.Identity()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: code, Message: message})
}
