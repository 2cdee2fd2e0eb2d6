// Package client is a websocket client for the ARC relay protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentrelay/arc/pkg/protocol"
)

// DefaultRelayURL is the relay a client connects to when none is given.
const DefaultRelayURL = "ws://localhost:8080/arc"

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("client closed")
	// ErrMissingToken means the relay closed the handshake with 4001.
	ErrMissingToken = errors.New("relay rejected connection: missing token")
	// ErrInvalidToken means the relay closed the handshake with 4003.
	ErrInvalidToken = errors.New("relay rejected connection: invalid or unregistered token")
	// ErrSessionReplaced means another connection took over this identity.
	ErrSessionReplaced = errors.New("session replaced by a newer connection")
	// ErrRelayShutdown means the relay is shutting down.
	ErrRelayShutdown = errors.New("relay shutting down")
)

// CloseError is a websocket close received from the relay.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed: %d", e.Code)
	}
	return fmt.Sprintf("connection closed: %d %s", e.Code, e.Reason)
}

// Unwrap maps relay close codes onto the package's sentinel errors.
func (e *CloseError) Unwrap() error {
	switch e.Code {
	case protocol.CloseMissingToken:
		return ErrMissingToken
	case protocol.CloseInvalidToken:
		return ErrInvalidToken
	case protocol.CloseSessionReplace:
		return ErrSessionReplaced
	case websocket.CloseGoingAway:
		return ErrRelayShutdown
	}
	return nil
}

// IsRejection reports whether err means the relay refused the token, in
// which case reconnecting with the same token is pointless.
func IsRejection(err error) bool {
	return errors.Is(err, ErrMissingToken) || errors.Is(err, ErrInvalidToken)
}

// ErrorFrame is an error frame returned by the relay in reply to a request.
type ErrorFrame struct {
	Code    string
	Message string
}

func (e *ErrorFrame) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

// Options tunes Dial.
type Options struct {
	HandshakeTimeout time.Duration // default 10s
	WelcomeTimeout   time.Duration // default 5s
	Logger           *slog.Logger
}

// Client is one authenticated relay session.
//
// Frames are consumed through Next. The request helpers (Subscribe,
// Unsubscribe, ListSubscriptions) read from the same stream and hold back
// unrelated frames for Next, so they must not run concurrently with Next.
type Client struct {
	conn     *websocket.Conn
	identity string
	welcome  protocol.Welcome
	logger   *slog.Logger

	writeMu sync.Mutex

	frames chan protocol.Frame
	done   chan struct{}
	err    error // read loop exit cause, valid once frames is closed

	pendingMu sync.Mutex
	pending   []protocol.Frame

	refs      atomic.Uint64
	closeOnce sync.Once
}

// Dial connects to relayURL with token and waits for the welcome frame.
// The token travels both as a bearer header and as the token query
// parameter so that proxies stripping either still admit the client.
func Dial(ctx context.Context, relayURL, token string, opts Options) (*Client, error) {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WelcomeTimeout == 0 {
		opts.WelcomeTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	header := http.Header{}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	welcome, identity, err := awaitWelcome(conn, opts.WelcomeTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		conn:     conn,
		identity: identity,
		welcome:  welcome,
		logger:   opts.Logger.With("component", "arc-client", "identity", identity),
		frames:   make(chan protocol.Frame, 64),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func awaitWelcome(conn *websocket.Conn, timeout time.Duration) (protocol.Welcome, string, error) {
	var welcome protocol.Welcome
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return welcome, "", fmt.Errorf("await welcome: %w", closeCause(err))
	}
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return welcome, "", fmt.Errorf("await welcome: %w", err)
	}
	if f.Type != protocol.TypeWelcome || !f.IsFromRelay() {
		return welcome, "", fmt.Errorf("await welcome: unexpected %q frame from %q", f.Type, f.From)
	}
	if err := json.Unmarshal(f.Payload, &welcome); err != nil {
		return welcome, "", fmt.Errorf("decode welcome: %w", err)
	}
	identity := "unknown"
	if len(f.To) > 0 {
		identity = f.To[0]
	}
	return welcome, identity, nil
}

// closeCause converts a websocket close into a *CloseError.
func closeCause(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return err
}

// Identity is the identity the relay admitted this client as.
func (c *Client) Identity() string { return c.identity }

// Welcome returns the relay's welcome payload.
func (c *Client) Welcome() protocol.Welcome { return c.welcome }

func (c *Client) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				c.err = ErrClosed
			default:
				c.err = closeCause(err)
			}
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("invalid frame from relay", "error", err)
			continue
		}
		select {
		case c.frames <- f:
		case <-c.done:
			c.err = ErrClosed
			return
		}
	}
}

// Next returns the next frame delivered to this client. Once the
// connection ends it returns the cause: a *CloseError for a relay close,
// ErrClosed after Close.
func (c *Client) Next(ctx context.Context) (protocol.Frame, error) {
	c.pendingMu.Lock()
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		c.pendingMu.Unlock()
		return f, nil
	}
	c.pendingMu.Unlock()
	return c.recv(ctx)
}

func (c *Client) recv(ctx context.Context) (protocol.Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return protocol.Frame{}, c.err
		}
		return f, nil
	case <-ctx.Done():
		return protocol.Frame{}, ctx.Err()
	}
}

// Send writes one message to the relay.
func (c *Client) Send(msg protocol.Inbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Broadcast sends payload to every connected agent.
func (c *Client) Broadcast(payload any, typ string) error {
	return c.Send(protocol.Inbound{To: []string{protocol.BroadcastAddress}, Type: typ, Payload: payload})
}

// Direct sends payload to the named identities.
func (c *Client) Direct(to []string, payload any, typ string) error {
	if len(to) == 0 {
		return errors.New("at least one recipient is required")
	}
	return c.Send(protocol.Inbound{To: to, Type: typ, Payload: payload})
}

// Subscribe asks the relay to copy broadcasts from agents to this client.
func (c *Client) Subscribe(ctx context.Context, agents []string) (protocol.SubscriptionAck, error) {
	var ack protocol.SubscriptionAck
	err := c.request(ctx, protocol.TypeSubscribe, protocol.AgentList{Agents: agents}, protocol.TypeSubscribed, &ack)
	return ack, err
}

// Unsubscribe removes subscriptions to agents.
func (c *Client) Unsubscribe(ctx context.Context, agents []string) (protocol.SubscriptionAck, error) {
	var ack protocol.SubscriptionAck
	err := c.request(ctx, protocol.TypeUnsubscribe, protocol.AgentList{Agents: agents}, protocol.TypeUnsubscribed, &ack)
	return ack, err
}

// ListSubscriptions returns the identities this client is subscribed to.
func (c *Client) ListSubscriptions(ctx context.Context) ([]string, error) {
	var list protocol.AgentList
	if err := c.request(ctx, protocol.TypeListSubscriptions, struct{}{}, protocol.TypeSubscriptions, &list); err != nil {
		return nil, err
	}
	return list.Agents, nil
}

// request sends a relay command tagged with a fresh ref and waits for the
// reply carrying the same ref. Other frames are held for Next.
func (c *Client) request(ctx context.Context, typ string, payload any, replyType string, out any) error {
	ref := "req-" + strconv.FormatUint(c.refs.Add(1), 10)
	if err := c.Send(protocol.Inbound{To: []string{protocol.RelayAddress}, Type: typ, Ref: ref, Payload: payload}); err != nil {
		return err
	}

	for {
		f, err := c.recv(ctx)
		if err != nil {
			return fmt.Errorf("await %s: %w", replyType, err)
		}
		if !f.IsFromRelay() || f.Ref != ref {
			c.pendingMu.Lock()
			c.pending = append(c.pending, f)
			c.pendingMu.Unlock()
			continue
		}
		switch f.Type {
		case replyType:
			if err := json.Unmarshal(f.Payload, out); err != nil {
				return fmt.Errorf("decode %s: %w", replyType, err)
			}
			return nil
		case protocol.TypeError:
			var e protocol.Error
			_ = json.Unmarshal(f.Payload, &e)
			return &ErrorFrame{Code: e.Code, Message: e.Message}
		default:
			return fmt.Errorf("unexpected %q reply to %s", f.Type, typ)
		}
	}
}

// Close sends a normal close to the relay and tears the connection down.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
