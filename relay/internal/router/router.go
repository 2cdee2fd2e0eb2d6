// Package router admits agent websocket connections and routes their
// messages: broadcast, direct delivery and relay control commands.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentrelay/arc/pkg/protocol"
	"github.com/agentrelay/arc/relay/internal/auth"
	"github.com/agentrelay/arc/relay/internal/metrics"
	"github.com/agentrelay/arc/relay/internal/session"
	"github.com/agentrelay/arc/relay/internal/store"
	"github.com/agentrelay/arc/relay/internal/subscription"
)

// ProtocolVersion is advertised in every welcome frame.
const ProtocolVersion = "0.1.0"

// Capabilities advertised in every welcome frame.
var Capabilities = []string{"broadcast", "direct", "subscribe"}

// Route kinds.
const (
	KindInvalid   = "invalid"
	KindCommand   = "command"
	KindBroadcast = "broadcast"
	KindDirect    = "direct"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the router.
type Options struct {
	RelayName       string
	Extensions      []string
	AllowedOrigins  []string
	MaxMessageBytes int64         // inbound frame limit; default 1MB
	SendQueue       int           // per-session outbound queue; default 256
	PingInterval    time.Duration // 0 disables transport keepalive
	PongWait        time.Duration // default 2*PingInterval
}

// Result summarizes how one inbound frame was routed.
type Result struct {
	Kind      string
	Delivered int // recipients the frame was queued for
	Missed    int // named recipients without a live session
	Dropped   int // recipients whose queue was full or closed
}

// Router owns the connection lifecycle and message routing.
type Router struct {
	gate     *auth.Gate
	sessions *session.Table
	subs     *subscription.Index
	audit    *store.Auditor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	opts     Options

	conns   sync.WaitGroup // live connection handlers
	closing atomic.Bool
}

// New creates a Router.
func New(gate *auth.Gate, sessions *session.Table, subs *subscription.Index, audit *store.Auditor, m *metrics.Metrics, logger *slog.Logger, opts Options) *Router {
	if opts.RelayName == "" {
		opts.RelayName = "free.agentrelay.chat"
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1024 * 1024
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	if opts.PingInterval > 0 && opts.PongWait <= opts.PingInterval {
		opts.PongWait = 2 * opts.PingInterval
	}
	if opts.Extensions == nil {
		opts.Extensions = []string{}
	}

	return &Router{
		gate:     gate,
		sessions: sessions,
		subs:     subs,
		audit:    audit,
		metrics:  m,
		logger:   logger.With("component", "router"),
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
	}
}

// HandleWS admits an agent connection and serves it until it disconnects.
// Rejected handshakes are upgraded only to deliver a close frame carrying
// the rejection code and reason.
func (r *Router) HandleWS(w http.ResponseWriter, req *http.Request) {
	// Counted before the upgrade hijacks the connection so Shutdown waits
	// for handlers that are still admitting.
	r.conns.Add(1)
	defer r.conns.Done()

	identity, admitErr := r.gate.Admit(req)

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	if admitErr != nil {
		r.reject(req, conn, admitErr)
		return
	}

	conn.SetReadLimit(r.opts.MaxMessageBytes)
	wc := newWSConn(conn, r.opts.SendQueue)

	// The welcome is queued before the session becomes visible to routing,
	// so it is always the first frame on the connection.
	welcome, err := json.Marshal(r.newRelayFrame(identity, protocol.TypeWelcome, "", protocol.Welcome{
		Relay:        r.opts.RelayName,
		Version:      ProtocolVersion,
		Capabilities: Capabilities,
		Extensions:   r.opts.Extensions,
	}))
	if err != nil {
		r.logger.Error("marshal welcome", "identity", identity, "error", err)
		_ = conn.Close()
		return
	}
	wc.Send(welcome)

	sess, prev := r.sessions.Add(identity, wc)
	if r.closing.Load() {
		wc.Close(websocket.CloseGoingAway, protocol.ReasonShutdown)
	}
	go wc.writePump()

	stopKeepalive := func() {}
	if r.opts.PingInterval > 0 {
		stopKeepalive = startWSKeepalive(conn, &wc.mu, r.opts.PingInterval, r.opts.PongWait)
	}

	defer func() {
		stopKeepalive()
		wc.Close(websocket.CloseNormalClosure, "")
		r.disconnect(sess, req.RemoteAddr)
	}()

	if prev != nil {
		prev.Conn.Close(protocol.CloseSessionReplace, protocol.ReasonSessionReplaced)
		r.logger.Info("closing previous session", "identity", identity, "handle", prev.Handle)
		r.audit.Record(req.Context(), store.AuditSessionReplaced, identity, req.RemoteAddr,
			map[string]uint64{"previous_handle": uint64(prev.Handle)})
	}
	r.metrics.ObserveConnect(prev != nil)
	r.logger.Info("agent connected", "identity", identity, "handle", sess.Handle, "remote", req.RemoteAddr)
	r.audit.Record(req.Context(), store.AuditSessionConnect, identity, req.RemoteAddr, nil)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("agent read error", "identity", identity, "handle", sess.Handle, "error", err)
			return
		}
		r.Route(sess, msg)
	}
}

func (r *Router) reject(req *http.Request, conn *websocket.Conn, err error) {
	defer conn.Close()

	var rej *auth.Rejection
	if !errors.As(err, &rej) {
		rej = auth.ErrInvalidToken
	}
	r.logger.Warn("connection rejected", "reason", rej.Reason, "remote", req.RemoteAddr)
	r.metrics.ObserveRejection(rej.Reason)
	r.audit.Record(req.Context(), store.AuditAuthReject, "", req.RemoteAddr, map[string]string{"reason": rej.Reason})

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(rej.Code, rej.Reason),
		time.Now().Add(controlWriteWait))
}

// disconnect removes the session and, if it was still the identity's live
// session, every subscription edge naming the identity. Safe to call more
// than once.
func (r *Router) disconnect(sess *session.Session, remoteAddr string) {
	removed, current := r.sessions.Remove(sess.Handle)
	if removed == nil {
		r.logger.Debug("session already removed", "identity", sess.Identity, "handle", sess.Handle)
		return
	}
	edges := 0
	if current {
		edges = r.subs.Cleanup(sess.Identity)
	}
	r.logger.Info("agent disconnected", "identity", sess.Identity, "handle", sess.Handle,
		"replaced", !current, "subscriptions_removed", edges)
	r.audit.Record(context.Background(), store.AuditSessionDisconnect, sess.Identity, remoteAddr,
		map[string]any{"replaced": !current, "duration_ms": time.Since(sess.ConnectedAt).Milliseconds()})
}

// Shutdown closes every live session and waits for their handlers to exit.
func (r *Router) Shutdown(ctx context.Context) error {
	r.closing.Store(true)
	for _, s := range r.sessions.All() {
		s.Conn.Close(websocket.CloseGoingAway, protocol.ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Route processes one inbound frame from sess.
func (r *Router) Route(sess *session.Session, raw []byte) Result {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return r.protocolError(sess, "", "Malformed payload")
	}

	ref, refOK := optionalString(fields["ref"])
	typ, typOK := optionalString(fields["type"])

	toRaw, hasTo := fields["to"]
	payload, hasPayload := fields["payload"]
	if !hasTo || !hasPayload {
		return r.protocolError(sess, ref, "Missing required fields: to, payload")
	}
	if !isJSONArray(toRaw) {
		return r.protocolError(sess, ref, "to field must be an array")
	}
	var to []string
	if err := json.Unmarshal(toRaw, &to); err != nil {
		return r.protocolError(sess, ref, "to field must contain only strings")
	}
	if !typOK {
		return r.protocolError(sess, ref, "type field must be a string")
	}
	if !refOK {
		return r.protocolError(sess, "", "ref field must be a string")
	}

	frame := &protocol.Frame{
		ID:      uuid.New().String(),
		From:    sess.Identity,
		To:      to,
		Type:    typ,
		Ref:     ref,
		Payload: payload,
		TS:      time.Now().UnixMilli(),
	}

	var res Result
	switch {
	case slices.Contains(to, protocol.RelayAddress):
		res = r.handleCommand(sess, frame)
	case slices.Contains(to, protocol.BroadcastAddress):
		res = r.broadcast(sess, frame)
	default:
		res = r.direct(sess, frame)
	}
	if res.Kind != KindCommand {
		r.metrics.ObserveRoute(res.Kind, res.Delivered, res.Missed, res.Dropped)
	}
	return res
}

// broadcast delivers to every other live session and to the sender's
// subscribers. Each recipient gets exactly one copy even when it is both.
func (r *Router) broadcast(sess *session.Session, frame *protocol.Frame) Result {
	res := Result{Kind: KindBroadcast}
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("marshal frame", "error", err)
		return res
	}

	recipients := make(map[string]*session.Session)
	for _, s := range r.sessions.Others(sess.Identity) {
		recipients[s.Identity] = s
	}
	for _, id := range r.subs.SubscribersOf(sess.Identity) {
		if id == sess.Identity {
			continue
		}
		if _, ok := recipients[id]; ok {
			continue
		}
		if s, ok := r.sessions.Lookup(id); ok {
			recipients[id] = s
		}
	}

	for _, s := range recipients {
		r.deliver(s, data, &res)
	}
	r.logger.Debug("broadcast", "from", sess.Identity, "id", frame.ID, "delivered", res.Delivered, "dropped", res.Dropped)
	return res
}

// direct delivers to each named identity with a live session.
func (r *Router) direct(sess *session.Session, frame *protocol.Frame) Result {
	res := Result{Kind: KindDirect}
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("marshal frame", "error", err)
		return res
	}

	seen := make(map[string]bool, len(frame.To))
	for _, id := range frame.To {
		if seen[id] {
			continue
		}
		seen[id] = true
		s, ok := r.sessions.Lookup(id)
		if !ok {
			res.Missed++
			continue
		}
		r.deliver(s, data, &res)
	}
	if res.Missed > 0 {
		r.logger.Debug("direct message partially undelivered", "from", sess.Identity, "id", frame.ID,
			"delivered", res.Delivered, "missed", res.Missed)
	}
	return res
}

func (r *Router) deliver(s *session.Session, data []byte, res *Result) {
	if s.Conn.Send(data) {
		res.Delivered++
		return
	}
	res.Dropped++
	r.logger.Warn("dropping frame for backlogged session", "identity", s.Identity, "handle", s.Handle)
}

// newRelayFrame builds a relay-originated frame addressed to identity.
func (r *Router) newRelayFrame(identity, typ, ref string, payload any) *protocol.Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("marshal relay payload", "type", typ, "error", err)
		raw = json.RawMessage("null")
	}
	return &protocol.Frame{
		ID:      uuid.New().String(),
		From:    protocol.RelayAddress,
		To:      []string{identity},
		Type:    typ,
		Ref:     ref,
		Payload: raw,
		TS:      time.Now().UnixMilli(),
	}
}

func (r *Router) sendFrame(sess *session.Session, frame *protocol.Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("marshal frame", "type", frame.Type, "error", err)
		return false
	}
	if !sess.Conn.Send(data) {
		r.logger.Warn("dropping relay frame for backlogged session", "identity", sess.Identity, "type", frame.Type)
		return false
	}
	return true
}

func (r *Router) protocolError(sess *session.Session, ref, message string) Result {
	r.metrics.ObserveProtocolError()
	r.logger.Debug("invalid message", "identity", sess.Identity, "reason", message)
	r.sendFrame(sess, r.newRelayFrame(sess.Identity, protocol.TypeError, ref, protocol.Error{
		Code:    protocol.CodeInvalidMessage,
		Message: message,
	}))
	return Result{Kind: KindInvalid}
}

// optionalString decodes an optional string field. A missing or null field
// yields ("", true); any other non-string value yields ok == false.
func optionalString(raw json.RawMessage) (string, bool) {
	if raw == nil || string(raw) == "null" {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isJSONArray(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}
