// Package protocol defines the wire format exchanged between agents and the
// ARC relay over WebSocket.
//
// Every frame is a single JSON object. Clients send Inbound frames; the relay
// stamps them into Frames (assigning id, from and ts) before delivery.
// Payloads are opaque to the relay except for control commands addressed to
// RelayAddress.
package protocol

import "encoding/json"

// Reserved addresses.
const (
	// RelayAddress addresses the relay itself (control commands) and is the
	// "from" of every relay-originated frame.
	RelayAddress = "relay"
	// BroadcastAddress fans a message out to every connected agent.
	BroadcastAddress = "*"
)

// Frame types used by the relay. Any other type string is passed through
// untouched.
const (
	TypeWelcome = "welcome"
	TypeError   = "error"

	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypeListSubscriptions = "list_subscriptions"

	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypeSubscriptions = "subscriptions"
)

// Error codes carried in error frames and HTTP error bodies.
const (
	CodeInvalidMessage        = "invalid_message"
	CodeInvalidJSON           = "invalid_json"
	CodeInvalidIdentityFormat = "invalid_identity_format"
	CodeIdentityTaken         = "identity_taken"
	CodeInternal              = "internal_error"
)

// WebSocket close codes and reasons.
const (
	CloseMissingToken   = 4001
	CloseInvalidToken   = 4003
	CloseSessionReplace = 4009

	ReasonMissingToken    = "missing_token"
	ReasonInvalidToken    = "invalid_or_unregistered_token"
	ReasonSessionReplaced = "session_replaced"
	ReasonShutdown        = "relay_shutdown"
)

// Frame is a stamped message as delivered by the relay.
type Frame struct {
	ID      string          `json:"id"`
	From    string          `json:"from"`
	To      []string        `json:"to"`
	Type    string          `json:"type,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`
}

// Inbound is a client-submitted message. The relay ignores any id, from or
// ts a client supplies.
type Inbound struct {
	To      []string `json:"to"`
	Type    string   `json:"type,omitempty"`
	Ref     string   `json:"ref,omitempty"`
	Payload any      `json:"payload"`
}

// IsFromRelay reports whether the frame was originated by the relay.
func (f *Frame) IsFromRelay() bool { return f.From == RelayAddress }

// Welcome is the payload of the first frame on every admitted session.
type Welcome struct {
	Relay        string   `json:"relay"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Extensions   []string `json:"extensions"`
}

// Error is the payload of an error frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AgentList is the payload of subscribe / unsubscribe commands and the
// subscriptions reply.
type AgentList struct {
	Agents []string `json:"agents"`
}

// SubscriptionAck is the payload of subscribed / unsubscribed replies.
type SubscriptionAck struct {
	Agents []string `json:"agents"`
	Count  int      `json:"count"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

// RegisterResponse is the success body of POST /register.
type RegisterResponse struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// ErrorResponse is the error body of the HTTP API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Stats is the body of GET /stats.
type Stats struct {
	Relay    RelayStats    `json:"relay"`
	Registry RegistryStats `json:"registry"`
}

// RelayStats describes live relay state.
type RelayStats struct {
	Connected     int      `json:"connected"`
	Agents        []string `json:"agents"`
	Subscriptions int      `json:"subscriptions"`
}

// RegistryStats describes the identity registry.
type RegistryStats struct {
	Registered int      `json:"registered"`
	Agents     []string `json:"agents"`
}
