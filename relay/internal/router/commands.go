package router

import (
	"encoding/json"

	"github.com/agentrelay/arc/pkg/protocol"
	"github.com/agentrelay/arc/relay/internal/session"
)

// handleCommand executes a control command addressed to the relay. Replies
// go to the sender only and echo the command's ref.
func (r *Router) handleCommand(sess *session.Session, frame *protocol.Frame) Result {
	res := Result{Kind: KindCommand}

	switch frame.Type {
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		agents, ok := decodeAgents(frame.Payload)
		if !ok {
			r.protocolError(sess, frame.Ref, "payload.agents must be an array of strings")
			return Result{Kind: KindInvalid}
		}

		var processed []string
		replyType := protocol.TypeSubscribed
		if frame.Type == protocol.TypeSubscribe {
			processed = r.subs.Subscribe(sess.Identity, agents)
		} else {
			processed = r.subs.Unsubscribe(sess.Identity, agents)
			replyType = protocol.TypeUnsubscribed
		}
		r.logger.Info(frame.Type, "identity", sess.Identity, "agents", processed)
		if r.sendFrame(sess, r.newRelayFrame(sess.Identity, replyType, frame.Ref, protocol.SubscriptionAck{
			Agents: processed,
			Count:  len(processed),
		})) {
			res.Delivered = 1
		}

	case protocol.TypeListSubscriptions:
		if r.sendFrame(sess, r.newRelayFrame(sess.Identity, protocol.TypeSubscriptions, frame.Ref, protocol.AgentList{
			Agents: r.subs.SubscriptionsOf(sess.Identity),
		})) {
			res.Delivered = 1
		}

	default:
		r.logger.Info("ignoring unknown relay command", "identity", sess.Identity, "type", frame.Type)
	}
	return res
}

// decodeAgents extracts payload.agents. An empty list is valid.
func decodeAgents(payload json.RawMessage) ([]string, bool) {
	var body struct {
		Agents json.RawMessage `json:"agents"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || !isJSONArray(body.Agents) {
		return nil, false
	}
	var agents []string
	if err := json.Unmarshal(body.Agents, &agents); err != nil {
		return nil, false
	}
	return agents, true
}
