package router

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/agentrelay/arc/pkg/protocol"
)

func decodeAck(t *testing.T, f protocol.Frame) protocol.SubscriptionAck {
	t.Helper()
	var ack protocol.SubscriptionAck
	if err := json.Unmarshal(f.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	return ack
}

func TestSubscribeCommand(t *testing.T) {
	tr := setupTestRouter(t)
	charlie, charlieConn := tr.connect("charlie")
	alice, _ := tr.connect("alice")

	res := route(t, tr, charlie, map[string]any{
		"to": []string{"relay"}, "type": "subscribe", "ref": "sub-1",
		"payload": map[string]any{"agents": []string{"alice"}},
	})
	if res.Kind != KindCommand {
		t.Fatalf("Kind: got %q", res.Kind)
	}

	frames := charlieConn.received(t)
	if len(frames) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(frames))
	}
	reply := frames[0]
	if reply.Type != protocol.TypeSubscribed || reply.From != protocol.RelayAddress {
		t.Errorf("reply: type=%q from=%q", reply.Type, reply.From)
	}
	if !reflect.DeepEqual(reply.To, []string{"charlie"}) {
		t.Errorf("reply to: got %v", reply.To)
	}
	if reply.Ref != "sub-1" {
		t.Errorf("reply ref: got %q, want sub-1", reply.Ref)
	}
	ack := decodeAck(t, reply)
	if !reflect.DeepEqual(ack.Agents, []string{"alice"}) || ack.Count != 1 {
		t.Errorf("ack: got %+v", ack)
	}

	// A later broadcast from alice reaches charlie.
	charlieConn.reset()
	route(t, tr, alice, map[string]any{"to": []string{"*"}, "payload": "hello"})
	got := charlieConn.received(t)
	if len(got) != 1 || got[0].From != "alice" {
		t.Errorf("charlie did not receive alice's broadcast: %+v", got)
	}
}

func TestSubscribeTwiceIsIdempotent(t *testing.T) {
	tr := setupTestRouter(t)
	charlie, _ := tr.connect("charlie")

	for i := 0; i < 2; i++ {
		route(t, tr, charlie, map[string]any{
			"to": []string{"relay"}, "type": "subscribe",
			"payload": map[string]any{"agents": []string{"alice"}},
		})
	}
	if tr.subs.Edges() != 1 {
		t.Errorf("Edges: got %d, want 1", tr.subs.Edges())
	}
}

func TestUnsubscribeCommand(t *testing.T) {
	tr := setupTestRouter(t)
	charlie, charlieConn := tr.connect("charlie")
	tr.subs.Subscribe("charlie", []string{"alice", "bob"})

	route(t, tr, charlie, map[string]any{
		"to": []string{"relay"}, "type": "unsubscribe",
		"payload": map[string]any{"agents": []string{"alice", "nobody"}},
	})

	frames := charlieConn.received(t)
	if len(frames) != 1 || frames[0].Type != protocol.TypeUnsubscribed {
		t.Fatalf("expected unsubscribed reply, got %+v", frames)
	}
	ack := decodeAck(t, frames[0])
	if ack.Count != 2 {
		t.Errorf("Count: got %d, want 2", ack.Count)
	}
	if got := tr.subs.SubscriptionsOf("charlie"); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("remaining subscriptions: got %v", got)
	}
}

func TestListSubscriptionsCommand(t *testing.T) {
	tr := setupTestRouter(t)
	charlie, charlieConn := tr.connect("charlie")
	tr.subs.Subscribe("charlie", []string{"bob", "alice"})

	route(t, tr, charlie, map[string]any{"to": []string{"relay"}, "type": "list_subscriptions", "payload": nil})

	frames := charlieConn.received(t)
	if len(frames) != 1 || frames[0].Type != protocol.TypeSubscriptions {
		t.Fatalf("expected subscriptions reply, got %+v", frames)
	}
	var list protocol.AgentList
	if err := json.Unmarshal(frames[0].Payload, &list); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(list.Agents, []string{"alice", "bob"}) {
		t.Errorf("Agents: got %v", list.Agents)
	}
}

func TestListSubscriptionsEmpty(t *testing.T) {
	tr := setupTestRouter(t)
	charlie, charlieConn := tr.connect("charlie")

	route(t, tr, charlie, map[string]any{"to": []string{"relay"}, "type": "list_subscriptions", "payload": nil})

	frames := charlieConn.received(t)
	if len(frames) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(frames))
	}
	if string(frames[0].Payload) != `{"agents":[]}` {
		t.Errorf("payload: got %s, want {\"agents\":[]}", frames[0].Payload)
	}
}

func TestSubscribeInvalidPayload(t *testing.T) {
	tr := setupTestRouter(t)
	charlie, charlieConn := tr.connect("charlie")

	for _, payload := range []any{nil, "alice", map[string]any{"agents": "alice"}, map[string]any{"agents": []int{1}}} {
		charlieConn.reset()
		res := route(t, tr, charlie, map[string]any{"to": []string{"relay"}, "type": "subscribe", "payload": payload})
		if res.Kind != KindInvalid {
			t.Errorf("payload %v: Kind got %q, want invalid", payload, res.Kind)
		}
		expectError(t, charlieConn, "payload.agents must be an array of strings")
	}
	if tr.subs.Edges() != 0 {
		t.Errorf("Edges: got %d, want 0", tr.subs.Edges())
	}
}

func TestUnknownRelayCommandIsIgnored(t *testing.T) {
	tr := setupTestRouter(t)
	charlie, charlieConn := tr.connect("charlie")

	res := route(t, tr, charlie, map[string]any{"to": []string{"relay"}, "type": "reboot", "payload": nil})
	if res.Kind != KindCommand {
		t.Errorf("Kind: got %q, want command", res.Kind)
	}
	if n := len(charlieConn.received(t)); n != 0 {
		t.Errorf("expected no reply, got %d frames", n)
	}
}
