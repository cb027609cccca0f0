package hub

import (
	"testing"

	"github.com/rs/zerolog"
)

func newClient(id, queueID string) *Client {
	return &Client{ID: id, Send: make(chan []byte, 1), Subscription: Subscription{QueueID: queueID}}
}

func TestBroadcastMatchesQueue(t *testing.T) {
	h := New(zerolog.Nop())
	a := newClient("a", "q1")
	b := newClient("b", "q2")
	idle := newClient("idle", "")
	h.Register(a)
	h.Register(b)
	h.Register(idle)

	h.Broadcast([]byte("hello"), "q1")

	if got := string(<-a.Send); got != "hello" {
		t.Fatalf("expected hello, got %s", got)
	}
	select {
	case <-b.Send:
		t.Fatalf("client on other queue received message")
	case <-idle.Send:
		t.Fatalf("unsubscribed client received message")
	default:
	}
}

func TestBroadcastDropsForFullClient(t *testing.T) {
	h := New(zerolog.Nop())
	a := newClient("a", "q1")
	h.Register(a)
	h.Broadcast([]byte("one"), "q1")
	h.Broadcast([]byte("two"), "q1")
	if got := string(<-a.Send); got != "one" {
		t.Fatalf("expected first message kept, got %s", got)
	}
	if ok := h.SendTo("a", []byte("three")); !ok {
		t.Fatalf("expected direct send to succeed once buffer drained")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := New(zerolog.Nop())
	a := newClient("a", "q1")
	h.Register(a)
	h.Unregister(a)
	h.Unregister(a)
	if _, open := <-a.Send; open {
		t.Fatalf("expected send channel closed")
	}
	if h.SendTo("a", []byte("x")) {
		t.Fatalf("expected send to unregistered client to fail")
	}
	if h.ClientCount() != 0 {
		t.Fatalf("expected no clients")
	}
}

func TestParseSubscribe(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"subscribe queue", `{"action":"subscribe","queue_id":"q1"}`, true},
		{"subscribe token", `{"action":"subscribe","queue_id":"q1","token_id":"t1"}`, true},
		{"subscribe without queue", `{"action":"subscribe"}`, false},
		{"unsubscribe", `{"action":"unsubscribe"}`, true},
		{"unknown action", `{"action":"ping"}`, false},
		{"not json", `hello`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := ParseSubscribe([]byte(tc.raw)); ok != tc.ok {
				t.Fatalf("expected ok=%v", tc.ok)
			}
		})
	}
}
