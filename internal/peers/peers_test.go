package peers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"meshgate/internal/wire"
)

func TestChannelCallRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		env.Payload = []byte(`"pong"`)
		env.Err = ""
		_ = conn.WriteJSON(env)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ch := NewChannel(conn)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := ch.Call(ctx, "ping", "ping")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp) != `"pong"` {
		t.Fatalf("got %s", resp)
	}
}

func TestChannelServesInboundRequest(t *testing.T) {
	upgrader := websocket.Upgrader{}
	reqDone := make(chan Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		// This side plays the peer that sends a method call and awaits
		// the answer, exercising the Channel's inbound-request path
		// rather than its outbound Call path.
		if err := conn.WriteJSON(Envelope{ID: 1, Method: "ping", Payload: []byte(`"hi"`)}); err != nil {
			t.Errorf("write: %v", err)
			return
		}
		var resp Envelope
		if err := conn.ReadJSON(&resp); err == nil {
			reqDone <- resp
		}
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	handler := func(method string, payload json.RawMessage) (json.RawMessage, error) {
		if method != "ping" {
			t.Errorf("unexpected method %q", method)
		}
		return []byte(`"pong"`), nil
	}
	ch := NewChannelWithHandler(conn, handler)
	defer ch.Close()

	select {
	case resp := <-reqDone:
		if resp.Err != "" {
			t.Fatalf("unexpected error response: %s", resp.Err)
		}
		if string(resp.Payload) != `"pong"` {
			t.Fatalf("got %s", resp.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestTablePutGetRemove(t *testing.T) {
	table := New()
	ch := &Channel{closed: make(chan struct{})}
	table.Put("agent-1", ch)

	got, ok := table.Get("agent-1")
	if !ok || got != ch {
		t.Fatalf("expected to find agent-1")
	}

	clients := table.Clients()
	if len(clients) != 1 || clients[0] != wire.ClientName("agent-1") {
		t.Fatalf("unexpected clients: %v", clients)
	}

	table.Remove("agent-1")
	if _, ok := table.Get("agent-1"); ok {
		t.Fatalf("expected agent-1 to be removed")
	}
}
