package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pebblemarket/core/applog"
)

func TestServeWS_SubscribeAndBroadcast(t *testing.T) {
	h := New(nil, applog.Nop())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.ServeWS(w, r); err != nil {
			t.Errorf("ServeWS: %v", err)
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(controlFrame{Action: "subscribe", Channel: "trades:m1"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the server goroutine process the control frame

	h.Broadcast("trades:m1", "trade_executed", map[string]string{"tradeId": "t1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.Channel != "trades:m1" || msg.Event != "trade_executed" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestServeWS_AuthenticatedChannelRejectsAnonymous(t *testing.T) {
	h := New(nil, applog.Nop())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.ServeWS(w, r)
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(controlFrame{Action: "subscribe", Channel: ChannelBalance}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	h.SendToUser("alice", ChannelBalance, "balance_update", nil)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no message to arrive for an unauthenticated subscribe to an auth-only channel")
	}
}
