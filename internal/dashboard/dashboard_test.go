package dashboard

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndrandal/hlperp-engine/internal/tradeengine"
)

func TestClientSendDropsWhenBufferFull(t *testing.T) {
	c := newClient(nil, 1)
	if !c.Send([]byte("a")) {
		t.Fatal("first send should succeed")
	}
	if c.Send([]byte("b")) {
		t.Fatal("second send should be dropped, buffer full")
	}
}

func TestHubBroadcastsBothFrameTypes(t *testing.T) {
	hub := NewHub(
		func() tradeengine.EngineState { return tradeengine.EngineState{} },
		func() WSStatus { return WSStatus{Connected: true} },
		16,
	)

	srv := httptest.NewServer(hub)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go hub.Run(done)
	defer close(done)

	seenDashboard, seenStatus := false, false
	deadline := time.Now().Add(3 * time.Second)
	for !seenDashboard || !seenStatus {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for frames: dashboard=%v status=%v", seenDashboard, seenStatus)
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			continue
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		switch env.Type {
		case "dashboard":
			seenDashboard = true
		case "ws-status-v1":
			seenStatus = true
		}
	}
}

func TestHubClientCount(t *testing.T) {
	hub := NewHub(
		func() tradeengine.EngineState { return tradeengine.EngineState{} },
		func() WSStatus { return WSStatus{} },
		16,
	)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	if hub.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1", hub.ClientCount())
	}
}
