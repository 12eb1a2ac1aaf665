package wshub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	logx "slotbot/pkg/logx"
)

func startTestHub(t *testing.T) *Hub {
	t.Helper()
	h := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+h.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPayload(t *testing.T, conn *websocket.Conn) TruthPayload {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var p TruthPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return p
}

func TestHubDisabled(t *testing.T) {
	t.Parallel()
	h := New(Config{Enabled: false}, logx.Nop())
	if h.Enabled() {
		t.Fatal("hub must be disabled")
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("disabled Start must be a no-op, got %v", err)
	}
	// Publishing with no server up must not panic.
	h.Publish(TruthPayload{Course: "CSOPESY", Available: []int{1234}})
}

func TestHubPublish(t *testing.T) {
	t.Parallel()
	h := startTestHub(t)
	conn := dial(t, h)

	waitListeners(t, h, 1)
	h.Publish(TruthPayload{Course: "CSOPESY", Available: []int{1234, 5678}})

	p := readPayload(t, conn)
	if p.Course != "CSOPESY" || len(p.Available) != 2 || p.Timestamp == 0 {
		t.Fatalf("payload = %+v", p)
	}
}

func TestHubReplaysRetainedTruthToNewListeners(t *testing.T) {
	t.Parallel()
	h := startTestHub(t)

	// Publish before anyone is connected.
	h.Publish(TruthPayload{Course: "CSOPESY", Available: []int{1234}})
	h.Publish(TruthPayload{Course: "STSWENG", Available: nil})

	conn := dial(t, h)
	got := map[string]TruthPayload{}
	for i := 0; i < 2; i++ {
		p := readPayload(t, conn)
		got[p.Course] = p
	}
	if _, ok := got["CSOPESY"]; !ok {
		t.Fatalf("mid-run listener missed CSOPESY truth: %v", got)
	}
	if _, ok := got["STSWENG"]; !ok {
		t.Fatalf("mid-run listener missed STSWENG truth: %v", got)
	}
	if got["CSOPESY"].Available[0] != 1234 {
		t.Fatalf("CSOPESY truth = %+v", got["CSOPESY"])
	}
}

func TestHubRetainsLatestOnly(t *testing.T) {
	t.Parallel()
	h := startTestHub(t)

	h.Publish(TruthPayload{Course: "CSOPESY", Available: []int{1234}})
	h.Publish(TruthPayload{Course: "CSOPESY", Available: []int{1234, 5678}})

	conn := dial(t, h)
	p := readPayload(t, conn)
	if len(p.Available) != 2 {
		t.Fatalf("retained truth = %+v, want the latest", p)
	}
}

func TestHubForget(t *testing.T) {
	t.Parallel()
	h := startTestHub(t)

	h.Publish(TruthPayload{Course: "CSOPESY", Available: []int{1234}})
	h.Forget("CSOPESY")

	conn := dial(t, h)
	_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("forgotten course must not be replayed")
	}
}

func TestHubDropsDisconnectedListeners(t *testing.T) {
	t.Parallel()
	h := startTestHub(t)
	conn := dial(t, h)
	waitListeners(t, h, 1)

	conn.Close()
	waitListeners(t, h, 0)

	// Publishing after the listener left must not block or panic.
	h.Publish(TruthPayload{Course: "CSOPESY", Available: []int{1234}})
}

func waitListeners(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ListenerCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listeners = %d, want %d", h.ListenerCount(), want)
}
