package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"atlas-audio-control/internal/atlas"
	"atlas-audio-control/internal/control"
	"atlas-audio-control/internal/store"
)

func newTestHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWSHub(logger)
}

// wsEnvelope mirrors the JSON a browser client receives on the event feed.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func recvFrame(t *testing.T, c *wsClient) wsEnvelope {
	t.Helper()
	select {
	case data := <-c.send:
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("client frame is not an event envelope: %v\n%s", err, data)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("client never received a frame")
		return wsEnvelope{}
	}
}

func waitClients(t *testing.T, hub *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	waitClients(t, hub, 1)

	hub.unregister <- client
	waitClients(t, hub, 0)
}

func TestWSHubBroadcastsMeterEvent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	waitClients(t, hub, 2)

	hub.BroadcastEvent(control.Event{
		Type: control.EventMeterUpdate,
		Data: control.MeterEvent{
			DeviceID: "amp-1",
			Reading: atlas.MeterReading{
				Category: atlas.MeterZone, Index: 2,
				Level: -12.5, Peak: -6, Clip: true,
			},
		},
	})

	for _, c := range []*wsClient{c1, c2} {
		env := recvFrame(t, c)
		if env.Type != "meter_update" {
			t.Fatalf("envelope type = %q, want meter_update", env.Type)
		}
		var payload struct {
			DeviceID string `json:"device_id"`
			Reading  struct {
				Category string  `json:"category"`
				Index    int     `json:"index"`
				Level    float64 `json:"level"`
				Clip     bool    `json:"clip"`
			} `json:"reading"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.DeviceID != "amp-1" || payload.Reading.Category != "zone" ||
			payload.Reading.Index != 2 || payload.Reading.Level != -12.5 || !payload.Reading.Clip {
			t.Errorf("meter payload = %+v", payload)
		}
	}
}

func TestWSHubParameterEventPayload(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c
	waitClients(t, hub, 1)

	hub.BroadcastEvent(control.Event{
		Type: control.EventParameterUpdate,
		Data: control.ParameterEvent{
			DeviceID: "amp-1",
			Parameter: store.Parameter{
				DeviceID: "amp-1", Name: "ZoneMute_5",
				Category: "mute", Index: 5, Format: "val", Number: 1,
			},
		},
	})

	env := recvFrame(t, c)
	if env.Type != "parameter_update" {
		t.Fatalf("envelope type = %q, want parameter_update", env.Type)
	}
	var payload struct {
		Parameter struct {
			Name     string  `json:"name"`
			Category string  `json:"category"`
			Index    int     `json:"index"`
			Number   float64 `json:"number"`
		} `json:"parameter"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Parameter.Name != "ZoneMute_5" || payload.Parameter.Category != "mute" ||
		payload.Parameter.Index != 5 || payload.Parameter.Number != 1 {
		t.Errorf("parameter payload = %+v", payload.Parameter)
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	// A stalled dashboard with a full buffer must not hold up the feed.
	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	waitClients(t, hub, 2)

	meter := func(level float64) control.Event {
		return control.Event{
			Type: control.EventMeterUpdate,
			Data: control.MeterEvent{
				DeviceID: "amp-1",
				Reading:  atlas.MeterReading{Category: atlas.MeterZone, Index: 0, Level: level},
			},
		}
	}
	hub.BroadcastEvent(meter(-20)) // fills the slow client's buffer
	hub.BroadcastEvent(meter(-18)) // evicts it
	waitClients(t, hub, 1)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()
	if slowPresent {
		t.Error("slow client not evicted")
	}
	if !fastPresent {
		t.Error("fast client evicted alongside the slow one")
	}
}

func TestWSHubBroadcastNeverBlocks(t *testing.T) {
	hub := newTestHub()
	// No Run loop: the broadcast channel fills and stays full.

	ev := control.Event{Type: control.EventConnectionState, Data: control.ConnectionEvent{DeviceID: "amp-1", State: "connected"}}
	for i := 0; i < 256; i++ {
		hub.BroadcastEvent(ev)
	}

	done := make(chan struct{})
	go func() {
		hub.BroadcastEvent(ev)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("BroadcastEvent blocked on a full channel")
	}
}

func TestWSHubStopIdempotentAndClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	waitClients(t, hub, 1)

	hub.Stop()
	hub.Stop() // second stop must not panic

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("client.send delivered a frame instead of closing")
		}
	case <-time.After(time.Second):
		t.Error("client.send not closed by hub shutdown")
	}
}

func TestWSHubUnregisterUnknownClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	waitClients(t, hub, 0)

	// Never registered, so its channel must stay open.
	select {
	case unknown.send <- []byte("x"):
	default:
		t.Error("unregistered client's channel was closed")
	}
}

// The full path: controller event bus → server subscription → hub → a real
// WebSocket client dialed through /ws.
func TestWSEndToEndEventStream(t *testing.T) {
	srv, ctrl := setupTestServer(t, "")

	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	waitClients(t, srv.wsHub, 1)

	ctrl.Events().Emit(control.Event{
		Type: control.EventConnectionState,
		Data: control.ConnectionEvent{DeviceID: "amp-1", State: "connected"},
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("ws frame is not an event envelope: %v\n%s", err, data)
	}
	if env.Type != "connection_state" {
		t.Fatalf("envelope type = %q, want connection_state", env.Type)
	}
	var payload struct {
		DeviceID string `json:"device_id"`
		State    string `json:"state"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.DeviceID != "amp-1" || payload.State != "connected" {
		t.Errorf("connection payload = %+v", payload)
	}
}
