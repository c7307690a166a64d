package web

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"atlas-audio-control/internal/atlas"
	"atlas-audio-control/internal/control"
	"atlas-audio-control/internal/store"
)

// echoProcessor is a TCP stand-in for a device: it stores sets and answers
// gets from memory.
type echoProcessor struct {
	ln net.Listener

	mu     sync.Mutex
	params map[string]atlas.Value
}

func newEchoProcessor(t *testing.T) *echoProcessor {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &echoProcessor{ln: ln, params: make(map[string]atlas.Value)}
	go p.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *echoProcessor) port() int {
	return p.ln.Addr().(*net.TCPAddr).Port
}

func (p *echoProcessor) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.serve(conn)
	}
}

func (p *echoProcessor) serve(conn net.Conn) {
	defer conn.Close()
	var dec atlas.Decoder
	r := bufio.NewReader(conn)
	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				msg, err := dec.Next()
				if err != nil || msg == nil {
					break
				}
				if msg.Method == atlas.MethodBump {
					continue
				}
				resp := &atlas.Message{Version: atlas.ProtocolVersion, ID: msg.ID, Method: msg.Method}
				switch msg.Method {
				case atlas.MethodSet:
					p.mu.Lock()
					p.params[msg.Params.Param] = *msg.Params.Value
					p.mu.Unlock()
					resp.Params = msg.Params
				case atlas.MethodGet:
					p.mu.Lock()
					v, ok := p.params[msg.Params.Param]
					p.mu.Unlock()
					if !ok {
						resp.Error = "unknown parameter"
					} else {
						resp.Params = &atlas.Params{Param: msg.Params.Param, Value: &v}
					}
				default:
					resp.Params = msg.Params
				}
				if data, err := atlas.EncodeMessage(resp); err == nil {
					conn.Write(data)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := pc.LocalAddr().(*net.UDPAddr).Port
	pc.Close()
	return port
}

func setupTestServer(t *testing.T, apiKey string) (*Server, *control.Controller) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	base := atlas.Config{
		DialTimeout:          time.Second,
		CommandTimeout:       time.Second,
		KeepAliveInterval:    time.Hour,
		ReconnectDelay:       20 * time.Millisecond,
		MaxReconnectAttempts: 2,
		MeterRingSize:        16,
	}
	ctrl := control.NewController(db, control.NewEventBus(logger), base, logger)
	t.Cleanup(ctrl.DisconnectAll)

	proc := newEchoProcessor(t)
	if err := ctrl.AddDevice(control.DeviceEndpoint{
		ID:           "amp-1",
		Host:         "127.0.0.1",
		ControlPort:  proc.port(),
		MeteringPort: freeUDPPort(t),
		Model:        "AZM8",
	}); err != nil {
		t.Fatal(err)
	}

	var opts []ServerOption
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv, err := NewServer(ctrl, logger, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)

	return srv, ctrl
}

func TestAPIListDevices(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var devices []DeviceView
	if err := json.NewDecoder(w.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 {
		t.Fatalf("device count = %d, want 1", len(devices))
	}
	if devices[0].ID != "amp-1" || devices[0].Model != "AZM8" {
		t.Errorf("device = %+v", devices[0])
	}
	if devices[0].State != "disconnected" {
		t.Errorf("state = %q, want disconnected", devices[0].State)
	}
}

func TestAPIGetDeviceNotFound(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/devices/no-such-amp", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPICommandSetAndReadBack(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	body := `{"method":"set","category":"gain","index":0,"format":"pct","value":60}`
	req := httptest.NewRequest("POST", "/api/devices/amp-1/command", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	var p store.Parameter
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Number != 60 || p.Category != "gain" {
		t.Errorf("parameter = %+v", p)
	}

	// The confirmed value is readable from the cache endpoint.
	req = httptest.NewRequest("GET", "/api/devices/amp-1/parameters/gain/0", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("cached read: status = %d, body = %s", w.Code, w.Body.String())
	}
	var cached store.Parameter
	if err := json.NewDecoder(w.Body).Decode(&cached); err != nil {
		t.Fatal(err)
	}
	if cached.Number != 60 {
		t.Errorf("cached value = %v, want 60", cached.Number)
	}
}

func TestAPICommandValidation(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"index out of range", `{"method":"set","category":"gain","index":99,"format":"pct","value":50}`, http.StatusBadRequest},
		{"value out of range", `{"method":"set","category":"gain","index":0,"format":"pct","value":150}`, http.StatusBadRequest},
		{"bad method", `{"method":"sub","category":"gain","index":0}`, http.StatusBadRequest},
		{"bad format", `{"method":"set","category":"gain","index":0,"format":"dB","value":5}`, http.StatusBadRequest},
		{"bad body", `{`, http.StatusBadRequest},
		{"unknown category", `{"method":"set","category":"loudness","index":0,"format":"val","value":1}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/devices/amp-1/command", bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestAPICommandUnknownDevice(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	body := `{"method":"get","category":"gain","index":0}`
	req := httptest.NewRequest("POST", "/api/devices/nope/command", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPISetSource(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	body := `{"source":"Source 2"}`
	req := httptest.NewRequest("POST", "/api/devices/amp-1/zones/1/source", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}

	var p store.Parameter
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Name != "ZoneSource_1" || p.Number != 1 {
		t.Errorf("parameter = %+v", p)
	}
}

func TestAPISetSourceMatrixUnconfigured(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	body := `{"source":"matrix_audio_1"}`
	req := httptest.NewRequest("POST", "/api/devices/amp-1/zones/0/source", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
}

func TestAPIGetParameterNotCached(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/devices/amp-1/parameters/mute/3", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIMeterReadingsLimitValidation(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/devices/amp-1/meters/zone/0?limit=5000", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIHealth(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAPIListModels(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/models", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var models []string
	if err := json.NewDecoder(w.Body).Decode(&models); err != nil {
		t.Fatal(err)
	}
	if len(models) == 0 {
		t.Error("no models listed")
	}
}

func TestAPIConnectDisconnect(t *testing.T) {
	srv, ctrl := setupTestServer(t, "")

	req := httptest.NewRequest("POST", "/api/devices/amp-1/connect", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("connect: status = %d, body = %s", w.Code, w.Body.String())
	}
	if st, _ := ctrl.SessionState("amp-1"); st != atlas.StateConnected {
		t.Errorf("state after connect = %s", st)
	}

	req = httptest.NewRequest("POST", "/api/devices/amp-1/disconnect", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("disconnect: status = %d, body = %s", w.Code, w.Body.String())
	}
	if st, _ := ctrl.SessionState("amp-1"); st != atlas.StateDisconnected {
		t.Errorf("state after disconnect = %s", st)
	}
}

func TestAuthMiddlewareHeader(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct header key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareMissing(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddlewareWrongKey(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestCORSPreflightAllowed(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	srv.allowedOrigins = []string{"http://panel.local"}

	req := httptest.NewRequest(http.MethodOptions, "/api/devices", nil)
	req.Header.Set("Origin", "http://panel.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestCORSMutatingForbiddenOrigin(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	srv.allowedOrigins = []string{"http://panel.local"}

	body := `{"method":"get","category":"gain","index":0}`
	req := httptest.NewRequest("POST", "/api/devices/amp-1/command", bytes.NewBufferString(body))
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}
