//go:build !no_automation

package automation

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"atlas-audio-control/internal/atlas"
	"atlas-audio-control/internal/control"
	"atlas-audio-control/internal/store"
)

// logCapture is a concurrency-safe io.Writer for asserting on slog output.
type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *logCapture) Contains(s string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Contains(c.buf.String(), s)
}

func newTestEngine(t *testing.T) (*Engine, *control.Controller, *logCapture) {
	t.Helper()

	capture := &logCapture{}
	logger := slog.New(slog.NewTextHandler(capture, nil))

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ctrl := control.NewController(st, control.NewEventBus(logger), atlas.Config{CommandTimeout: time.Second}, logger)
	mgr := newTestManager(t)
	eng := NewEngine(ctrl, mgr, logger)
	t.Cleanup(eng.Stop)
	return eng, ctrl, capture
}

func waitForLog(t *testing.T, capture *logCapture, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if capture.Contains(substr) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("log output never contained %q", substr)
}

func TestRunLuaCodeCapturesLogs(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	res := eng.RunLuaCode(`
		atlas.log("first")
		atlas.log("second")
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 2 || res.Logs[0] != "first" || res.Logs[1] != "second" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeReportsErrors(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	res := eng.RunLuaCode(`this is not lua`)
	if res.OK {
		t.Fatal("syntax error accepted")
	}
	if res.Error == "" {
		t.Error("empty error message")
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	res := eng.RunLuaCode(`
		for _, name in ipairs({"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"}) do
			if _G[name] ~= nil then
				error(name .. " leaked into sandbox")
			end
		end
	`)
	if !res.OK {
		t.Fatalf("sandbox check failed: %s", res.Error)
	}
}

func TestRunLuaCodeInvokesRegisteredHandlers(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	res := eng.RunLuaCode(`
		atlas.on("meter_update", {device = "amp-1"}, function(e)
			atlas.log("dry run " .. e.type .. " " .. e.device_id)
		end)
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "dry run meter_update amp-1" {
		t.Errorf("logs = %v", res.Logs)
	}
}

func TestRunLuaCodeHandlerLimit(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	res := eng.RunLuaCode(`
		for i = 1, 101 do
			atlas.on("meter_update", {}, function(e) end)
		end
	`)
	if res.OK {
		t.Fatal("handler limit not enforced")
	}
	if !strings.Contains(res.Error, "too many handlers") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestEngineStartsEnabledScriptsOnly(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	if _, err := eng.manager.Save(&Script{
		ID:      "on_script",
		Meta:    ScriptMeta{Name: "on", Enabled: true},
		LuaCode: `atlas.on("parameter_update", {}, function(e) end)`,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.manager.Save(&Script{
		ID:      "off_script",
		Meta:    ScriptMeta{Name: "off", Enabled: false},
		LuaCode: `atlas.log("never")`,
	}); err != nil {
		t.Fatal(err)
	}

	eng.Start()

	if !eng.Running("on_script") {
		t.Error("enabled script not running")
	}
	if eng.Running("off_script") {
		t.Error("disabled script running")
	}
}

func TestEngineDispatchesMatchingEvents(t *testing.T) {
	eng, ctrl, capture := newTestEngine(t)

	if _, err := eng.manager.Save(&Script{
		ID:   "mute_watch",
		Meta: ScriptMeta{Name: "mute watch", Enabled: true},
		LuaCode: `
			atlas.on("parameter_update", {device = "amp-1", category = "mute"}, function(e)
				atlas.log("mute-seen zone " .. e.parameter.index)
			end)
		`,
	}); err != nil {
		t.Fatal(err)
	}
	eng.Start()

	// Wrong device: must not reach the handler.
	ctrl.Events().Emit(control.Event{
		Type: control.EventParameterUpdate,
		Data: control.ParameterEvent{
			DeviceID:  "other-amp",
			Parameter: store.Parameter{DeviceID: "other-amp", Category: "mute", Index: 1},
		},
	})

	ctrl.Events().Emit(control.Event{
		Type: control.EventParameterUpdate,
		Data: control.ParameterEvent{
			DeviceID:  "amp-1",
			Parameter: store.Parameter{DeviceID: "amp-1", Category: "mute", Index: 5, Format: "val", Number: 1},
		},
	})

	waitForLog(t, capture, "mute-seen zone 5")
	if capture.Contains("mute-seen zone 1") {
		t.Error("handler fired for filtered-out device")
	}
}

func TestEngineStopScript(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	if _, err := eng.manager.Save(&Script{
		ID:      "tmp",
		Meta:    ScriptMeta{Name: "tmp", Enabled: true},
		LuaCode: `atlas.on("meter_update", {}, function(e) end)`,
	}); err != nil {
		t.Fatal(err)
	}
	eng.Start()

	if !eng.Running("tmp") {
		t.Fatal("script not running after start")
	}
	eng.StopScript("tmp")
	if eng.Running("tmp") {
		t.Error("script still running after stop")
	}
}

func TestMatchesHandler(t *testing.T) {
	fields := eventFields(control.Event{
		Type: control.EventParameterUpdate,
		Data: control.ParameterEvent{
			DeviceID:  "amp-1",
			Parameter: store.Parameter{DeviceID: "amp-1", Category: "gain", Index: 0},
		},
	})
	if fields == nil {
		t.Fatal("eventFields returned nil")
	}

	tests := []struct {
		name string
		h    luaEventHandler
		want bool
	}{
		{"type match, no filter", luaEventHandler{eventType: "parameter_update"}, true},
		{"type mismatch", luaEventHandler{eventType: "meter_update"}, false},
		{"device match", luaEventHandler{eventType: "parameter_update", deviceID: "amp-1"}, true},
		{"device mismatch", luaEventHandler{eventType: "parameter_update", deviceID: "amp-2"}, false},
		{"category match", luaEventHandler{eventType: "parameter_update", category: "gain"}, true},
		{"category mismatch", luaEventHandler{eventType: "parameter_update", category: "mute"}, false},
		{"both match", luaEventHandler{eventType: "parameter_update", deviceID: "amp-1", category: "gain"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchesHandler(tt.h, "parameter_update", fields); got != tt.want {
				t.Errorf("matchesHandler = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventCategoryFromMeterEvent(t *testing.T) {
	fields := eventFields(control.Event{
		Type: control.EventMeterUpdate,
		Data: control.MeterEvent{
			DeviceID: "amp-1",
		},
	})
	if fields == nil {
		t.Fatal("eventFields returned nil")
	}
	// Reading category is empty in the zero value; eventCategory must not panic.
	if got := eventCategory(fields); got != "" {
		t.Errorf("category = %q, want empty", got)
	}

	fields["reading"] = map[string]interface{}{"category": "zone"}
	if got := eventCategory(fields); got != "zone" {
		t.Errorf("category = %q, want zone", got)
	}
}
