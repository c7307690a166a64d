//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"atlas-audio-control/internal/atlas"
	"atlas-audio-control/internal/control"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge republishes controller activity to MQTT with Home Assistant
// autodiscovery, and accepts zone commands from command topics.
type Bridge struct {
	client pahomqtt.Client
	ctrl   *control.Controller
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	// Per-device state accumulator published retained as one JSON document.
	mu     sync.Mutex
	states map[string]map[string]any // device id -> state keys
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl *control.Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		ctrl:   ctrl,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		states: make(map[string]map[string]any),
		ctx:    ctx,
		cancel: cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("atlas-audio-control").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to controller events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.ctrl.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event control.Event) {
	switch event.Type {
	case control.EventParameterUpdate:
		if pe, ok := event.Data.(control.ParameterEvent); ok {
			b.handleParameterUpdate(pe)
		}
	case control.EventConnectionState:
		if ce, ok := event.Data.(control.ConnectionEvent); ok {
			b.handleConnectionState(ce)
		}
	case control.EventMeterUpdate:
		if me, ok := event.Data.(control.MeterEvent); ok {
			b.handleMeterUpdate(me)
		}
	}
}

func (b *Bridge) handleParameterUpdate(pe control.ParameterEvent) {
	key := stateKey(control.Category(pe.Parameter.Category), pe.Parameter.Index)
	if key == "" {
		return
	}

	var value any
	switch control.Category(pe.Parameter.Category) {
	case control.CategoryMute, control.CategoryGroupActive:
		if pe.Parameter.Number != 0 {
			value = "ON"
		} else {
			value = "OFF"
		}
	case control.CategoryName:
		value = pe.Parameter.Text
	default:
		value = pe.Parameter.Number
	}

	b.updateAndPublishState(pe.DeviceID, key, value)
}

func (b *Bridge) handleConnectionState(ce control.ConnectionEvent) {
	availability := "offline"
	if ce.State == "connected" {
		availability = "online"
	}
	b.publish(b.prefix+"/"+ce.DeviceID+"/availability", []byte(availability), true)
	b.updateAndPublishState(ce.DeviceID, "connection", ce.State)
}

func (b *Bridge) handleMeterUpdate(me control.MeterEvent) {
	topic := fmt.Sprintf("%s/%s/meters/%s/%d",
		b.prefix, me.DeviceID, me.Reading.Category, me.Reading.Index)
	// Meters are a live stream; never retained.
	b.publish(topic, mustJSON(me.Reading), false)
}

func (b *Bridge) updateAndPublishState(deviceID, key string, value any) {
	b.mu.Lock()
	state, ok := b.states[deviceID]
	if !ok {
		state = make(map[string]any)
		b.states[deviceID] = state
	}
	state[key] = value
	state["last_seen"] = time.Now().Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+deviceID, payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	for _, id := range b.ctrl.Devices() {
		ep, err := b.ctrl.Endpoint(id)
		if err != nil {
			continue
		}
		caps, ok := control.LookupModel(ep.Model)
		if !ok {
			continue
		}
		for _, msg := range buildDiscovery(ep, caps, b.prefix) {
			b.publish(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("published HA discovery", "device", id, "model", ep.Model)
	}
}

func (b *Bridge) subscribeCommands() {
	for _, id := range b.ctrl.Devices() {
		ep, err := b.ctrl.Endpoint(id)
		if err != nil {
			continue
		}
		caps, ok := control.LookupModel(ep.Model)
		if !ok {
			continue
		}
		b.subscribeDeviceCommands(id, caps)
	}
}

func (b *Bridge) subscribeDeviceCommands(deviceID string, caps control.ModelCaps) {
	// JSON command topic for clients speaking the full command schema.
	b.client.Subscribe(b.prefix+"/"+deviceID+"/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(deviceID, msg.Payload())
	})

	// Per-entity topics for Home Assistant's number/switch platforms, which
	// publish bare values.
	for zone := 0; zone < caps.Zones; zone++ {
		zone := zone
		b.client.Subscribe(zoneCommandTopic(b.prefix, deviceID, zone, "gain"), 1,
			func(_ pahomqtt.Client, msg pahomqtt.Message) {
				b.setZoneGain(deviceID, zone, string(msg.Payload()))
			})
		b.client.Subscribe(zoneCommandTopic(b.prefix, deviceID, zone, "mute"), 1,
			func(_ pahomqtt.Client, msg pahomqtt.Message) {
				b.setZoneMute(deviceID, zone, string(msg.Payload()))
			})
	}
}

// handleCommand applies a JSON command document:
//
//	{"zone": 0, "gain": 60, "mute": true, "source": "Source 2"}
//	{"scene": 3} or {"message": 1}
func (b *Bridge) handleCommand(deviceID string, payload []byte) {
	var cmd map[string]interface{}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "device", deviceID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()

	zone := 0
	if z, ok := toFloat64(cmd["zone"]); ok {
		zone = int(z)
	}

	if gain, ok := toFloat64(cmd["gain"]); ok {
		v := atlas.Percent(gain)
		b.send(ctx, deviceID, control.Command{
			Method: atlas.MethodSet, Category: control.CategoryGain, Index: zone, Value: &v,
		})
	}

	if mute, ok := cmd["mute"].(bool); ok {
		n := 0.0
		if mute {
			n = 1
		}
		v := atlas.Absolute(n)
		b.send(ctx, deviceID, control.Command{
			Method: atlas.MethodSet, Category: control.CategoryMute, Index: zone, Value: &v,
		})
	}

	if ref, ok := cmd["source"].(string); ok {
		if _, err := b.ctrl.SetSourceByRef(ctx, deviceID, zone, ref); err != nil {
			b.logger.Warn("source command failed", "device", deviceID, "zone", zone, "err", err)
		}
	}

	if scene, ok := toFloat64(cmd["scene"]); ok {
		v := atlas.Absolute(1)
		b.send(ctx, deviceID, control.Command{
			Method: atlas.MethodSet, Category: control.CategorySceneRecall, Index: int(scene), Value: &v,
		})
	}

	if message, ok := toFloat64(cmd["message"]); ok {
		v := atlas.Absolute(1)
		b.send(ctx, deviceID, control.Command{
			Method: atlas.MethodSet, Category: control.CategoryMessagePlay, Index: int(message), Value: &v,
		})
	}
}

func (b *Bridge) setZoneGain(deviceID string, zone int, payload string) {
	var pct float64
	if _, err := fmt.Sscanf(strings.TrimSpace(payload), "%f", &pct); err != nil {
		b.logger.Warn("bad gain payload", "device", deviceID, "zone", zone, "payload", payload)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	v := atlas.Percent(pct)
	b.send(ctx, deviceID, control.Command{
		Method: atlas.MethodSet, Category: control.CategoryGain, Index: zone, Value: &v,
	})
}

func (b *Bridge) setZoneMute(deviceID string, zone int, payload string) {
	n := 0.0
	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case "ON", "1", "TRUE":
		n = 1
	case "OFF", "0", "FALSE":
	default:
		b.logger.Warn("bad mute payload", "device", deviceID, "zone", zone, "payload", payload)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	v := atlas.Absolute(n)
	b.send(ctx, deviceID, control.Command{
		Method: atlas.MethodSet, Category: control.CategoryMute, Index: zone, Value: &v,
	})
}

func (b *Bridge) send(ctx context.Context, deviceID string, cmd control.Command) {
	if _, err := b.ctrl.SendCommand(ctx, deviceID, cmd); err != nil {
		b.logger.Warn("command failed", "device", deviceID,
			"category", cmd.Category, "index", cmd.Index, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// stateKey maps a parameter (category, index) to its key in the retained
// per-device state document.
func stateKey(cat control.Category, index int) string {
	switch cat {
	case control.CategoryGain:
		return fmt.Sprintf("zone_%d_gain", index)
	case control.CategoryMute:
		return fmt.Sprintf("zone_%d_mute", index)
	case control.CategorySource:
		return fmt.Sprintf("zone_%d_source", index)
	case control.CategoryName:
		return fmt.Sprintf("zone_%d_name", index)
	case control.CategoryGroupActive:
		return fmt.Sprintf("group_%d_active", index)
	default:
		// Scene recalls and message plays are momentary; no state key.
		return ""
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
