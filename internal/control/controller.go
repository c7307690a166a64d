package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"atlas-audio-control/internal/atlas"
	"atlas-audio-control/internal/store"
)

// DeviceEndpoint identifies one physical processor. Immutable for the
// lifetime of its session; changing it means removing and re-adding the
// device.
type DeviceEndpoint struct {
	ID           string `yaml:"id"`
	Host         string `yaml:"host"`
	ControlPort  int    `yaml:"control_port"`
	MeteringPort int    `yaml:"metering_port"`
	Model        string `yaml:"model"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`

	// ParamPatterns overrides the wire-name pattern per category for
	// hardware whose naming differs from the stock convention.
	ParamPatterns map[string]string `yaml:"param_patterns"`

	// MatrixSourceOffset is the index offset of matrix-audio sources
	// relative to physical inputs. Zero means unconfigured: matrix_audio
	// source references are rejected rather than guessed.
	MatrixSourceOffset int `yaml:"matrix_source_offset"`
}

// Command is one operation against an addressable parameter.
type Command struct {
	Method   atlas.Method
	Category Category
	Index    int
	Value    *atlas.Value
}

// Event payloads.

// MeterEvent is the payload of EventMeterUpdate.
type MeterEvent struct {
	DeviceID string             `json:"device_id"`
	Reading  atlas.MeterReading `json:"reading"`
}

// ParameterEvent is the payload of EventParameterUpdate.
type ParameterEvent struct {
	DeviceID  string          `json:"device_id"`
	Parameter store.Parameter `json:"parameter"`
}

// ConnectionEvent is the payload of EventConnectionState and
// EventReconnectExhausted.
type ConnectionEvent struct {
	DeviceID          string `json:"device_id"`
	State             string `json:"state"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	Err               string `json:"error,omitempty"`
}

type device struct {
	endpoint DeviceEndpoint
	caps     ModelCaps
	namer    *paramNamer
	session  *atlas.Session
}

// Controller is the session registry: exactly one Session per device id,
// shared by every caller. It owns validation, wire-name translation and the
// persistence fan-out, and republishes session activity on its EventBus.
type Controller struct {
	store  store.Store
	events *EventBus
	logger *slog.Logger
	base   atlas.Config // baseline timeouts/limits applied to every session

	mu      sync.Mutex
	devices map[string]*device
}

// NewController creates an empty registry. base supplies session timing
// defaults; per-endpoint fields override host/port/credentials.
func NewController(st store.Store, events *EventBus, base atlas.Config, logger *slog.Logger) *Controller {
	return &Controller{
		store:   st,
		events:  events,
		logger:  logger,
		base:    base,
		devices: make(map[string]*device),
	}
}

// Events returns the controller's event bus.
func (c *Controller) Events() *EventBus { return c.events }

// Store returns the persistence store.
func (c *Controller) Store() store.Store { return c.store }

// AddDevice registers an endpoint and builds its (not yet connected)
// session. The first AddDevice wins; re-adding an id is an error.
func (c *Controller) AddDevice(ep DeviceEndpoint) error {
	if ep.ID == "" || ep.Host == "" {
		return fmt.Errorf("%w: endpoint requires id and host", ErrValidation)
	}
	caps, ok := LookupModel(ep.Model)
	if !ok {
		return fmt.Errorf("%w: %q (known: %v)", ErrUnknownModel, ep.Model, Models())
	}
	namer, err := newParamNamer(ep.ParamPatterns)
	if err != nil {
		return err
	}

	// Resolve credentials: unset endpoint credentials take the model's
	// factory defaults. The wire protocol does not authenticate, so these
	// only matter for configuration surfaces, but a unit still on factory
	// credentials is worth a warning.
	if ep.Username == "" {
		ep.Username = caps.DefaultUsername
		ep.Password = caps.DefaultPassword
	}
	if ep.Username != "" && ep.Username == caps.DefaultUsername && ep.Password == caps.DefaultPassword {
		c.logger.Warn("device uses factory-default credentials", "device", ep.ID, "model", ep.Model)
	}

	cfg := c.base
	cfg.Host = ep.Host
	cfg.ControlPort = ep.ControlPort
	cfg.MeteringPort = ep.MeteringPort
	sess := atlas.NewSession(cfg, c.logger.With("device", ep.ID))

	dev := &device{endpoint: ep, caps: caps, namer: namer, session: sess}

	c.mu.Lock()
	if _, exists := c.devices[ep.ID]; exists {
		c.mu.Unlock()
		sess.Close()
		return fmt.Errorf("%w: device %q already registered", ErrValidation, ep.ID)
	}
	c.devices[ep.ID] = dev
	c.mu.Unlock()

	c.wireSession(dev)
	c.logger.Info("device registered", "device", ep.ID, "model", ep.Model, "host", ep.Host)
	return nil
}

// wireSession fans session activity out to the store and the event bus.
// Store writes are fire-and-forget: a failure is logged, never propagated,
// and never blocks or rolls back the in-memory update.
func (c *Controller) wireSession(dev *device) {
	id := dev.endpoint.ID
	sess := dev.session

	sess.OnStateChange(func(sc atlas.StateChange) {
		err := c.store.UpdateConnectionState(id, func(cs *store.ConnectionState) error {
			cs.ReconnectAttempts = sc.ReconnectAttempts
			switch sc.State {
			case atlas.StateConnected:
				cs.Connected = true
				cs.LastConnected = sc.At
			case atlas.StateReconnecting, atlas.StateDisconnecting, atlas.StateDisconnected:
				if cs.Connected {
					cs.LastDisconnected = sc.At
				}
				cs.Connected = false
			}
			if sc.Err != nil {
				cs.ErrorCount++
				cs.LastError = sc.Err.Error()
			}
			return nil
		})
		if err != nil {
			c.logger.Error("persist connection state", "device", id, "err", err)
		}

		evt := ConnectionEvent{
			DeviceID:          id,
			State:             sc.State.String(),
			ReconnectAttempts: sc.ReconnectAttempts,
		}
		if sc.Err != nil {
			evt.Err = sc.Err.Error()
		}
		c.events.Emit(Event{Type: EventConnectionState, Data: evt})
		if errors.Is(sc.Err, atlas.ErrMaxReconnectAttempts) {
			c.events.Emit(Event{Type: EventReconnectExhausted, Data: evt})
		}
	})

	sess.OnKeepAlive(func(at time.Time) {
		err := c.store.UpdateConnectionState(id, func(cs *store.ConnectionState) error {
			cs.LastKeepAlive = at
			return nil
		})
		if err != nil {
			c.logger.Error("persist keep-alive", "device", id, "err", err)
		}
	})

	sess.OnParameterPush(func(name string, v *atlas.Value) {
		cat, idx, ok := dev.namer.parseWireName(name)
		if !ok {
			c.logger.Warn("push for unmapped parameter", "device", id, "param", name)
			return
		}
		if v == nil {
			return
		}
		c.recordParameter(dev, cat, idx, name, *v)
	})

	sess.OnMeterUpdate(func(r atlas.MeterReading) {
		rec := &store.MeterReading{
			DeviceID:  id,
			Category:  string(r.Category),
			Index:     r.Index,
			Level:     r.Level,
			Peak:      r.Peak,
			Clip:      r.Clip,
			Timestamp: r.Timestamp,
		}
		if err := c.store.AppendMeterReading(rec, c.meterKeep()); err != nil {
			c.logger.Error("persist meter reading", "device", id, "err", err)
		}
		c.events.Emit(Event{Type: EventMeterUpdate, Data: MeterEvent{DeviceID: id, Reading: r}})
	})
}

func (c *Controller) meterKeep() int {
	if c.base.MeterRingSize > 0 {
		return c.base.MeterRingSize
	}
	return 1000
}

// recordParameter updates the parameter cache and publishes the change.
func (c *Controller) recordParameter(dev *device, cat Category, idx int, wireName string, v atlas.Value) *store.Parameter {
	p := &store.Parameter{
		DeviceID:  dev.endpoint.ID,
		Name:      wireName,
		Category:  string(cat),
		Index:     idx,
		Format:    string(v.Format),
		Number:    v.Number,
		Text:      v.Text,
		UpdatedAt: time.Now(),
	}
	if err := c.store.SaveParameter(p); err != nil {
		c.logger.Error("persist parameter", "device", p.DeviceID, "param", wireName, "err", err)
	}
	c.events.Emit(Event{Type: EventParameterUpdate, Data: ParameterEvent{DeviceID: p.DeviceID, Parameter: *p}})
	return p
}

func (c *Controller) device(id string) (*device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, ok := c.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	return dev, nil
}

// Devices lists registered endpoint ids.
func (c *Controller) Devices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	return ids
}

// Endpoint returns the registered endpoint for a device id.
func (c *Controller) Endpoint(id string) (DeviceEndpoint, error) {
	dev, err := c.device(id)
	if err != nil {
		return DeviceEndpoint{}, err
	}
	return dev.endpoint, nil
}

// SessionState returns the live session state for a device id.
func (c *Controller) SessionState(id string) (atlas.State, error) {
	dev, err := c.device(id)
	if err != nil {
		return atlas.StateDisconnected, err
	}
	return dev.session.State(), nil
}

// Connect establishes the device's session. Safe to call on an already
// connected device.
func (c *Controller) Connect(ctx context.Context, id string) error {
	dev, err := c.device(id)
	if err != nil {
		return err
	}
	return dev.session.Connect(ctx)
}

// Disconnect tears the device's session down. The device stays registered.
func (c *Controller) Disconnect(id string) error {
	dev, err := c.device(id)
	if err != nil {
		return err
	}
	dev.session.Disconnect()
	return nil
}

// DisconnectAll disconnects every registered session. Called on shutdown.
func (c *Controller) DisconnectAll() {
	c.mu.Lock()
	devs := make([]*device, 0, len(c.devices))
	for _, d := range c.devices {
		devs = append(devs, d)
	}
	c.mu.Unlock()
	for _, d := range devs {
		d.session.Disconnect()
	}
}

// SendCommand validates, translates and issues one command, then reflects a
// successful set or get into the parameter cache. Validation failures never
// reach the socket. Lazily connects the session on first use.
func (c *Controller) SendCommand(ctx context.Context, id string, cmd Command) (*store.Parameter, error) {
	dev, err := c.device(id)
	if err != nil {
		return nil, err
	}
	if err := validateIndex(dev.caps, cmd.Category, cmd.Index); err != nil {
		return nil, err
	}
	if cmd.Method == atlas.MethodSet {
		if err := validateValue(dev.caps, cmd.Category, cmd.Value); err != nil {
			return nil, err
		}
	}

	if dev.session.State() == atlas.StateDisconnected && dev.session.ReconnectAttempts() == 0 {
		// First command against a never-connected device connects lazily.
		if err := dev.session.Connect(ctx); err != nil {
			return nil, err
		}
	}

	wireName := dev.namer.wireName(cmd.Category, cmd.Index)
	resp, err := dev.session.Send(ctx, cmd.Method, wireName, cmd.Value)
	if err != nil {
		return nil, err
	}

	switch cmd.Method {
	case atlas.MethodSet:
		return c.recordParameter(dev, cmd.Category, cmd.Index, wireName, *cmd.Value), nil
	case atlas.MethodGet:
		if resp.Params == nil || resp.Params.Value == nil {
			return nil, fmt.Errorf("get %s: response carries no value", wireName)
		}
		return c.recordParameter(dev, cmd.Category, cmd.Index, wireName, *resp.Params.Value), nil
	default:
		return nil, nil
	}
}

// SetSourceByRef resolves a loose source reference ("Source 2", "input_2",
// "matrix_audio_1") and issues the source-select set for a zone.
func (c *Controller) SetSourceByRef(ctx context.Context, id string, zone int, ref string) (*store.Parameter, error) {
	dev, err := c.device(id)
	if err != nil {
		return nil, err
	}
	srcIdx, err := ParseSourceRef(ref, dev.caps, dev.endpoint.MatrixSourceOffset)
	if err != nil {
		return nil, err
	}
	v := atlas.Absolute(float64(srcIdx))
	return c.SendCommand(ctx, id, Command{
		Method:   atlas.MethodSet,
		Category: CategorySource,
		Index:    zone,
		Value:    &v,
	})
}

// GetParameter returns the cached last-known value for (category, index).
func (c *Controller) GetParameter(id string, cat Category, index int) (*store.Parameter, error) {
	dev, err := c.device(id)
	if err != nil {
		return nil, err
	}
	if err := validateIndex(dev.caps, cat, index); err != nil {
		return nil, err
	}
	return c.store.GetParameter(id, dev.namer.wireName(cat, index))
}

// RecentMeterReadings returns up to limit retained readings for a
// (category, index) key, newest first. limit <= 0 means all retained.
func (c *Controller) RecentMeterReadings(id string, cat atlas.MeterCategory, index, limit int) ([]atlas.MeterReading, error) {
	dev, err := c.device(id)
	if err != nil {
		return nil, err
	}
	snap := dev.session.RecentMeterReadings(cat, index) // oldest first
	out := make([]atlas.MeterReading, 0, len(snap))
	for i := len(snap) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, snap[i])
	}
	return out, nil
}

// OnMeterUpdate subscribes to meter samples for one device.
// Returns an unsubscribe function.
func (c *Controller) OnMeterUpdate(id string, fn func(MeterEvent)) func() {
	return c.events.On(EventMeterUpdate, func(e Event) {
		if me, ok := e.Data.(MeterEvent); ok && me.DeviceID == id {
			fn(me)
		}
	})
}

// OnParameterUpdate subscribes to parameter changes for one device.
// Returns an unsubscribe function.
func (c *Controller) OnParameterUpdate(id string, fn func(ParameterEvent)) func() {
	return c.events.On(EventParameterUpdate, func(e Event) {
		if pe, ok := e.Data.(ParameterEvent); ok && pe.DeviceID == id {
			fn(pe)
		}
	})
}

// OnConnectionStateChange subscribes to lifecycle transitions for one device.
// Returns an unsubscribe function.
func (c *Controller) OnConnectionStateChange(id string, fn func(ConnectionEvent)) func() {
	return c.events.On(EventConnectionState, func(e Event) {
		if ce, ok := e.Data.(ConnectionEvent); ok && ce.DeviceID == id {
			fn(ce)
		}
	})
}

// ReportStartupHealth logs each device's persisted health from the previous
// run. Informational only; no session state is restored from it.
func (c *Controller) ReportStartupHealth() {
	states, err := c.store.ListConnectionStates()
	if err != nil {
		c.logger.Error("read startup health", "err", err)
		return
	}
	for _, cs := range states {
		c.logger.Info("prior device health",
			"device", cs.DeviceID,
			"was_connected", cs.Connected,
			"last_connected", cs.LastConnected,
			"errors", cs.ErrorCount,
			"last_error", cs.LastError)
	}
}
