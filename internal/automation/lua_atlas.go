//go:build !no_automation

package automation

import (
	"context"
	"time"

	"atlas-audio-control/internal/atlas"
	"atlas-audio-control/internal/control"

	lua "github.com/yuin/gopher-lua"
)

// registerAtlasModule registers the `atlas` global table in a Lua state.
func registerAtlasModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return atlasOn(L, vm)
	}))

	mod.RawSetString("set_gain", L.NewFunction(func(L *lua.LState) int {
		return atlasSetGain(L, e)
	}))

	mod.RawSetString("mute", L.NewFunction(func(L *lua.LState) int {
		return atlasSetMute(L, e, 1)
	}))

	mod.RawSetString("unmute", L.NewFunction(func(L *lua.LState) int {
		return atlasSetMute(L, e, 0)
	}))

	mod.RawSetString("set_source", L.NewFunction(func(L *lua.LState) int {
		return atlasSetSource(L, e)
	}))

	mod.RawSetString("recall_scene", L.NewFunction(func(L *lua.LState) int {
		return atlasPulse(L, e, control.CategorySceneRecall)
	}))

	mod.RawSetString("play_message", L.NewFunction(func(L *lua.LState) int {
		return atlasPulse(L, e, control.CategoryMessagePlay)
	}))

	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		return atlasGet(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return atlasAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return atlasLog(L, e)
	}))

	mod.RawSetString("devices", L.NewFunction(func(L *lua.LState) int {
		return atlasDevices(L, e)
	}))

	L.SetGlobal("atlas", mod)
}

const maxHandlersPerScript = 100

// atlas.on(type, filter, callback)
func atlasOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("device"); v != lua.LNil {
		h.deviceID = v.String()
	}
	if v := filterTable.RawGetString("category"); v != lua.LNil {
		h.category = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

func (e *Engine) sendCommand(deviceID string, cmd control.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := e.ctrl.SendCommand(ctx, deviceID, cmd); err != nil {
		e.logger.Error("script command", "device", deviceID,
			"category", cmd.Category, "index", cmd.Index, "err", err)
	}
}

// atlas.set_gain(device, zone, percent)
func atlasSetGain(L *lua.LState, e *Engine) int {
	deviceID := L.CheckString(1)
	zone := L.CheckInt(2)
	pct := float64(L.CheckNumber(3))

	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	v := atlas.Percent(pct)
	e.sendCommand(deviceID, control.Command{
		Method:   atlas.MethodSet,
		Category: control.CategoryGain,
		Index:    zone,
		Value:    &v,
	})
	return 0
}

// atlas.mute/unmute(device, zone)
func atlasSetMute(L *lua.LState, e *Engine, state float64) int {
	deviceID := L.CheckString(1)
	zone := L.CheckInt(2)

	v := atlas.Absolute(state)
	e.sendCommand(deviceID, control.Command{
		Method:   atlas.MethodSet,
		Category: control.CategoryMute,
		Index:    zone,
		Value:    &v,
	})
	return 0
}

// atlas.set_source(device, zone, ref) — ref in any accepted spelling,
// e.g. "Source 2" or "input_2".
func atlasSetSource(L *lua.LState, e *Engine) int {
	deviceID := L.CheckString(1)
	zone := L.CheckInt(2)
	ref := L.CheckString(3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := e.ctrl.SetSourceByRef(ctx, deviceID, zone, ref); err != nil {
		e.logger.Error("script set source", "device", deviceID, "zone", zone, "ref", ref, "err", err)
	}
	return 0
}

// atlas.recall_scene / atlas.play_message(device, index) — one-shot triggers.
func atlasPulse(L *lua.LState, e *Engine, cat control.Category) int {
	deviceID := L.CheckString(1)
	index := L.CheckInt(2)

	v := atlas.Absolute(1)
	e.sendCommand(deviceID, control.Command{
		Method:   atlas.MethodSet,
		Category: cat,
		Index:    index,
		Value:    &v,
	})
	return 0
}

// atlas.get(device, category, index) — cached last-known value or nil.
func atlasGet(L *lua.LState, e *Engine) int {
	deviceID := L.CheckString(1)
	cat := L.CheckString(2)
	index := L.CheckInt(3)

	p, err := e.ctrl.GetParameter(deviceID, control.Category(cat), index)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	if p.Format == string(atlas.FormatString) {
		L.Push(lua.LString(p.Text))
	} else {
		L.Push(lua.LNumber(p.Number))
	}
	return 1
}

// atlas.after(seconds, callback) — delayed execution
func atlasAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// atlas.log(msg)
func atlasLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}

// atlas.devices() — returns a table of registered devices with their
// session state.
func atlasDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, id := range e.ctrl.Devices() {
		d := L.NewTable()
		d.RawSetString("id", lua.LString(id))
		if ep, err := e.ctrl.Endpoint(id); err == nil {
			d.RawSetString("host", lua.LString(ep.Host))
			d.RawSetString("model", lua.LString(ep.Model))
		}
		if st, err := e.ctrl.SessionState(id); err == nil {
			d.RawSetString("state", lua.LString(st.String()))
		}
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}
