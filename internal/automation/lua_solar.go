//go:build !no_automation

package automation

import (
	"context"
	"sort"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerSolarModule registers the `solar` global table in a Lua state.
func registerSolarModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return solarOn(L, vm)
	}))

	mod.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		return solarGet(L, e)
	}))

	mod.RawSetString("unit", L.NewFunction(func(L *lua.LState) int {
		return solarUnit(L, e)
	}))

	mod.RawSetString("online", L.NewFunction(func(L *lua.LState) int {
		return solarOnline(L, e)
	}))

	mod.RawSetString("refresh", L.NewFunction(func(L *lua.LState) int {
		return solarRefresh(L, e)
	}))

	mod.RawSetString("readings", L.NewFunction(func(L *lua.LState) int {
		return solarReadings(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return solarAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return solarLog(L, e)
	}))

	L.SetGlobal("solar", mod)
}

const maxHandlersPerScript = 100

// solar.on(type, filter, callback)
// filter is a table; {id = "grid_power"} restricts to one reading.
func solarOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("id"); v != lua.LNil {
		h.readingID = v.String()
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

// solar.get(id) — returns the current value of a reading, nil if absent
func solarGet(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	rd, ok := e.poller.Reading(id)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, rd.Value.Native()))
	return 1
}

// solar.unit(id) — returns the unit string of a reading, nil if absent
func solarUnit(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	rd, ok := e.poller.Reading(id)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(rd.Unit))
	return 1
}

// solar.online() — whether the device is currently reported online
func solarOnline(L *lua.LState, e *Engine) int {
	L.Push(lua.LBool(e.poller.DeviceOnline()))
	return 1
}

// solar.refresh() — trigger an immediate poll, returns ok
func solarRefresh(L *lua.LState, e *Engine) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := e.poller.Refresh(ctx)
	L.Push(lua.LBool(err == nil))
	return 1
}

// solar.readings() — returns a sorted array of reading tables
func solarReadings(L *lua.LState, e *Engine) int {
	snap := e.poller.Snapshot()

	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tbl := L.NewTable()
	for i, id := range ids {
		rd := snap[id]
		d := L.NewTable()
		d.RawSetString("id", lua.LString(rd.ID))
		d.RawSetString("name", lua.LString(rd.Name))
		d.RawSetString("value", goToLua(L, rd.Value.Native()))
		d.RawSetString("unit", lua.LString(rd.Unit))
		tbl.RawSetInt(i+1, d)
	}

	L.Push(tbl)
	return 1
}

// solar.after(seconds, callback) — delayed execution
func solarAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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

		// Send callback execution to the VM's command channel
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

// solar.log(msg)
func solarLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}
