//go:build !no_automation

package automation

import (
	"fmt"
	"math"
	"time"

	lua "github.com/yuin/gopher-lua"

	"watchtwin/internal/calendar"
	"watchtwin/internal/cts"
)

// registerWatchModule installs the `watch` global table.
func registerWatchModule(L *lua.LState, vm *scriptVM, e *Engine) {
	L.SetGlobal("watch", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"on":           func(L *lua.LState) int { return watchOn(L, vm) },
		"log":          func(L *lua.LState) int { return watchLog(L, vm) },
		"datetime":     func(L *lua.LState) int { return watchDatetime(L, e) },
		"time_between": func(L *lua.LState) int { return watchTimeBetween(L, e) },
		"set_time":     func(L *lua.LState) int { return watchSetTime(L, e) },
		"after":        func(L *lua.LState) int { return watchAfter(L, vm, e) },
		"status":       func(L *lua.LState) int { return watchStatus(L, e) },
	}))
}

// watch.on(event, [filter], fn)
func watchOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		h.filter = make(map[string]string)
		L.CheckTable(2).ForEach(func(k, v lua.LValue) {
			h.filter[k.String()] = v.String()
		})
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}
	if err := vm.addHandler(h); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// watch.log(msg) or watch.log(level, msg)
func watchLog(L *lua.LState, vm *scriptVM) int {
	level, msg := "info", L.CheckString(1)
	if L.GetTop() >= 2 {
		level, msg = msg, L.CheckString(2)
	}
	vm.logf(level, msg)
	return 0
}

// watch.datetime(component) reads the watch's own local time, not the host's.
func watchDatetime(L *lua.LState, e *Engine) int {
	component := L.CheckString(1)
	snap := e.watch.Twin().Snapshot()
	t := snap.Local()

	switch component {
	case "hour":
		L.Push(lua.LNumber(t.Hour))
	case "minute":
		L.Push(lua.LNumber(t.Minute))
	case "second":
		L.Push(lua.LNumber(t.Second))
	case "weekday":
		L.Push(lua.LNumber(t.Weekday))
	case "day":
		L.Push(lua.LNumber(t.Day))
	case "month":
		L.Push(lua.LNumber(t.Month))
	case "year":
		L.Push(lua.LNumber(t.Year))
	case "timestamp":
		L.Push(lua.LNumber(snap.Epoch))
	case "utc_offset":
		L.Push(lua.LNumber(snap.Offset))
	case "weekday_name":
		L.Push(lua.LString(calendar.WeekdayName(t.Weekday)))
	case "time_str":
		L.Push(lua.LString(fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)))
	case "date_str":
		L.Push(lua.LString(fmt.Sprintf("%04d-%02d-%02d", t.Year, t.Month, t.Day)))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// watch.time_between(from_hour, to_hour) is true when the local hour is in
// [from, to). A range with from > to wraps past midnight.
func watchTimeBetween(L *lua.LState, e *Engine) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(hourBetween(int(e.watch.Twin().Snapshot().Local().Hour), from, to)))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// watch.set_time(epoch)
func watchSetTime(L *lua.LState, e *Engine) int {
	n := float64(L.CheckNumber(1))
	if n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
		L.ArgError(1, "epoch must be an integer in [0, 4294967295]")
		return 0
	}
	e.watch.SetTime(cts.SourceAutomation, uint32(n))
	return 0
}

// watch.after(seconds, fn) runs fn once on the script's VM after the delay.
func watchAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := float64(L.CheckNumber(1))
	fn := L.CheckFunction(2)
	if seconds < 0 {
		L.ArgError(1, "delay must not be negative")
		return 0
	}
	if vm.ctx.Err() != nil {
		return 0
	}

	timer := e.clock.NewTimer(time.Duration(seconds * float64(time.Second)))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer timer.Stop()

		select {
		case <-timer.Chan():
		case <-vm.ctx.Done():
			return
		}
		ok := vm.submit(func(L *lua.LState) {
			if err := e.callHandler(L, fn); err != nil {
				e.logger.Error("after callback error", "id", vm.id, "err", err)
			}
		})
		if !ok && vm.ctx.Err() == nil {
			e.logger.Warn("after: script queue full", "id", vm.id)
		}
	}()
	return 0
}

// watch.status() returns a table snapshot of the clock and face.
func watchStatus(L *lua.LState, e *Engine) int {
	st := e.watch.Status()
	L.Push(goToLua(L, map[string]any{
		"epoch":      st.Epoch,
		"utc_offset": st.UTCOffset,
		"weekday":    st.Weekday,
		"tick":       st.Tick,
		"local":      st.Local.String(),
		"clock":      st.Face.Clock,
		"date":       st.Face.Date,
		"day":        st.Face.Day,
	}))
	return 1
}
