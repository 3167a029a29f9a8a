//go:build !no_automation

package automation

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// SystemConfig holds configuration for the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // absolute command paths scripts may run
	ExecTimeout   time.Duration // per-command timeout
}

// registerSystemModule registers the `system` global table in a Lua state.
// Scripts use it to gate alerts on time of day ("no telegram pings at
// 03:00") and to shell out to allowlisted commands.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(systemDatetime))

	mod.RawSetString("time_between", L.NewFunction(systemTimeBetween))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, e)
	}))

	mod.RawSetString("exec", L.NewFunction(func(L *lua.LState) int {
		return systemExec(L, e)
	}))

	L.SetGlobal("system", mod)
}

// system.datetime(part) returns one component of the local time.
func systemDatetime(L *lua.LState) int {
	now := time.Now()
	switch part := L.CheckString(1); part {
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	case "hour", "minute", "second", "weekday", "day", "month", "year", "timestamp":
		L.Push(lua.LNumber(datetimePart(now, part)))
	default:
		L.ArgError(1, "unknown component: "+part)
		return 0
	}
	return 1
}

func datetimePart(t time.Time, part string) int64 {
	switch part {
	case "hour":
		return int64(t.Hour())
	case "minute":
		return int64(t.Minute())
	case "second":
		return int64(t.Second())
	case "weekday":
		return int64(t.Weekday())
	case "day":
		return int64(t.Day())
	case "month":
		return int64(t.Month())
	case "year":
		return int64(t.Year())
	default: // "timestamp"
		return t.Unix()
	}
}

// system.time_between(from_hour, to_hour) reports whether the current hour
// falls in [from, to), wrapping past midnight when from > to.
func systemTimeBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), from, to)))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	// e.g. 22-6 covers 22,23,0..5
	return hour >= from || hour < to
}

// system.log(level, msg)
func systemLog(L *lua.LState, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	logFn := e.logger.Info
	switch level {
	case "debug":
		logFn = e.logger.Debug
	case "warn":
		logFn = e.logger.Warn
	case "error":
		logFn = e.logger.Error
	}
	logFn("script log", "msg", msg)
	return 0
}

const execOutputLimit = 64 << 10

// system.exec(cmd) runs an allowlisted absolute-path command and returns
// its stdout, capped at 64KB. Blocked and failed commands return "".
func systemExec(L *lua.LState, e *Engine) int {
	fields := strings.Fields(L.CheckString(1))
	if len(fields) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	binary, args := fields[0], fields[1:]

	if !filepath.IsAbs(binary) || !e.execAllowed(binary) {
		e.logger.Warn("exec blocked", "cmd", binary)
		L.Push(lua.LString(""))
		return 1
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, args...).Output()
	if err != nil {
		e.logger.Warn("exec failed", "cmd", binary, "err", err)
		L.Push(lua.LString(""))
		return 1
	}
	if len(out) > execOutputLimit {
		out = out[:execOutputLimit]
	}

	L.Push(lua.LString(string(out)))
	return 1
}

func (e *Engine) execAllowed(binary string) bool {
	for _, allowed := range e.systemCfg.ExecAllowlist {
		if allowed == binary {
			return true
		}
	}
	return false
}
