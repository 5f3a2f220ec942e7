//go:build !no_automation

// Package automation runs user Lua scripts that react to watch events.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	lua "github.com/yuin/gopher-lua"

	"watchtwin/internal/cts"
	"watchtwin/internal/watch"
)

const (
	commandQueueSize     = 64
	maxHandlersPerScript = 100
	runTimeout           = 5 * time.Second

	// runID names the throwaway VM used by RunLuaCode.
	runID = "_inline"
)

// RunResult is the outcome of a one-shot script run.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with watch.on.
type luaEventHandler struct {
	eventType string            // "*" matches every event
	filter    map[string]string // field name -> required value
	fn        *lua.LFunction
}

func (h luaEventHandler) matches(eventType string, fields map[string]any) bool {
	if h.eventType != "*" && h.eventType != eventType {
		return false
	}
	for k, want := range h.filter {
		v, ok := fields[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// scriptVM is one Lua state. All access after load goes through commands.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc
	logf     func(level, msg string)

	mu       sync.Mutex
	handlers []luaEventHandler
}

func (vm *scriptVM) addHandler(h luaEventHandler) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		return fmt.Errorf("too many handlers (max %d)", maxHandlersPerScript)
	}
	vm.handlers = append(vm.handlers, h)
	return nil
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return slices.Clone(vm.handlers)
}

// submit queues fn for the VM's command loop without blocking.
func (vm *scriptVM) submit(fn func(*lua.LState)) bool {
	if vm.ctx.Err() != nil {
		return false
	}
	select {
	case vm.commands <- fn:
		return true
	default:
		return false
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock behind watch.after timers.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// Engine owns the script VMs and feeds them watch events.
type Engine struct {
	watch   *watch.Watch
	manager *Manager
	logger  *slog.Logger
	clock   clockwork.Clock

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()

	wg sync.WaitGroup
}

// NewEngine creates an engine driving w with scripts from mgr.
func NewEngine(w *watch.Watch, mgr *Manager, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		watch:   w,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	return e
}

// Start subscribes to watch events and starts every enabled script.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.unsub == nil {
		e.unsub = e.watch.Events().OnAll(e.dispatchEvent)
	}
	e.mu.Unlock()

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	started := 0
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
			continue
		}
		started++
	}
	e.logger.Info("automation engine started", "scripts", started)
}

// Stop unsubscribes, cancels every VM and waits for their goroutines.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("automation engine stopped")
}

// Running returns the IDs of scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// ReloadScript restarts a script from disk. A disabled script is only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript runs a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.Code)
}

// RunLuaCode executes code in a throwaway VM, then calls each handler it
// registered once with a synthetic event built from the current clock. Log
// output is captured in the result. Pending watch.after callbacks are dropped
// when the run ends.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := e.clock.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  []string
	)
	vm := e.newVM(ctx, cancel, runID, func(level, msg string) {
		logMu.Lock()
		if level == "info" {
			logs = append(logs, msg)
		} else {
			logs = append(logs, "["+level+"] "+msg)
		}
		logMu.Unlock()
		e.logger.Debug("script run log", "level", level, "msg", msg)
	})
	defer vm.state.Close()

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string{}, logs...), Duration: e.clock.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				r.Error = fmt.Sprintf("timeout (%s)", runTimeout)
			}
		}
		return r
	}

	if err := vm.state.DoString(code); err != nil {
		e.logger.Warn("script run failed", "err", err)
		return result(err)
	}

	snap := e.watch.Twin().Snapshot()
	fields := map[string]any{
		"epoch":     snap.Epoch,
		"previous":  snap.Epoch,
		"source":    "run",
		"synthetic": true,
	}
	for _, h := range vm.snapshotHandlers() {
		if err := e.callHandler(vm.state, h.fn, eventTable(vm.state, h.eventType, fields)); err != nil {
			e.logger.Warn("script run handler failed", "event", h.eventType, "err", err)
			return result(err)
		}
	}
	return result(nil)
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel, s.ID, func(level, msg string) {
		e.scriptLog(s.ID, level, msg)
	})

	if err := vm.state.DoString(s.Code); err != nil {
		cancel()
		vm.state.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer vm.state.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(vm.state)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// newVM builds a sandboxed Lua state with the watch module loaded.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc, id string, logf func(level, msg string)) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)

	vm := &scriptVM{
		id:       id,
		state:    L,
		commands: make(chan func(*lua.LState), commandQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		logf:     logf,
	}
	registerWatchModule(L, vm, e)
	return vm
}

func (e *Engine) scriptLog(id, level, msg string) {
	switch level {
	case "debug":
		e.logger.Debug("script log", "id", id, "msg", msg)
	case "warn":
		e.logger.Warn("script log", "id", id, "msg", msg)
	case "error":
		e.logger.Error("script log", "id", id, "msg", msg)
	default:
		e.logger.Info("script log", "id", id, "msg", msg)
	}
}

func (e *Engine) running() []*scriptVM {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		out = append(out, vm)
	}
	return out
}

// dispatchEvent queues matching handlers on their VMs. It never blocks: a
// VM whose queue is full loses the event.
func (e *Engine) dispatchEvent(event watch.Event) {
	fields := eventFields(event)
	for _, vm := range e.running() {
		if vm.ctx.Err() != nil {
			continue
		}
		for _, h := range vm.snapshotHandlers() {
			if !h.matches(event.Type, fields) {
				continue
			}
			fn := h.fn
			ok := vm.submit(func(L *lua.LState) {
				if err := e.callHandler(L, fn, eventTable(L, event.Type, fields)); err != nil {
					e.logger.Error("lua handler error", "id", vm.id, "event", event.Type, "err", err)
				}
			})
			if !ok {
				e.logger.Warn("script queue full, dropping event", "id", vm.id, "event", event.Type)
			}
		}
	}
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, args ...lua.LValue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua handler panic: %v", r)
		}
	}()
	return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
}

// eventFields flattens an event payload into the keys a script sees.
func eventFields(event watch.Event) map[string]any {
	switch d := event.Data.(type) {
	case cts.Change:
		return map[string]any{"epoch": d.Epoch, "previous": d.Previous, "source": d.Source}
	case watch.RefreshData:
		return map[string]any{
			"year":     d.Time.Year,
			"month":    d.Time.Month,
			"day":      d.Time.Day,
			"hour":     d.Time.Hour,
			"minute":   d.Time.Minute,
			"second":   d.Time.Second,
			"weekday":  d.Time.Weekday,
			"clock":    d.Face.Clock,
			"date":     d.Face.Date,
			"day_name": d.Face.Day,
		}
	case watch.PeerData:
		return map[string]any{"address": d.Address, "conn_handle": d.ConnHandle, "reason": d.Reason}
	case watch.TickStoppedData:
		return map[string]any{"epoch": d.Epoch}
	case map[string]any:
		return d
	default:
		return map[string]any{}
	}
}

func eventTable(L *lua.LState, eventType string, fields map[string]any) *lua.LTable {
	t := L.NewTable()
	for k, v := range fields {
		t.RawSetString(k, goToLua(L, v))
	}
	t.RawSetString("type", lua.LString(eventType))
	return t
}

// goToLua converts a Go value to a Lua value. Unknown types become strings.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	}
	if n, ok := toNumber(v); ok {
		return lua.LNumber(n)
	}
	return lua.LString(fmt.Sprint(v))
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
