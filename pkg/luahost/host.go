// Package luahost runs a Lua script inside the adapter process and exposes it
// to a debugger through the same inspector protocol subset a spawned runtime
// speaks, over an in-memory transport.
//
// Debugging is source-level: every line that starts a statement is prefixed
// with a hook call (see Instrument), and the hook decides whether to pause.
// While paused, the Lua goroutine serves evaluation and property requests
// until it is told to resume or step.
package luahost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aivorynet/dbgbridge/pkg/capture"
	"github.com/aivorynet/dbgbridge/pkg/inspector"
	"github.com/aivorynet/dbgbridge/pkg/transport"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

const scriptID = "1"

type stepMode int

const (
	stepNone stepMode = iota
	stepInto
	stepOver
	stepOut
)

type request struct {
	id     int64
	method string
	params json.RawMessage
}

// Host runs one script. It is not reusable.
type Host struct {
	conn   transport.Transport
	file   string
	url    string
	source string
	lines  []int
	logger *zap.Logger

	started    chan struct{}
	startOnce  sync.Once
	detached   chan struct{}
	detachOnce sync.Once
	requests   chan request

	mu          sync.Mutex
	breakpoints map[string]int // id -> hooked line, 0 if unresolved
	nextBP      int
	pauseReq    bool
	step        stepMode
	stepDepth   int
	paused      bool

	// Owned by the goroutine running Execute.
	ctx        context.Context
	frames     []frameState
	objs       *objects
	evaluating bool
	lastLine   int
	reported   lua.LValue
	exitCode   *int
	exceptions int
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the host logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Host) {
		h.logger = logger
	}
}

// New reads and instruments file. The debugger talks to the host through conn.
func New(conn transport.Transport, file string, opts ...Option) (*Host, error) {
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	source, lines, err := Instrument(string(src), file)
	if err != nil {
		return nil, err
	}

	h := &Host{
		conn:        conn,
		file:        file,
		url:         capture.FileURL(file),
		source:      source,
		lines:       lines,
		logger:      zap.NewNop(),
		started:     make(chan struct{}),
		detached:    make(chan struct{}),
		requests:    make(chan request, 64),
		breakpoints: make(map[string]int),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Lines returns the 1-based lines on which execution can pause.
func (h *Host) Lines() []int {
	return h.lines
}

// Execute serves the debugger, waits until it releases the script with
// Runtime.runIfWaitingForDebugger and runs the script to completion. It
// returns the script's exit code. An uncaught script error is returned as a
// *ScriptError after it was reported to the debugger. Cancelling ctx aborts
// the script, including while it is paused.
func (h *Host) Execute(ctx context.Context) (code int, err error) {
	go h.serve()

	select {
	case <-h.started:
	case <-h.detached:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	h.ctx = ctx
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(ctx)
	h.install(L)

	defer func() {
		if r := recover(); r != nil {
			err = h.scriptFailed(ctx, fmt.Errorf("lua panic: %v", r))
			code = 1
		}
	}()

	fn, err := L.Load(strings.NewReader(h.source), h.file)
	if err != nil {
		return 1, fmt.Errorf("load script: %w", err)
	}
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		if h.exitCode != nil {
			h.contextDestroyed()
			return *h.exitCode, nil
		}
		return 1, h.scriptFailed(ctx, err)
	}

	h.contextDestroyed()
	return 0, nil
}

func (h *Host) install(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenOs(L)
	lua.OpenCoroutine(L)

	// io would write to the adapter's stdout, which carries the host protocol.
	for _, name := range []string{"dofile", "loadfile"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal(HookName, L.NewFunction(h.lineHook))
	L.SetGlobal("print", L.NewFunction(h.print))
	L.SetGlobal("error", L.NewFunction(h.raise))
	if osTable, ok := L.GetGlobal("os").(*lua.LTable); ok {
		osTable.RawSetString("exit", L.NewFunction(h.exit))
	}
}

func (h *Host) scriptFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	msg := err.Error()
	var obj lua.LValue
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		obj = apiErr.Object
		msg = apiErr.Object.String()
		if apiErr.Type == lua.ApiErrorPanic {
			msg = "panic: " + msg
		}
	}

	if obj == nil || obj != h.reported {
		h.reportException(msg, h.lastLine)
	}
	h.contextDestroyed()
	return &ScriptError{Message: msg, Line: h.lastLine}
}

// print reports its arguments as one console message, tab separated.
func (h *Host) print(L *lua.LState) int {
	top := L.GetTop()
	parts := make([]string, top)
	for i := 1; i <= top; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	h.notify(inspector.EventRuntimeConsoleAPICalled, inspector.ConsoleAPICalledEvent{
		Type: "log",
		Args: []inspector.RemoteObject{{Type: "string", Value: rawJSON(strings.Join(parts, "\t"))}},
	})
	return 0
}

// raise reports the error before raising it, so errors caught by pcall are
// still seen by the debugger.
func (h *Host) raise(L *lua.LState) int {
	obj := L.CheckAny(1)
	level := L.OptInt(2, 1)

	line := h.lastLine
	if level > 0 {
		// Level 1 is the function that called error; frame 0 is error itself.
		frame := level - 1
		if frame == 0 {
			frame = 1
		}
		if s, ok := obj.(lua.LString); ok {
			obj = lua.LString(L.Where(frame) + " " + string(s))
		}
		if dbg, ok := L.GetStack(frame); ok {
			if _, err := L.GetInfo("l", dbg, lua.LNil); err == nil && dbg.CurrentLine > 0 {
				line = dbg.CurrentLine
			}
		}
	}

	if !h.evaluating {
		h.reportException(L.ToStringMeta(obj).String(), line)
		h.reported = obj
	}
	L.Error(obj, 0)
	return 0
}

func (h *Host) exit(L *lua.LState) int {
	code := 0
	switch v := L.Get(1).(type) {
	case lua.LNumber:
		code = int(v)
	case lua.LBool:
		if !bool(v) {
			code = 1
		}
	}
	h.exitCode = &code
	L.RaiseError("exit %d", code)
	return 0
}

func (h *Host) reportException(msg string, line int) {
	h.exceptions++
	details := inspector.ExceptionDetails{
		ExceptionID: h.exceptions,
		Text:        "Uncaught",
		Exception:   &inspector.RemoteObject{Type: "object", Subtype: "error", ClassName: "Error", Description: msg},
	}
	if line > 0 {
		details.LineNumber = line - 1
		details.URL = h.url
		details.ScriptID = scriptID
	}
	h.notify(inspector.EventRuntimeExceptionThrown, inspector.ExceptionThrownEvent{
		Timestamp:        float64(time.Now().UnixMilli()),
		ExceptionDetails: details,
	})
}

func (h *Host) contextDestroyed() {
	h.notify(inspector.EventRuntimeExecutionContextDestroyed, map[string]int{"executionContextId": 1})
}

// serve answers debugger requests until the connection closes. Requests that
// need the Lua state are queued for the paused script.
func (h *Host) serve() {
	defer h.detachOnce.Do(func() { close(h.detached) })

	for {
		data, err := h.conn.Receive()
		if err != nil {
			return
		}
		var msg inspector.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Method == "" {
			h.logger.Debug("dropping malformed request", zap.Error(err))
			continue
		}
		h.handle(request{id: msg.ID, method: msg.Method, params: msg.Params})
	}
}

func (h *Host) handle(req request) {
	switch req.method {
	case inspector.MethodRuntimeEnable:
		h.reply(req.id, struct{}{})

	case inspector.MethodDebuggerEnable:
		h.reply(req.id, map[string]string{"debuggerId": "dbgbridge-lua"})
		h.notify(inspector.EventDebuggerScriptParsed, inspector.ScriptParsedEvent{ScriptID: scriptID, URL: h.url})

	case inspector.MethodRuntimeRunIfWaiting:
		h.reply(req.id, struct{}{})
		h.startOnce.Do(func() { close(h.started) })

	case inspector.MethodDebuggerSetBreakpointByURL:
		var params inspector.SetBreakpointByURLParams
		if err := json.Unmarshal(req.params, &params); err != nil {
			h.replyError(req.id, err)
			return
		}
		h.reply(req.id, h.setBreakpoint(params))

	case inspector.MethodDebuggerRemoveBreakpoint:
		var params inspector.RemoveBreakpointParams
		if err := json.Unmarshal(req.params, &params); err != nil {
			h.replyError(req.id, err)
			return
		}
		h.mu.Lock()
		delete(h.breakpoints, params.BreakpointID)
		h.mu.Unlock()
		h.reply(req.id, struct{}{})

	case inspector.MethodDebuggerPause:
		h.mu.Lock()
		h.pauseReq = true
		h.mu.Unlock()
		h.reply(req.id, struct{}{})

	case inspector.MethodDebuggerResume, inspector.MethodDebuggerStepOver,
		inspector.MethodDebuggerStepInto, inspector.MethodDebuggerStepOut,
		inspector.MethodDebuggerEvaluateOnCallFrame, inspector.MethodRuntimeGetProperties:
		h.mu.Lock()
		if !h.paused {
			h.mu.Unlock()
			h.replyError(req.id, ErrNotPaused)
			return
		}
		if resumes(req.method) {
			h.paused = false
		}
		h.mu.Unlock()
		h.requests <- req

	default:
		h.replyError(req.id, fmt.Errorf("'%s' wasn't found", req.method))
	}
}

func resumes(method string) bool {
	switch method {
	case inspector.MethodDebuggerResume, inspector.MethodDebuggerStepOver,
		inspector.MethodDebuggerStepInto, inspector.MethodDebuggerStepOut:
		return true
	}
	return false
}

// setBreakpoint snaps the requested line forward to the next line that can
// pause. Breakpoints in other scripts or past the last statement are
// accepted but never hit.
func (h *Host) setBreakpoint(params inspector.SetBreakpointByURLParams) inspector.SetBreakpointByURLResult {
	line := 0
	if params.URL == h.url {
		line = h.snap(params.LineNumber + 1)
	}

	h.mu.Lock()
	h.nextBP++
	id := fmt.Sprintf("%d:%d:%d:%s", h.nextBP, params.LineNumber, params.ColumnNumber, params.URL)
	h.breakpoints[id] = line
	h.mu.Unlock()

	result := inspector.SetBreakpointByURLResult{BreakpointID: id, Locations: []inspector.Location{}}
	if line > 0 {
		result.Locations = append(result.Locations, inspector.Location{ScriptID: scriptID, LineNumber: line - 1})
	}
	h.logger.Debug("breakpoint set", zap.String("id", id), zap.Int("line", line))
	return result
}

func (h *Host) snap(line int) int {
	for _, l := range h.lines {
		if l >= line {
			return l
		}
	}
	return 0
}

func (h *Host) reply(id int64, result interface{}) {
	data, err := json.Marshal(result)
	if err != nil {
		h.replyError(id, err)
		return
	}
	h.send(inspector.Message{ID: id, Result: data})
}

func (h *Host) replyError(id int64, err error) {
	h.send(inspector.Message{ID: id, Error: &inspector.ResponseError{Code: -32000, Message: err.Error()}})
}

func (h *Host) notify(method string, params interface{}) {
	data, err := json.Marshal(params)
	if err != nil {
		h.logger.Debug("encode notification failed", zap.String("method", method), zap.Error(err))
		return
	}
	h.send(inspector.Message{Method: method, Params: data})
}

func (h *Host) send(msg inspector.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Debug("encode message failed", zap.Error(err))
		return
	}
	if err := h.conn.Send(data); err != nil && !errors.Is(err, transport.ErrClosed) {
		h.logger.Debug("send failed", zap.Error(err))
	}
}
