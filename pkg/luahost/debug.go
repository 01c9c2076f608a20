package luahost

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aivorynet/dbgbridge/pkg/inspector"
	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// frameState is a Lua frame captured when the script paused.
type frameState struct {
	name     string
	line     int
	locals   []entry
	upvalues []entry
}

// lineHook runs at the start of every instrumented line and pauses the
// script when a breakpoint, a pause request or a pending step asks for it.
func (h *Host) lineHook(L *lua.LState) int {
	line := L.CheckInt(1)
	h.lastLine = line
	if h.evaluating {
		return 0
	}
	select {
	case <-h.detached:
		return 0
	default:
	}

	depth := stackDepth(L)

	h.mu.Lock()
	var hits []string
	for id, l := range h.breakpoints {
		if l == line {
			hits = append(hits, id)
		}
	}
	sort.Strings(hits)
	stop := len(hits) > 0 || h.pauseReq
	switch h.step {
	case stepInto:
		stop = true
	case stepOver:
		stop = stop || depth <= h.stepDepth
	case stepOut:
		stop = stop || depth < h.stepDepth
	}
	if stop {
		h.pauseReq = false
		h.step = stepNone
		h.paused = true
	}
	h.mu.Unlock()

	if stop {
		h.pause(L, hits, depth)
	}
	return 0
}

// stackDepth counts the frames above the hook, including those of the
// threads that resumed a running coroutine.
func stackDepth(L *lua.LState) int {
	depth := 0
	first := 1
	for th := L; th != nil; th = th.Parent {
		for level := first; ; level++ {
			if _, ok := th.GetStack(level); !ok {
				break
			}
			depth++
		}
		first = 0
	}
	return depth
}

// pause reports Debugger.paused and serves requests until the debugger
// resumes, steps or goes away.
func (h *Host) pause(L *lua.LState, hits []string, depth int) {
	h.objs = newObjects(uuid.NewString)
	h.frames = captureFrames(L)

	callFrames := make([]inspector.CallFrame, len(h.frames))
	for i, f := range h.frames {
		callFrames[i] = inspector.CallFrame{
			CallFrameID:  strconv.Itoa(i),
			FunctionName: f.name,
			Location:     inspector.Location{ScriptID: scriptID, LineNumber: f.line - 1},
			URL:          h.url,
			ScopeChain:   scopeChain(i, f),
		}
	}
	h.logger.Debug("paused", zap.Int("line", h.lastLine), zap.Int("depth", depth), zap.Strings("hits", hits))
	h.notify(inspector.EventDebuggerPaused, inspector.PausedEvent{
		CallFrames:     callFrames,
		Reason:         "other",
		HitBreakpoints: hits,
	})

	defer func() {
		h.frames = nil
		h.objs = nil
	}()
	for {
		select {
		case req := <-h.requests:
			if h.serveRequest(L, req, depth) {
				h.notify(inspector.EventDebuggerResumed, struct{}{})
				return
			}
		case <-h.detached:
			h.mu.Lock()
			h.paused = false
			h.mu.Unlock()
			return
		case <-h.ctx.Done():
			L.RaiseError("%v", h.ctx.Err())
			return
		}
	}
}

func scopeChain(i int, f frameState) []inspector.Scope {
	scope := func(kind string) inspector.Scope {
		return inspector.Scope{
			Type: kind,
			Object: inspector.RemoteObject{
				Type:      "object",
				ClassName: "Object",
				ObjectID:  fmt.Sprintf("scope:%d:%s", i, kind),
			},
		}
	}
	chain := []inspector.Scope{scope("local")}
	if len(f.upvalues) > 0 {
		chain = append(chain, scope("closure"))
	}
	return append(chain, scope("global"))
}

// serveRequest handles one request queued while paused. It reports whether
// the script should continue running.
func (h *Host) serveRequest(L *lua.LState, req request, depth int) bool {
	switch req.method {
	case inspector.MethodDebuggerResume:
		h.reply(req.id, struct{}{})
		return true

	case inspector.MethodDebuggerStepInto, inspector.MethodDebuggerStepOver, inspector.MethodDebuggerStepOut:
		h.mu.Lock()
		switch req.method {
		case inspector.MethodDebuggerStepInto:
			h.step = stepInto
		case inspector.MethodDebuggerStepOver:
			h.step = stepOver
		default:
			h.step = stepOut
		}
		h.stepDepth = depth
		h.mu.Unlock()
		h.reply(req.id, struct{}{})
		return true

	case inspector.MethodDebuggerEvaluateOnCallFrame:
		var params inspector.EvaluateOnCallFrameParams
		if err := json.Unmarshal(req.params, &params); err != nil {
			h.replyError(req.id, err)
			return false
		}
		h.reply(req.id, h.evaluate(L, params))

	case inspector.MethodRuntimeGetProperties:
		var params inspector.GetPropertiesParams
		if err := json.Unmarshal(req.params, &params); err != nil {
			h.replyError(req.id, err)
			return false
		}
		props, err := h.properties(L, params.ObjectID)
		if err != nil {
			h.replyError(req.id, err)
			return false
		}
		h.reply(req.id, inspector.GetPropertiesResult{Result: props})
	}
	return false
}

// captureFrames walks the Lua frames above the hook, innermost first. A
// coroutine's frames are followed by those of the thread that resumed it.
func captureFrames(L *lua.LState) []frameState {
	var frames []frameState
	first := 1
	for th := L; th != nil; th = th.Parent {
		frames = append(frames, threadFrames(th, first)...)
		first = 0
	}
	return frames
}

// threadFrames captures the Lua frames of one thread from level first up.
// Debug records are only valid on the thread that produced them.
func threadFrames(th *lua.LState, first int) []frameState {
	var frames []frameState
	for level := first; ; level++ {
		dbg, ok := th.GetStack(level)
		if !ok {
			break
		}
		fv, err := th.GetInfo("Slnf", dbg, lua.LNil)
		if err != nil || dbg.What == "G" {
			continue
		}
		fn, _ := fv.(*lua.LFunction)

		f := frameState{name: frameName(dbg.Name), line: dbg.CurrentLine}

		seen := make(map[string]int)
		for n := 1; ; n++ {
			name, v := th.GetLocal(dbg, n)
			if name == "" {
				break
			}
			if strings.HasPrefix(name, "(") {
				continue
			}
			if i, ok := seen[name]; ok {
				f.locals[i].value = v
				continue
			}
			seen[name] = len(f.locals)
			f.locals = append(f.locals, entry{name: name, value: v})
		}

		if fn != nil {
			for n := 1; n <= len(fn.Upvalues); n++ {
				name, v := th.GetUpvalue(fn, n)
				if name == "" || strings.HasPrefix(name, "(") {
					continue
				}
				if _, ok := seen[name]; ok {
					continue
				}
				f.upvalues = append(f.upvalues, entry{name: name, value: v})
			}
		}
		frames = append(frames, f)
	}
	return frames
}

// frameName drops the placeholder names the VM gives to the main chunk, to a
// coroutine's body and to functions it cannot name.
func frameName(name string) string {
	switch name {
	case "main chunk", "corountine", "(anonymous)":
		return ""
	}
	if strings.HasPrefix(name, "<") {
		return ""
	}
	return name
}

// evaluate runs expr with the frame's locals and upvalues in scope. Names
// shadowed by the frame stay read-only copies: assignments to them do not
// reach the script.
func (h *Host) evaluate(L *lua.LState, params inspector.EvaluateOnCallFrameParams) inspector.EvaluateResult {
	i, err := strconv.Atoi(params.CallFrameID)
	if err != nil || i < 0 || i >= len(h.frames) {
		return evalException("invalid call frame id " + strconv.Quote(params.CallFrameID))
	}
	f := h.frames[i]

	var names []string
	var args []lua.LValue
	index := make(map[string]int)
	for _, group := range [][]entry{f.upvalues, f.locals} {
		for _, e := range group {
			if j, ok := index[e.name]; ok {
				args[j] = e.value
				continue
			}
			index[e.name] = len(names)
			names = append(names, e.name)
			args = append(args, e.value)
		}
	}
	prologue := ""
	if len(names) > 0 {
		prologue = "local " + strings.Join(names, ", ") + " = ...; "
	}

	statement := false
	fn, err := L.Load(strings.NewReader(prologue+"return "+params.Expression), "eval")
	if err != nil {
		var stmtErr error
		fn, stmtErr = L.Load(strings.NewReader(prologue+params.Expression), "eval")
		if stmtErr != nil {
			return evalException(err.Error())
		}
		statement = true
	}

	h.evaluating = true
	defer func() { h.evaluating = false }()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		msg := err.Error()
		if apiErr, ok := err.(*lua.ApiError); ok && apiErr.Object != nil {
			msg = apiErr.Object.String()
		}
		return evalException(msg)
	}
	ret := L.Get(-1)
	L.Pop(1)

	if statement {
		return inspector.EvaluateResult{Result: inspector.RemoteObject{Type: "undefined"}}
	}
	return inspector.EvaluateResult{Result: h.objs.remoteObject(ret)}
}

func evalException(msg string) inspector.EvaluateResult {
	obj := inspector.RemoteObject{Type: "object", Subtype: "error", ClassName: "Error", Description: msg}
	return inspector.EvaluateResult{
		Result:           obj,
		ExceptionDetails: &inspector.ExceptionDetails{Text: "Uncaught", Exception: &obj},
	}
}

// properties resolves scope ids of the form scope:<frame>:<kind> and ids of
// tables handed out during the current pause.
func (h *Host) properties(L *lua.LState, objectID string) ([]inspector.PropertyDescriptor, error) {
	if t, ok := h.objs.lookup(objectID); ok {
		return h.objs.properties(t), nil
	}

	parts := strings.Split(objectID, ":")
	if len(parts) != 3 || parts[0] != "scope" {
		return nil, ErrObjectNotFound
	}
	i, err := strconv.Atoi(parts[1])
	if err != nil || i < 0 || i >= len(h.frames) {
		return nil, ErrObjectNotFound
	}

	switch parts[2] {
	case "local":
		return h.describe(h.frames[i].locals), nil
	case "closure":
		return h.describe(h.frames[i].upvalues), nil
	case "global":
		return h.objs.properties(L.G.Global), nil
	}
	return nil, ErrObjectNotFound
}

func (h *Host) describe(entries []entry) []inspector.PropertyDescriptor {
	props := make([]inspector.PropertyDescriptor, 0, len(entries))
	for _, e := range entries {
		obj := h.objs.remoteObject(e.value)
		props = append(props, inspector.PropertyDescriptor{Name: e.name, Value: &obj, IsOwn: true})
	}
	return props
}
