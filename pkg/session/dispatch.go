package session

import (
	"context"
	"strings"

	"github.com/aivorynet/dbgbridge/pkg/breakpoint"
	"github.com/aivorynet/dbgbridge/pkg/capture"
	"github.com/aivorynet/dbgbridge/pkg/inspector"
	"github.com/aivorynet/dbgbridge/pkg/protocol"
	"go.uber.org/zap"
)

// Dispatch handles one host command. Commands must be dispatched one at a
// time in arrival order. Breakpoint mutations complete before Dispatch
// returns; execution control and evaluation are only issued, and their
// effects arrive later as events.
func (s *Session) Dispatch(ctx context.Context, cmd protocol.Command) {
	if ev, ok := cmd.(protocol.Evaluate); ok {
		s.evaluate(ctx, ev.Expr)
		return
	}

	if s.Phase() == PhaseTerminated {
		s.logger.Debug("command after termination ignored", zap.String("type", string(cmd.Type())))
		return
	}

	switch c := cmd.(type) {
	case protocol.Continue:
		s.resume(cmd.Type(), s.client.Resume)
	case protocol.StepOver:
		s.resume(cmd.Type(), s.client.StepOver)
	case protocol.StepIn:
		s.resume(cmd.Type(), s.client.StepInto)
	case protocol.StepOut:
		s.resume(cmd.Type(), s.client.StepOut)

	case protocol.SetBreakpoints:
		if failed := s.registry.SetAll(ctx, toLocations(c.Breakpoints)); failed > 0 {
			s.logger.Debug("breakpoints not installed", zap.Int("failed", failed))
		}
		s.events.Emit(protocol.BreakpointsSet())

	case protocol.AddBreakpoint:
		for _, loc := range toLocations(c.Breakpoints) {
			if err := s.registry.Add(ctx, loc); err != nil {
				s.logger.Debug("add breakpoint failed", zap.Error(err))
			}
		}
		s.events.Emit(protocol.BreakpointsSet())

	case protocol.RemoveBreakpoint:
		loc := breakpoint.Location{File: c.File, Line: c.Line}
		if err := s.registry.Remove(ctx, loc); err != nil {
			s.logger.Debug("remove breakpoint failed", zap.Error(err))
		}
		s.events.Emit(protocol.BreakpointsSet())

	case protocol.Stop:
		s.logger.Debug("stop requested")
		if s.onStop != nil {
			s.onStop()
		}
	}
}

// resume issues an execution-control request if the debuggee is paused.
func (s *Session) resume(typ protocol.CommandType, send func() (*inspector.Call, error)) {
	s.mu.Lock()
	if s.phase != PhasePaused {
		phase := s.phase
		s.mu.Unlock()
		s.logger.Debug("ignoring command while not paused",
			zap.String("type", string(typ)), zap.Stringer("phase", phase))
		return
	}
	s.phase = PhaseRunning
	s.paused = nil
	s.mu.Unlock()

	if _, err := send(); err != nil {
		s.logger.Debug("execution control failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

// evaluate issues an evaluation on the paused frame. The result is emitted
// when the runtime answers, independent of other in-flight requests.
func (s *Session) evaluate(ctx context.Context, expr string) {
	s.mu.Lock()
	if s.phase != PhasePaused || s.paused == nil {
		s.mu.Unlock()
		s.events.Emit(protocol.EvaluateError(expr, ErrNotPaused.Error()))
		return
	}
	frameID := s.paused.CallFrameID
	s.inflight.Add(1)
	s.mu.Unlock()

	call, err := s.client.EvaluateOnCallFrame(frameID, expr)
	if err != nil {
		s.inflight.Done()
		s.events.Emit(protocol.EvaluateError(expr, err.Error()))
		return
	}

	go func() {
		defer s.inflight.Done()
		s.events.Emit(evaluateResult(ctx, expr, call))
	}()
}

func evaluateResult(ctx context.Context, expr string, call *inspector.Call) protocol.Event {
	raw, err := call.Wait(ctx)
	if err != nil {
		return protocol.EvaluateError(expr, err.Error())
	}
	res, err := inspector.DecodeEvaluateResult(raw)
	if err != nil {
		return protocol.EvaluateError(expr, err.Error())
	}
	if res.ExceptionDetails != nil {
		return protocol.EvaluateError(expr, exceptionText(res))
	}
	return protocol.EvaluateValue(expr, capture.Stringify(res.Result))
}

// exceptionText is the first line of the thrown value's description, which
// for most runtimes is "<Type>: <message>" followed by a stack trace.
func exceptionText(res *inspector.EvaluateResult) string {
	text := res.ExceptionDetails.Text
	if res.ExceptionDetails.Exception != nil && res.ExceptionDetails.Exception.Description != "" {
		text = res.ExceptionDetails.Exception.Description
	} else if res.Result.Description != "" {
		text = res.Result.Description
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return text
}

func toLocations(locs []protocol.Location) []breakpoint.Location {
	out := make([]breakpoint.Location, len(locs))
	for i, loc := range locs {
		out[i] = breakpoint.Location{File: loc.File, Line: loc.Line}
	}
	return out
}
