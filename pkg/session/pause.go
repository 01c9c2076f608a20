package session

import (
	"context"
	"strings"

	"github.com/aivorynet/dbgbridge/pkg/capture"
	"github.com/aivorynet/dbgbridge/pkg/inspector"
	"github.com/aivorynet/dbgbridge/pkg/protocol"
	"go.uber.org/zap"
)

func (s *Session) handlePaused(ctx context.Context, ev inspector.PausedEvent) {
	if len(ev.CallFrames) == 0 {
		s.logger.Debug("pause without call frames", zap.String("reason", ev.Reason))
		return
	}

	top := ev.CallFrames[0]
	stack := capture.BuildStack(ev.CallFrames, s.frameFile)
	locals := capture.CollectLocals(ctx, s.client, top.ScopeChain, s.logger)

	s.mu.Lock()
	if s.phase == PhaseTerminated {
		s.mu.Unlock()
		return
	}
	s.phase = PhasePaused
	s.paused = &PausedFrame{StackFrame: stack[0], CallFrameID: top.CallFrameID}

	entry := s.entryBreakpoint
	hitEntry := entry != "" && contains(ev.HitBreakpoints, entry)
	if hitEntry {
		s.entryBreakpoint = ""
	}
	firstPause := !s.pausedOnce
	s.pausedOnce = true
	s.mu.Unlock()

	s.logger.Debug("paused",
		zap.String("reason", ev.Reason),
		zap.String("file", stack[0].File),
		zap.Int("line", stack[0].Line))

	frames := make([]protocol.Frame, len(stack))
	for i, f := range stack {
		frames[i] = protocol.Frame{File: f.File, Line: f.Line, Function: f.Function}
	}
	s.events.Emit(protocol.Stopped(protocol.StoppedBody{
		File:     stack[0].File,
		Line:     stack[0].Line,
		Function: stack[0].Function,
		Stack:    frames,
		Locals:   locals,
	}))

	if s.onPause != nil {
		atEntry := hitEntry || (firstPause && s.cfg.Entry == EntryPause)
		s.onPause(pauseCause(atEntry, ev.HitBreakpoints))
	}

	if hitEntry {
		if err := s.client.RemoveBreakpoint(ctx, entry); err != nil {
			s.logger.Debug("removing entry breakpoint failed", zap.Error(err))
		}
	}
}

func pauseCause(atEntry bool, hits []string) string {
	switch {
	case atEntry:
		return "entry"
	case len(hits) > 0:
		return "breakpoint"
	default:
		return "other"
	}
}

func consoleText(args []inspector.RemoteObject) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = capture.Stringify(arg)
	}
	return strings.Join(parts, " ") + "\n"
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
