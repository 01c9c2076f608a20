// Package session implements the debug session state machine: it turns
// runtime notifications into host events and host commands into runtime
// requests.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/aivorynet/dbgbridge/pkg/breakpoint"
	"github.com/aivorynet/dbgbridge/pkg/capture"
	"github.com/aivorynet/dbgbridge/pkg/inspector"
	"github.com/aivorynet/dbgbridge/pkg/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotPaused is reported for evaluations requested while the debuggee runs.
var ErrNotPaused = errors.New("not paused")

// EntryMode selects how the session guarantees a first pause before any user
// statement runs.
type EntryMode int

const (
	// EntryPause requests a pause before releasing a runtime that was
	// started halted on its first statement.
	EntryPause EntryMode = iota
	// EntryBreakpoint installs a synthetic breakpoint at the first line of
	// the target, removed after the first pause it causes.
	EntryBreakpoint
)

// Config describes one debuggee.
type Config struct {
	// Target is the debuggee file as the host names it.
	Target string
	// Dir is the directory host file names are relative to. Defaults to the
	// working directory.
	Dir   string
	Entry EntryMode
	// Breakpoints are installed before the first stopped event.
	Breakpoints []breakpoint.Location
	// ForwardConsole turns console calls reported by the runtime into output
	// events. Spawned runtimes leave it off and forward their stdio instead.
	ForwardConsole bool
	// DetachOnContextDestroyed closes the runtime connection once the
	// debuggee's execution context is gone, letting a runtime that waits for
	// the debugger to disconnect exit.
	DetachOnContextDestroyed bool
}

// PausedFrame is the innermost frame of the current pause.
type PausedFrame struct {
	capture.StackFrame
	CallFrameID string
}

// Session is one debug session. It owns the phase, the paused frame and the
// breakpoint registry; the client owns the pending request table.
type Session struct {
	id       string
	cfg      Config
	client   *inspector.Client
	events   protocol.Emitter
	registry *breakpoint.Registry
	logger   *zap.Logger
	onStop   func()
	onPause  PauseHook

	mu              sync.Mutex
	phase           Phase
	paused          *PausedFrame
	entryBreakpoint string
	pausedOnce      bool
	scripts         map[string]string // scriptId -> url
	names           map[string]string // url -> host file name

	inflight      sync.WaitGroup
	terminateOnce sync.Once
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithStopHandler sets the function invoked for a stop command. It should
// end the debuggee; the driver reports termination through Terminate.
func WithStopHandler(fn func()) Option {
	return func(s *Session) {
		s.onStop = fn
	}
}

// PauseHook is told the cause of every reported pause: "entry",
// "breakpoint" or "other".
type PauseHook func(cause string)

// WithPauseHook registers a function called for each stopped event.
func WithPauseHook(fn PauseHook) Option {
	return func(s *Session) {
		s.onPause = fn
	}
}

// New creates a session in the initializing phase.
func New(client *inspector.Client, events protocol.Emitter, cfg Config, opts ...Option) *Session {
	if cfg.Dir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Dir = wd
		}
	}

	s := &Session{
		id:      uuid.New().String(),
		cfg:     cfg,
		client:  client,
		events:  events,
		logger:  zap.NewNop(),
		phase:   PhaseInitializing,
		scripts: make(map[string]string),
		names:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("session_id", s.id))
	s.registry = breakpoint.NewRegistry(runtimeBreakpoints{s}, s.logger.Named("breakpoints"))
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Paused returns a copy of the paused frame, or nil while not paused.
func (s *Session) Paused() *PausedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused == nil {
		return nil
	}
	frame := *s.paused
	return &frame
}

// Breakpoints returns the registry.
func (s *Session) Breakpoints() *breakpoint.Registry {
	return s.registry
}

// Start enables the runtime's debugging domains, installs the initial
// breakpoints and the entry pause, then lets the debuggee run.
func (s *Session) Start(ctx context.Context) error {
	if err := s.client.EnableRuntime(ctx); err != nil {
		return fmt.Errorf("enable runtime: %w", err)
	}
	if err := s.client.EnableDebugger(ctx); err != nil {
		return fmt.Errorf("enable debugger: %w", err)
	}

	if len(s.cfg.Breakpoints) > 0 {
		if failed := s.registry.SetAll(ctx, s.cfg.Breakpoints); failed > 0 {
			s.logger.Warn("some initial breakpoints were not installed", zap.Int("failed", failed))
		}
	}

	switch s.cfg.Entry {
	case EntryBreakpoint:
		id, err := s.setBreakpoint(ctx, s.cfg.Target, 0)
		if err != nil {
			return fmt.Errorf("entry breakpoint: %w", err)
		}
		s.mu.Lock()
		s.entryBreakpoint = id
		s.mu.Unlock()
	default:
		if _, err := s.client.Pause(); err != nil {
			return fmt.Errorf("entry pause: %w", err)
		}
	}

	// The first pause may be reported before the release is acknowledged.
	s.mu.Lock()
	if s.phase == PhaseInitializing {
		s.phase = PhaseRunning
	}
	s.mu.Unlock()

	if err := s.client.RunIfWaitingForDebugger(ctx); err != nil {
		return fmt.Errorf("release debuggee: %w", err)
	}
	s.logger.Debug("session started", zap.String("target", s.cfg.Target))
	return nil
}

// Run consumes runtime notifications until the connection closes or ctx is
// done.
func (s *Session) Run(ctx context.Context) error {
	notifications := s.client.Notifications()
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			s.handleNotification(ctx, n)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) handleNotification(ctx context.Context, n inspector.Notification) {
	switch n.Method {
	case inspector.EventDebuggerScriptParsed:
		var ev inspector.ScriptParsedEvent
		if err := inspector.DecodeParams(n, &ev); err != nil {
			s.logger.Debug("bad notification", zap.Error(err))
			return
		}
		s.mu.Lock()
		s.scripts[ev.ScriptID] = ev.URL
		s.mu.Unlock()

	case inspector.EventDebuggerPaused:
		var ev inspector.PausedEvent
		if err := inspector.DecodeParams(n, &ev); err != nil {
			s.logger.Debug("bad notification", zap.Error(err))
			return
		}
		s.handlePaused(ctx, ev)

	case inspector.EventDebuggerResumed:
		s.mu.Lock()
		if s.phase == PhasePaused {
			s.phase = PhaseRunning
		}
		s.paused = nil
		s.mu.Unlock()

	case inspector.EventRuntimeExceptionThrown:
		var ev inspector.ExceptionThrownEvent
		if err := inspector.DecodeParams(n, &ev); err != nil {
			s.logger.Debug("bad notification", zap.Error(err))
			return
		}
		s.handleException(ev.ExceptionDetails)

	case inspector.EventRuntimeConsoleAPICalled:
		if !s.cfg.ForwardConsole {
			return
		}
		var ev inspector.ConsoleAPICalledEvent
		if err := inspector.DecodeParams(n, &ev); err != nil {
			s.logger.Debug("bad notification", zap.Error(err))
			return
		}
		s.events.Emit(protocol.Output(consoleText(ev.Args)))

	case inspector.EventRuntimeExecutionContextDestroyed:
		if s.cfg.DetachOnContextDestroyed {
			s.logger.Debug("execution context destroyed, detaching")
			_ = s.client.Close()
		}
	}
}

func (s *Session) handleException(details inspector.ExceptionDetails) {
	message := details.Text
	if details.Exception != nil && details.Exception.Description != "" {
		message = details.Exception.Description
	}

	var file string
	var line int
	url := details.URL
	if url == "" && details.ScriptID != "" {
		s.mu.Lock()
		url = s.scripts[details.ScriptID]
		s.mu.Unlock()
	}
	if url != "" {
		file = s.fileName(url)
		line = details.LineNumber + 1
	}
	s.events.Emit(protocol.Exception(message, file, line))
}

// Terminate ends the session once: the runtime connection is closed, which
// rejects every pending request, and one terminated event is emitted after
// any evaluation results those rejections produce.
func (s *Session) Terminate(code *int) {
	s.terminateOnce.Do(func() {
		s.mu.Lock()
		s.phase = PhaseTerminated
		s.paused = nil
		s.mu.Unlock()

		_ = s.client.Close()
		s.inflight.Wait()

		if code != nil {
			s.logger.Debug("session terminated", zap.Int("code", *code))
		} else {
			s.logger.Debug("session terminated")
		}
		s.events.Emit(protocol.Terminated(code))
	})
}

func (s *Session) setBreakpoint(ctx context.Context, file string, line int) (string, error) {
	url := capture.FileURL(file)
	s.mu.Lock()
	s.names[url] = file
	s.mu.Unlock()
	return s.client.SetBreakpointByURL(ctx, url, line)
}

// fileName maps a runtime URL to the name the host used for it.
func (s *Session) fileName(url string) string {
	s.mu.Lock()
	name, ok := s.names[url]
	s.mu.Unlock()
	if ok {
		return name
	}
	if url == capture.FileURL(s.cfg.Target) {
		return s.cfg.Target
	}
	return capture.FileFromURL(url, s.cfg.Dir)
}

func (s *Session) frameFile(f inspector.CallFrame) string {
	url := f.URL
	if url == "" {
		s.mu.Lock()
		url = s.scripts[f.Location.ScriptID]
		s.mu.Unlock()
	}
	return s.fileName(url)
}

// runtimeBreakpoints lets the registry install breakpoints by host file name.
type runtimeBreakpoints struct {
	s *Session
}

func (r runtimeBreakpoints) SetBreakpoint(ctx context.Context, file string, line int) (string, error) {
	return r.s.setBreakpoint(ctx, file, line)
}

func (r runtimeBreakpoints) RemoveBreakpoint(ctx context.Context, id string) error {
	return r.s.client.RemoveBreakpoint(ctx, id)
}
