// Package adapter runs one debug session: it starts the debuggee, connects
// the session to its runtime and pumps host commands and events until the
// debuggee ends.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/aivorynet/dbgbridge/pkg/inspector"
	"github.com/aivorynet/dbgbridge/pkg/metrics"
	"github.com/aivorynet/dbgbridge/pkg/protocol"
	"github.com/aivorynet/dbgbridge/pkg/session"
	"github.com/aivorynet/dbgbridge/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	outboxCapacity = 256
	commandBacklog = 64

	// drainTimeout bounds how long runtime notifications may keep arriving
	// after the debuggee ended.
	drainTimeout = 2 * time.Second
	// lossGrace is how long a spawned runtime may take to exit after its
	// connection dropped before the loss is treated as a failure.
	lossGrace = 2 * time.Second
)

// debuggee is the mode-specific half of a session.
type debuggee interface {
	// start launches the debuggee halted before its first statement and
	// returns the connection to its runtime.
	start(ctx context.Context) (transport.Transport, error)
	// wait blocks until the debuggee ends. A nil code means the debuggee was
	// stopped and no exit status applies.
	wait() (code *int, err error)
	// exited is closed once wait would return.
	exited() <-chan struct{}
	// stop ends the debuggee. It is safe to call more than once.
	stop()
}

// Adapter is the top-level driver.
type Adapter struct {
	cfg     *Config
	in      io.Reader
	out     io.Writer
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithIO sets the host streams. The default is stdin and stdout.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(a *Adapter) {
		a.in = in
		a.out = out
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// WithMetrics records adapter activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// New creates an adapter for a validated configuration.
func New(cfg *Config, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:    cfg,
		in:     os.Stdin,
		out:    os.Stdout,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run debugs the target until it ends and returns the adapter's exit code:
// the debuggee's exit code when it ran to completion, 0 when the host
// stopped it and 1 when the debuggee or its runtime failed otherwise. Every
// path writes exactly one terminated event.
func (a *Adapter) Run(ctx context.Context) (int, error) {
	outboxOpts := []protocol.OutboxOption{protocol.WithLogger(a.logger.Named("outbox"))}
	if a.metrics != nil {
		outboxOpts = append(outboxOpts, protocol.WithWriteHook(func(ev protocol.Event) {
			a.metrics.EventWritten(ev.Name())
		}))
	}
	outbox := protocol.NewOutbox(outboxCapacity, outboxOpts...)

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- outbox.Run(context.Background(), a.out)
	}()
	finish := func() error {
		outbox.Close()
		return <-writerDone
	}

	var dbg debuggee
	switch a.cfg.Mode {
	case ModeEmbedded:
		dbg = newEmbedded(a.cfg, a.logger.Named("lua"))
	default:
		dbg = newSpawned(a.cfg, outbox, a.logger.Named("spawn"))
	}

	conn, err := dbg.start(ctx)
	if err != nil {
		a.logger.Error("debuggee failed to start", zap.Error(err))
		outbox.Emit(protocol.Exception(err.Error(), "", 0))
		outbox.Emit(protocol.Terminated(intPtr(1)))
		_ = finish()
		return 1, err
	}

	clientOpts := []inspector.Option{
		inspector.WithLogger(a.logger.Named("inspector")),
		inspector.WithRequestTimeout(a.cfg.RequestTimeout),
	}
	if a.metrics != nil {
		clientOpts = append(clientOpts, inspector.WithObserver(a.metrics.ObserveRequest))
	}
	client := inspector.NewClient(conn, clientOpts...)
	if a.metrics != nil {
		a.metrics.TrackPending(client.Pending)
	}

	var stopped atomic.Bool
	stop := func() {
		stopped.Store(true)
		dbg.stop()
	}
	// Cancelling ctx ends the debuggee the way a stop command does.
	release := context.AfterFunc(ctx, stop)
	defer release()

	sessCfg := session.Config{
		Target:                   a.cfg.Target,
		Entry:                    a.entryMode(),
		Breakpoints:              a.cfg.Breakpoints,
		ForwardConsole:           a.cfg.Mode == ModeEmbedded,
		DetachOnContextDestroyed: a.cfg.Mode != ModeEmbedded,
	}
	sessOpts := []session.Option{session.WithLogger(a.logger.Named("session")), session.WithStopHandler(stop)}
	if a.metrics != nil {
		sessOpts = append(sessOpts, session.WithPauseHook(a.metrics.Paused))
	}
	sess := session.New(client, outbox, sessCfg, sessOpts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	notificationsDone := make(chan struct{})
	g.Go(func() error {
		defer close(notificationsDone)
		return sess.Run(gctx)
	})

	var failed atomic.Bool
	g.Go(func() error {
		a.watchConnection(gctx, client, dbg, outbox, &failed)
		return nil
	})

	if a.cfg.MetricsAddr != "" && a.metrics != nil {
		g.Go(func() error {
			if err := a.metrics.Serve(gctx, a.cfg.MetricsAddr, a.logger.Named("metrics")); err != nil {
				a.logger.Warn("metrics server failed", zap.Error(err))
			}
			return nil
		})
	}

	if err := sess.Start(gctx); err != nil {
		a.logger.Error("session failed to start", zap.Error(err))
		outbox.Emit(protocol.Exception(err.Error(), "", 0))
		dbg.stop()
		_, _ = dbg.wait()
		sess.Terminate(intPtr(1))
		cancel()
		_ = g.Wait()
		_ = finish()
		return 1, err
	}

	commands := make(chan protocol.Command, commandBacklog)
	go a.readCommands(runCtx, commands, stop)
	g.Go(func() error {
		for {
			select {
			case cmd := <-commands:
				if a.metrics != nil {
					a.metrics.CommandReceived(string(cmd.Type()))
				}
				sess.Dispatch(gctx, cmd)
			case <-gctx.Done():
				return nil
			}
		}
	})

	code, waitErr := dbg.wait()

	select {
	case <-notificationsDone:
	case <-time.After(drainTimeout):
		a.logger.Debug("runtime notifications still open after exit")
	}

	exit := 0
	var termCode *int
	switch {
	case waitErr != nil:
		a.logger.Error("debuggee failed", zap.Error(waitErr))
		outbox.Emit(protocol.Exception(waitErr.Error(), "", 0))
		termCode, exit = intPtr(1), 1
	case failed.Load():
		termCode, exit = intPtr(1), 1
	case stopped.Load():
		termCode = nil
	case code == nil:
		// Ended by a signal nobody here sent.
		termCode, exit = nil, 1
	default:
		termCode, exit = code, *code
	}
	sess.Terminate(termCode)

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Debug("session goroutines ended", zap.Error(err))
	}
	if err := finish(); err != nil {
		return 1, fmt.Errorf("write events: %w", err)
	}

	if waitErr != nil {
		return exit, waitErr
	}
	return exit, nil
}

func (a *Adapter) entryMode() session.EntryMode {
	if a.cfg.Mode == ModeEmbedded {
		return session.EntryBreakpoint
	}
	return session.EntryPause
}

// readCommands feeds host commands to the dispatcher. End of input stops
// the debuggee.
func (a *Adapter) readCommands(ctx context.Context, commands chan<- protocol.Command, stop func()) {
	err := protocol.ReadCommands(ctx, a.in, a.logger.Named("host"), func(cmd protocol.Command) {
		select {
		case commands <- cmd:
		case <-ctx.Done():
		}
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		a.logger.Warn("reading host commands failed", zap.Error(err))
	} else {
		a.logger.Debug("host input closed")
	}
	stop()
}

// watchConnection ends the debuggee when its runtime connection drops while
// the debuggee keeps running.
func (a *Adapter) watchConnection(ctx context.Context, client *inspector.Client, dbg debuggee, events protocol.Emitter, failed *atomic.Bool) {
	select {
	case <-client.Done():
	case <-ctx.Done():
		return
	}
	cause := client.Err()
	if cause == nil {
		return
	}

	select {
	case <-dbg.exited():
		return
	case <-ctx.Done():
		return
	case <-time.After(lossGrace):
	}

	a.logger.Error("runtime connection lost", zap.Error(cause))
	failed.Store(true)
	events.Emit(protocol.Exception("runtime connection lost: "+cause.Error(), "", 0))
	dbg.stop()
}

func intPtr(v int) *int {
	return &v
}
