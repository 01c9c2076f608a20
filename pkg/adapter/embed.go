package adapter

import (
	"context"
	"errors"
	"sync"

	"github.com/aivorynet/dbgbridge/pkg/luahost"
	"github.com/aivorynet/dbgbridge/pkg/transport"
	"go.uber.org/zap"
)

// embedded runs a Lua debuggee inside the adapter. The session reaches it
// through an in-memory pipe.
type embedded struct {
	cfg    *Config
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
	code   *int
	err    error
	once   sync.Once
}

func newEmbedded(cfg *Config, logger *zap.Logger) *embedded {
	return &embedded{
		cfg:    cfg,
		logger: logger,
		cancel: func() {},
		done:   make(chan struct{}),
	}
}

// start loads the script and starts the host, which holds the script until
// the session releases it.
func (e *embedded) start(ctx context.Context) (transport.Transport, error) {
	client, hostSide := transport.Pipe()
	host, err := luahost.New(hostSide, e.cfg.Target, luahost.WithLogger(e.logger))
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go func() {
		code, err := host.Execute(runCtx)
		e.finish(code, err)
		// Lets the session see the end of the notification stream.
		_ = hostSide.Close()
	}()
	return client, nil
}

func (e *embedded) finish(code int, err error) {
	var scriptErr *luahost.ScriptError
	switch {
	case err == nil:
		e.code = &code
	case errors.As(err, &scriptErr):
		// Already reported to the session as an exception.
		e.logger.Debug("script failed", zap.Error(err))
		e.code = &code
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.logger.Debug("script aborted", zap.Error(err))
	default:
		e.err = err
	}
	close(e.done)
}

func (e *embedded) wait() (*int, error) {
	<-e.done
	return e.code, e.err
}

func (e *embedded) exited() <-chan struct{} {
	return e.done
}

func (e *embedded) stop() {
	e.once.Do(func() {
		e.logger.Debug("aborting script")
		e.cancel()
	})
}
