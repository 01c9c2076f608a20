package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

const maxLineSize = 4 * 1024 * 1024

// Emitter accepts outbound events.
type Emitter interface {
	Emit(Event)
}

// Outbox is the outbound event queue. Producers call Emit from any goroutine;
// a single Run loop serializes the events to the host in the order they were
// queued.
type Outbox struct {
	queue   chan Event
	closing chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
	stopOnce  sync.Once

	logger  *zap.Logger
	onWrite func(Event)
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithLogger sets the logger used for write failures.
func WithLogger(logger *zap.Logger) OutboxOption {
	return func(o *Outbox) {
		o.logger = logger
	}
}

// WithWriteHook registers a function called after each event is written.
func WithWriteHook(fn func(Event)) OutboxOption {
	return func(o *Outbox) {
		o.onWrite = fn
	}
}

// NewOutbox creates an outbox with the given queue capacity.
func NewOutbox(capacity int, opts ...OutboxOption) *Outbox {
	o := &Outbox{
		queue:   make(chan Event, capacity),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Emit queues an event. It blocks while the queue is full and returns
// immediately once the writer has stopped.
func (o *Outbox) Emit(ev Event) {
	select {
	case o.queue <- ev:
	case <-o.stopped:
	}
}

// Close tells Run to write whatever is queued and return.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() {
		close(o.closing)
	})
}

// Run writes queued events to w, one JSON line each, flushing after every
// line. It returns after Close once the queue is drained, on a write error,
// or when ctx is done.
func (o *Outbox) Run(ctx context.Context, w io.Writer) error {
	defer o.stopOnce.Do(func() { close(o.stopped) })

	bw := bufio.NewWriter(w)
	for {
		select {
		case ev := <-o.queue:
			if err := o.write(bw, ev); err != nil {
				return err
			}
		case <-o.closing:
			for {
				select {
				case ev := <-o.queue:
					if err := o.write(bw, ev); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Outbox) write(bw *bufio.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		o.logger.Error("encode event", zap.String("event", ev.Name()), zap.Error(err))
		return nil
	}
	data = append(data, '\n')
	if _, err := bw.Write(data); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if o.onWrite != nil {
		o.onWrite(ev)
	}
	return nil
}

// ReadCommands decodes commands from r line by line and hands each to handle.
// Lines that do not decode, including lines longer than the size limit, are
// dropped. It returns nil at end of input.
func ReadCommands(ctx context.Context, r io.Reader, logger *zap.Logger, handle func(Command)) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, tooLong, readErr := readLine(br)
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case tooLong:
			logger.Debug("dropping oversized host line", zap.Int("limit", maxLineSize))
		case len(line) > 0:
			cmd, err := DecodeCommand(line)
			if err != nil {
				logger.Debug("dropping host line", zap.Error(err))
				break
			}
			handle(cmd)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}

// readLine returns the next line without its terminator. A line over
// maxLineSize is consumed up to its newline and reported as tooLong.
func readLine(br *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > maxLineSize+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimRight(line, "\r\n"), tooLong, err
	}
}
