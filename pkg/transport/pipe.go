package transport

import "sync"

const pipeCapacity = 256

type pipeShared struct {
	done      chan struct{}
	closeOnce sync.Once
}

// PipeEnd is one side of an in-memory Transport pair.
type PipeEnd struct {
	shared *pipeShared
	in     chan []byte
	out    chan []byte
}

// Pipe returns two connected in-memory transports. Messages sent on one end
// are received on the other in order. Closing either end closes both; each
// side can still receive what was sent to it before the close.
func Pipe() (*PipeEnd, *PipeEnd) {
	shared := &pipeShared{done: make(chan struct{})}
	ab := make(chan []byte, pipeCapacity)
	ba := make(chan []byte, pipeCapacity)
	return &PipeEnd{shared: shared, in: ba, out: ab},
		&PipeEnd{shared: shared, in: ab, out: ba}
}

// Send delivers a copy of msg to the other end.
func (p *PipeEnd) Send(msg []byte) error {
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}

	buf := make([]byte, len(msg))
	copy(buf, msg)

	select {
	case p.out <- buf:
		return nil
	case <-p.shared.done:
		return ErrClosed
	}
}

// Receive returns the next message sent by the other end.
func (p *PipeEnd) Receive() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.shared.done:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	}
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.shared.closeOnce.Do(func() {
		close(p.shared.done)
	})
	return nil
}

// Done is closed once either end has been closed.
func (p *PipeEnd) Done() <-chan struct{} {
	return p.shared.done
}
