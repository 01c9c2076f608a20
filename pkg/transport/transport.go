// Package transport carries runtime debugging protocol messages between the
// adapter and the debuggee's runtime.
package transport

import "errors"

// ErrClosed is returned by Send and Receive once the transport is closed.
var ErrClosed = errors.New("transport closed")

// Transport is a duplex, message-oriented connection to a runtime's
// debugging interface. Each message is one complete JSON document.
//
// Send may be called from multiple goroutines. Receive is called from a
// single reader goroutine.
type Transport interface {
	Send(msg []byte) error
	Receive() ([]byte, error)
	Close() error
}
