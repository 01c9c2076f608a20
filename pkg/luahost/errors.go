package luahost

import (
	"errors"
	"fmt"
)

var (
	// ErrNotPaused is answered to requests that need a paused script.
	ErrNotPaused = errors.New("can only perform operation while paused")

	// ErrObjectNotFound is answered to property requests for stale object ids.
	ErrObjectNotFound = errors.New("could not find object with given id")
)

// ScriptError is returned by Execute when the script raised an error it did
// not catch. The error has already been reported as Runtime.exceptionThrown.
type ScriptError struct {
	Message string
	Line    int
}

func (e *ScriptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("script error at line %d: %s", e.Line, e.Message)
	}
	return "script error: " + e.Message
}
