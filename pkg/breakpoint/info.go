// Package breakpoint keeps track of the breakpoints installed in the runtime.
package breakpoint

import (
	"fmt"
	"time"
)

// Location is the logical identity of a breakpoint. Line is 1-based.
type Location struct {
	File string
	Line int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Info represents an installed breakpoint.
type Info struct {
	ID        string
	File      string
	Line      int
	CreatedAt time.Time
}

// Location returns the breakpoint's logical identity.
func (i Info) Location() Location {
	return Location{File: i.File, Line: i.Line}
}
