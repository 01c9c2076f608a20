// Package protocol implements the host-facing wire format of the adapter:
// one JSON object per line, commands inbound and events outbound.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformed is returned for lines that are not a JSON object with a string type.
	ErrMalformed = errors.New("malformed command")

	// ErrUnknownCommand is returned for a well-formed command with an unknown type.
	ErrUnknownCommand = errors.New("unknown command type")
)

// CommandType is the value of the "type" field of an inbound command.
type CommandType string

// Command types understood by the adapter.
const (
	TypeContinue         CommandType = "continue"
	TypeStepOver         CommandType = "step_over"
	TypeStepIn           CommandType = "step_in"
	TypeStepOut          CommandType = "step_out"
	TypeSetBreakpoints   CommandType = "set_breakpoints"
	TypeAddBreakpoint    CommandType = "add_breakpoint"
	TypeRemoveBreakpoint CommandType = "remove_breakpoint"
	TypeEvaluate         CommandType = "evaluate"
	TypeStop             CommandType = "stop"
)

// Location is a logical source position as the host sees it. Line is 1-based.
type Location struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// Command is an inbound host command. The set of implementations is closed.
type Command interface {
	Type() CommandType
	command()
}

// Continue resumes execution.
type Continue struct{}

// StepOver steps to the next line in the current frame.
type StepOver struct{}

// StepIn steps into the next call.
type StepIn struct{}

// StepOut runs until the current frame returns.
type StepOut struct{}

// SetBreakpoints replaces every breakpoint with the given list.
type SetBreakpoints struct {
	Breakpoints []Location
}

// AddBreakpoint adds breakpoints without touching existing ones.
type AddBreakpoint struct {
	Breakpoints []Location
}

// RemoveBreakpoint removes a single breakpoint.
type RemoveBreakpoint struct {
	Location
}

// Evaluate evaluates an expression on the innermost paused frame.
type Evaluate struct {
	Expr string
}

// Stop terminates the debuggee and ends the session.
type Stop struct{}

func (Continue) Type() CommandType         { return TypeContinue }
func (StepOver) Type() CommandType         { return TypeStepOver }
func (StepIn) Type() CommandType           { return TypeStepIn }
func (StepOut) Type() CommandType          { return TypeStepOut }
func (SetBreakpoints) Type() CommandType   { return TypeSetBreakpoints }
func (AddBreakpoint) Type() CommandType    { return TypeAddBreakpoint }
func (RemoveBreakpoint) Type() CommandType { return TypeRemoveBreakpoint }
func (Evaluate) Type() CommandType         { return TypeEvaluate }
func (Stop) Type() CommandType             { return TypeStop }

func (Continue) command()         {}
func (StepOver) command()         {}
func (StepIn) command()           {}
func (StepOut) command()          {}
func (SetBreakpoints) command()   {}
func (AddBreakpoint) command()    {}
func (RemoveBreakpoint) command() {}
func (Evaluate) command()         {}
func (Stop) command()             {}

// wireCommand is the union of every field a command line may carry.
type wireCommand struct {
	Breakpoints []Location `json:"breakpoints"`
	File        string     `json:"file"`
	Line        int        `json:"line"`
	Expr        *string    `json:"expr"`
}

// DecodeCommand parses one line into a Command.
func DecodeCommand(line []byte) (Command, error) {
	if !gjson.ValidBytes(line) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return nil, ErrMalformed
	}
	typ := root.Get("type")
	if typ.Type != gjson.String {
		return nil, ErrMalformed
	}

	var wc wireCommand
	if err := json.Unmarshal(line, &wc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch CommandType(typ.String()) {
	case TypeContinue:
		return Continue{}, nil
	case TypeStepOver:
		return StepOver{}, nil
	case TypeStepIn:
		return StepIn{}, nil
	case TypeStepOut:
		return StepOut{}, nil
	case TypeStop:
		return Stop{}, nil
	case TypeSetBreakpoints:
		if !root.Get("breakpoints").IsArray() {
			return nil, fmt.Errorf("%w: set_breakpoints requires breakpoints", ErrMalformed)
		}
		locs, err := validLocations(wc.Breakpoints)
		if err != nil {
			return nil, err
		}
		return SetBreakpoints{Breakpoints: locs}, nil
	case TypeAddBreakpoint:
		if root.Get("breakpoints").IsArray() {
			locs, err := validLocations(wc.Breakpoints)
			if err != nil {
				return nil, err
			}
			return AddBreakpoint{Breakpoints: locs}, nil
		}
		loc := Location{File: wc.File, Line: wc.Line}
		if err := validateLocation(loc); err != nil {
			return nil, err
		}
		return AddBreakpoint{Breakpoints: []Location{loc}}, nil
	case TypeRemoveBreakpoint:
		loc := Location{File: wc.File, Line: wc.Line}
		if err := validateLocation(loc); err != nil {
			return nil, err
		}
		return RemoveBreakpoint{Location: loc}, nil
	case TypeEvaluate:
		if wc.Expr == nil {
			return nil, fmt.Errorf("%w: evaluate requires expr", ErrMalformed)
		}
		return Evaluate{Expr: *wc.Expr}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, typ.String())
	}
}

func validLocations(locs []Location) ([]Location, error) {
	out := make([]Location, 0, len(locs))
	for _, loc := range locs {
		if err := validateLocation(loc); err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, nil
}

func validateLocation(loc Location) error {
	if loc.File == "" || loc.Line < 1 {
		return fmt.Errorf("%w: invalid location %s:%d", ErrMalformed, loc.File, loc.Line)
	}
	return nil
}

// ParseLocations decodes a JSON array of {file, line} objects, as used for the
// out-of-band initial breakpoint set.
func ParseLocations(data []byte) ([]Location, error) {
	var locs []Location
	if err := json.Unmarshal(data, &locs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return validLocations(locs)
}
