package protocol

import "encoding/json"

// Event names written to the host.
const (
	EventStopped        = "stopped"
	EventException      = "exception"
	EventEvaluateResult = "evaluate_result"
	EventBreakpointsSet = "breakpoints_set"
	EventOutput         = "output"
	EventTerminated     = "terminated"
)

// Body is the payload of an outbound event. The set of implementations is closed.
type Body interface {
	EventName() string
}

// Event is one outbound message.
type Event struct {
	Body Body
}

// Name returns the event name.
func (e Event) Name() string {
	if e.Body == nil {
		return ""
	}
	return e.Body.EventName()
}

// MarshalJSON renders the event as {"event": name, "body": {...}}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Body  Body   `json:"body"`
	}{
		Event: e.Name(),
		Body:  e.Body,
	})
}

// Frame is one entry of a stopped event's stack. Function is null for
// anonymous and top-level code.
type Frame struct {
	File     string  `json:"file"`
	Line     int     `json:"line"`
	Function *string `json:"function"`
}

// StoppedBody reports that execution paused.
type StoppedBody struct {
	File     string            `json:"file"`
	Line     int               `json:"line"`
	Function *string           `json:"function"`
	Stack    []Frame           `json:"stack"`
	Locals   map[string]string `json:"locals"`
}

// ExceptionBody reports an error thrown by the debuggee or a fatal adapter failure.
type ExceptionBody struct {
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// EvaluateResultBody answers an evaluate command. Exactly one of Value and
// Error is set.
type EvaluateResultBody struct {
	Expr  string  `json:"expr"`
	Value *string `json:"value,omitempty"`
	Error *string `json:"error,omitempty"`
}

// BreakpointsSetBody acknowledges a breakpoint mutation.
type BreakpointsSetBody struct {
	OK bool `json:"ok"`
}

// OutputBody carries debuggee output.
type OutputBody struct {
	Text string `json:"text"`
}

// TerminatedBody reports the end of the session.
type TerminatedBody struct {
	Code *int `json:"code,omitempty"`
}

func (StoppedBody) EventName() string        { return EventStopped }
func (ExceptionBody) EventName() string      { return EventException }
func (EvaluateResultBody) EventName() string { return EventEvaluateResult }
func (BreakpointsSetBody) EventName() string { return EventBreakpointsSet }
func (OutputBody) EventName() string         { return EventOutput }
func (TerminatedBody) EventName() string     { return EventTerminated }

// Stopped builds a stopped event.
func Stopped(body StoppedBody) Event {
	if body.Stack == nil {
		body.Stack = []Frame{}
	}
	if body.Locals == nil {
		body.Locals = map[string]string{}
	}
	return Event{Body: body}
}

// Exception builds an exception event.
func Exception(message, file string, line int) Event {
	return Event{Body: ExceptionBody{Message: message, File: file, Line: line}}
}

// EvaluateValue builds a successful evaluate_result event.
func EvaluateValue(expr, value string) Event {
	return Event{Body: EvaluateResultBody{Expr: expr, Value: &value}}
}

// EvaluateError builds a failed evaluate_result event.
func EvaluateError(expr, msg string) Event {
	return Event{Body: EvaluateResultBody{Expr: expr, Error: &msg}}
}

// BreakpointsSet builds the breakpoint acknowledgment.
func BreakpointsSet() Event {
	return Event{Body: BreakpointsSetBody{OK: true}}
}

// Output builds an output event.
func Output(text string) Event {
	return Event{Body: OutputBody{Text: text}}
}

// Terminated builds a terminated event. A nil code is omitted.
func Terminated(code *int) Event {
	return Event{Body: TerminatedBody{Code: code}}
}
