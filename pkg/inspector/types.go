package inspector

import "encoding/json"

// Methods of the inspector protocol subset used by the adapter.
const (
	MethodRuntimeEnable               = "Runtime.enable"
	MethodRuntimeRunIfWaiting         = "Runtime.runIfWaitingForDebugger"
	MethodRuntimeGetProperties        = "Runtime.getProperties"
	MethodDebuggerEnable              = "Debugger.enable"
	MethodDebuggerSetBreakpointByURL  = "Debugger.setBreakpointByUrl"
	MethodDebuggerRemoveBreakpoint    = "Debugger.removeBreakpoint"
	MethodDebuggerPause               = "Debugger.pause"
	MethodDebuggerResume              = "Debugger.resume"
	MethodDebuggerStepOver            = "Debugger.stepOver"
	MethodDebuggerStepInto            = "Debugger.stepInto"
	MethodDebuggerStepOut             = "Debugger.stepOut"
	MethodDebuggerEvaluateOnCallFrame = "Debugger.evaluateOnCallFrame"
)

// Notifications pushed by the runtime.
const (
	EventDebuggerPaused                   = "Debugger.paused"
	EventDebuggerResumed                  = "Debugger.resumed"
	EventDebuggerScriptParsed             = "Debugger.scriptParsed"
	EventRuntimeExceptionThrown           = "Runtime.exceptionThrown"
	EventRuntimeConsoleAPICalled          = "Runtime.consoleAPICalled"
	EventRuntimeExecutionContextDestroyed = "Runtime.executionContextDestroyed"
)

// Message is the envelope of every inspector message. Requests carry ID,
// Method and Params; responses carry ID and Result or Error; notifications
// carry Method and Params only.
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// ResponseError is an error reported by the runtime for a request.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Error returns the runtime's message verbatim.
func (e *ResponseError) Error() string {
	return e.Message
}

// Notification is a runtime-pushed event.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Location is a position in a parsed script. Lines and columns are 0-based.
type Location struct {
	ScriptID     string `json:"scriptId"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber,omitempty"`
}

// RemoteObject mirrors a runtime value.
type RemoteObject struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype,omitempty"`
	ClassName           string          `json:"className,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	Description         string          `json:"description,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
}

// Scope is one entry of a call frame's scope chain.
type Scope struct {
	Type   string       `json:"type"`
	Object RemoteObject `json:"object"`
	Name   string       `json:"name,omitempty"`
}

// CallFrame is one frame of a paused stack.
type CallFrame struct {
	CallFrameID  string   `json:"callFrameId"`
	FunctionName string   `json:"functionName"`
	Location     Location `json:"location"`
	URL          string   `json:"url,omitempty"`
	ScopeChain   []Scope  `json:"scopeChain"`
}

// PausedEvent is the payload of Debugger.paused.
type PausedEvent struct {
	CallFrames     []CallFrame `json:"callFrames"`
	Reason         string      `json:"reason"`
	HitBreakpoints []string    `json:"hitBreakpoints,omitempty"`
}

// ScriptParsedEvent is the payload of Debugger.scriptParsed.
type ScriptParsedEvent struct {
	ScriptID string `json:"scriptId"`
	URL      string `json:"url"`
}

// ExceptionDetails describes a thrown exception.
type ExceptionDetails struct {
	ExceptionID  int           `json:"exceptionId,omitempty"`
	Text         string        `json:"text"`
	LineNumber   int           `json:"lineNumber"`
	ColumnNumber int           `json:"columnNumber,omitempty"`
	ScriptID     string        `json:"scriptId,omitempty"`
	URL          string        `json:"url,omitempty"`
	Exception    *RemoteObject `json:"exception,omitempty"`
}

// ExceptionThrownEvent is the payload of Runtime.exceptionThrown.
type ExceptionThrownEvent struct {
	Timestamp        float64          `json:"timestamp,omitempty"`
	ExceptionDetails ExceptionDetails `json:"exceptionDetails"`
}

// ConsoleAPICalledEvent is the payload of Runtime.consoleAPICalled.
type ConsoleAPICalledEvent struct {
	Type string         `json:"type"`
	Args []RemoteObject `json:"args"`
}

// PropertyDescriptor is one property returned by Runtime.getProperties.
type PropertyDescriptor struct {
	Name  string        `json:"name"`
	Value *RemoteObject `json:"value,omitempty"`
	IsOwn bool          `json:"isOwn,omitempty"`
}

// SetBreakpointByURLParams are the parameters of Debugger.setBreakpointByUrl.
type SetBreakpointByURLParams struct {
	LineNumber   int    `json:"lineNumber"`
	URL          string `json:"url,omitempty"`
	ColumnNumber int    `json:"columnNumber,omitempty"`
	Condition    string `json:"condition,omitempty"`
}

// SetBreakpointByURLResult is the result of Debugger.setBreakpointByUrl.
type SetBreakpointByURLResult struct {
	BreakpointID string     `json:"breakpointId"`
	Locations    []Location `json:"locations"`
}

// RemoveBreakpointParams are the parameters of Debugger.removeBreakpoint.
type RemoveBreakpointParams struct {
	BreakpointID string `json:"breakpointId"`
}

// EvaluateOnCallFrameParams are the parameters of Debugger.evaluateOnCallFrame.
type EvaluateOnCallFrameParams struct {
	CallFrameID     string `json:"callFrameId"`
	Expression      string `json:"expression"`
	ObjectGroup     string `json:"objectGroup,omitempty"`
	GeneratePreview bool   `json:"generatePreview,omitempty"`
}

// EvaluateResult is the result of Debugger.evaluateOnCallFrame.
type EvaluateResult struct {
	Result           RemoteObject      `json:"result"`
	ExceptionDetails *ExceptionDetails `json:"exceptionDetails,omitempty"`
}

// GetPropertiesParams are the parameters of Runtime.getProperties.
type GetPropertiesParams struct {
	ObjectID      string `json:"objectId"`
	OwnProperties bool   `json:"ownProperties"`
}

// GetPropertiesResult is the result of Runtime.getProperties.
type GetPropertiesResult struct {
	Result           []PropertyDescriptor `json:"result"`
	ExceptionDetails *ExceptionDetails    `json:"exceptionDetails,omitempty"`
}
