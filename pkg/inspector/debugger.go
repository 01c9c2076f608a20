package inspector

import (
	"context"
	"encoding/json"
	"fmt"
)

// EnableRuntime sends Runtime.enable.
func (c *Client) EnableRuntime(ctx context.Context) error {
	return c.Call(ctx, MethodRuntimeEnable, nil, nil)
}

// EnableDebugger sends Debugger.enable.
func (c *Client) EnableDebugger(ctx context.Context) error {
	return c.Call(ctx, MethodDebuggerEnable, nil, nil)
}

// RunIfWaitingForDebugger releases a runtime that was started paused.
func (c *Client) RunIfWaitingForDebugger(ctx context.Context) error {
	return c.Call(ctx, MethodRuntimeRunIfWaiting, nil, nil)
}

// SetBreakpointByURL installs a breakpoint at a 0-based line of the script
// with the given URL and returns the runtime's breakpoint id.
func (c *Client) SetBreakpointByURL(ctx context.Context, url string, line int) (string, error) {
	var result SetBreakpointByURLResult
	params := SetBreakpointByURLParams{URL: url, LineNumber: line}
	if err := c.Call(ctx, MethodDebuggerSetBreakpointByURL, params, &result); err != nil {
		return "", err
	}
	if result.BreakpointID == "" {
		return "", fmt.Errorf("%s: empty breakpoint id", MethodDebuggerSetBreakpointByURL)
	}
	return result.BreakpointID, nil
}

// RemoveBreakpoint removes a breakpoint by runtime id.
func (c *Client) RemoveBreakpoint(ctx context.Context, id string) error {
	return c.Call(ctx, MethodDebuggerRemoveBreakpoint, RemoveBreakpointParams{BreakpointID: id}, nil)
}

// GetProperties lists the own properties of a remote object.
func (c *Client) GetProperties(ctx context.Context, objectID string) ([]PropertyDescriptor, error) {
	var result GetPropertiesResult
	params := GetPropertiesParams{ObjectID: objectID, OwnProperties: true}
	if err := c.Call(ctx, MethodRuntimeGetProperties, params, &result); err != nil {
		return nil, err
	}
	return result.Result, nil
}

// Execution control commands are fire-and-forget: the adapter learns the
// outcome from the next Debugger.paused or the connection closing.

// Resume sends Debugger.resume without waiting.
func (c *Client) Resume() (*Call, error) {
	return c.Send(MethodDebuggerResume, nil)
}

// StepOver sends Debugger.stepOver without waiting.
func (c *Client) StepOver() (*Call, error) {
	return c.Send(MethodDebuggerStepOver, nil)
}

// StepInto sends Debugger.stepInto without waiting.
func (c *Client) StepInto() (*Call, error) {
	return c.Send(MethodDebuggerStepInto, nil)
}

// StepOut sends Debugger.stepOut without waiting.
func (c *Client) StepOut() (*Call, error) {
	return c.Send(MethodDebuggerStepOut, nil)
}

// Pause sends Debugger.pause without waiting.
func (c *Client) Pause() (*Call, error) {
	return c.Send(MethodDebuggerPause, nil)
}

// EvaluateOnCallFrame sends Debugger.evaluateOnCallFrame without waiting. The
// caller decodes the result with DecodeEvaluateResult.
func (c *Client) EvaluateOnCallFrame(frameID, expression string) (*Call, error) {
	return c.Send(MethodDebuggerEvaluateOnCallFrame, EvaluateOnCallFrameParams{
		CallFrameID: frameID,
		Expression:  expression,
		ObjectGroup: "dbgbridge",
	})
}

// DecodeEvaluateResult decodes a Debugger.evaluateOnCallFrame result.
func DecodeEvaluateResult(raw json.RawMessage) (*EvaluateResult, error) {
	var result EvaluateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode evaluate result: %w", err)
	}
	return &result, nil
}

// DecodeParams decodes a notification payload.
func DecodeParams(n Notification, out interface{}) error {
	if len(n.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Params, out); err != nil {
		return fmt.Errorf("decode %s: %w", n.Method, err)
	}
	return nil
}
