// Package capture reconstructs a readable pause state (stack frames and local
// variables) from inspector call frames and remote objects.
package capture

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aivorynet/dbgbridge/pkg/inspector"
	"go.uber.org/zap"
)

// StackFrame is one frame of a paused stack. Line is 1-based; Function is nil
// for anonymous and top-level code.
type StackFrame struct {
	File     string  `json:"file"`
	Line     int     `json:"line"`
	Function *string `json:"function"`
}

// PropertyFetcher lists the own properties of a remote object.
type PropertyFetcher interface {
	GetProperties(ctx context.Context, objectID string) ([]inspector.PropertyDescriptor, error)
}

// variableScopes are the scope kinds that hold the frame's variables. Global
// and script-wrapper scopes are left out.
var variableScopes = map[string]bool{
	"local":   true,
	"closure": true,
	"block":   true,
	"catch":   true,
	"with":    true,
}

// IsVariableScope reports whether a scope of the given kind contributes locals.
func IsVariableScope(kind string) bool {
	return variableScopes[kind]
}

// FunctionName returns nil for an empty name.
func FunctionName(name string) *string {
	if name == "" {
		return nil
	}
	return &name
}

// BuildStack converts call frames, innermost first, into stack frames.
// fileOf maps a frame to the file name reported to the host.
func BuildStack(frames []inspector.CallFrame, fileOf func(inspector.CallFrame) string) []StackFrame {
	stack := make([]StackFrame, 0, len(frames))
	for _, f := range frames {
		stack = append(stack, StackFrame{
			File:     fileOf(f),
			Line:     f.Location.LineNumber + 1,
			Function: FunctionName(f.FunctionName),
		})
	}
	return stack
}

// CollectLocals walks a scope chain, innermost first, and stringifies the own
// properties of every variable-holding scope. A name seen in an inner scope
// shadows the same name further out. Scopes that cannot be fetched are skipped.
func CollectLocals(ctx context.Context, fetcher PropertyFetcher, chain []inspector.Scope, logger *zap.Logger) map[string]string {
	locals := make(map[string]string)
	for _, scope := range chain {
		if !IsVariableScope(scope.Type) || scope.Object.ObjectID == "" {
			continue
		}

		props, err := fetcher.GetProperties(ctx, scope.Object.ObjectID)
		if err != nil {
			if logger != nil {
				logger.Debug("scope unavailable", zap.String("scope", scope.Type), zap.Error(err))
			}
			continue
		}

		for _, p := range props {
			if _, seen := locals[p.Name]; seen {
				continue
			}
			if p.Value == nil {
				locals[p.Name] = "undefined"
				continue
			}
			locals[p.Name] = Stringify(*p.Value)
		}
	}
	return locals
}

// Stringify renders a remote object as display text. Primitives render as
// their literal text, undefined and null as sentinels, and objects as the
// runtime's description falling back to the class name.
func Stringify(obj inspector.RemoteObject) string {
	switch obj.Type {
	case "undefined":
		return "undefined"
	case "string":
		var s string
		if err := json.Unmarshal(obj.Value, &s); err == nil {
			return s
		}
		return obj.Description
	case "number", "boolean", "bigint":
		if obj.UnserializableValue != "" {
			return obj.UnserializableValue
		}
		if len(obj.Value) > 0 {
			return strings.TrimSpace(string(obj.Value))
		}
		return obj.Description
	}

	if obj.Subtype == "null" {
		return "null"
	}
	if obj.Description != "" {
		return obj.Description
	}
	if obj.ClassName != "" {
		return obj.ClassName
	}
	return obj.Type
}
