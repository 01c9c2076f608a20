package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Command
	}{
		{"continue", `{"type":"continue"}`, Continue{}},
		{"step over", `{"type":"step_over"}`, StepOver{}},
		{"step in", `{"type":"step_in"}`, StepIn{}},
		{"step out", `{"type":"step_out"}`, StepOut{}},
		{"stop", `{"type":"stop"}`, Stop{}},
		{
			"set breakpoints",
			`{"type":"set_breakpoints","breakpoints":[{"file":"main.py","line":5}]}`,
			SetBreakpoints{Breakpoints: []Location{{File: "main.py", Line: 5}}},
		},
		{
			"set breakpoints empty",
			`{"type":"set_breakpoints","breakpoints":[]}`,
			SetBreakpoints{Breakpoints: []Location{}},
		},
		{
			"add breakpoint single",
			`{"type":"add_breakpoint","file":"a.js","line":3}`,
			AddBreakpoint{Breakpoints: []Location{{File: "a.js", Line: 3}}},
		},
		{
			"add breakpoint list",
			`{"type":"add_breakpoint","breakpoints":[{"file":"a.js","line":3},{"file":"b.js","line":1}]}`,
			AddBreakpoint{Breakpoints: []Location{{File: "a.js", Line: 3}, {File: "b.js", Line: 1}}},
		},
		{
			"remove breakpoint",
			`{"type":"remove_breakpoint","file":"a.js","line":3}`,
			RemoveBreakpoint{Location: Location{File: "a.js", Line: 3}},
		},
		{"evaluate", `{"type":"evaluate","expr":"x+1"}`, Evaluate{Expr: "x+1"}},
		{"evaluate empty expr", `{"type":"evaluate","expr":""}`, Evaluate{Expr: ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"not json", `continue`, ErrMalformed},
		{"truncated", `{"type":"continue"`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"missing type", `{"expr":"x"}`, ErrMalformed},
		{"numeric type", `{"type":5}`, ErrMalformed},
		{"unknown type", `{"type":"restart"}`, ErrUnknownCommand},
		{"set without list", `{"type":"set_breakpoints"}`, ErrMalformed},
		{"zero line", `{"type":"add_breakpoint","file":"a.js","line":0}`, ErrMalformed},
		{"missing file", `{"type":"remove_breakpoint","line":2}`, ErrMalformed},
		{"string line", `{"type":"add_breakpoint","file":"a.js","line":"2"}`, ErrMalformed},
		{"evaluate without expr", `{"type":"evaluate"}`, ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(tt.line))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseLocations(t *testing.T) {
	locs, err := ParseLocations([]byte(`[{"file":"main.lua","line":4}]`))
	require.NoError(t, err)
	assert.Equal(t, []Location{{File: "main.lua", Line: 4}}, locs)

	_, err = ParseLocations([]byte(`{"file":"main.lua"}`))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestEventJSON(t *testing.T) {
	fn := "add"
	code := 0
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{
			"evaluate value",
			EvaluateValue("x+1", "42"),
			`{"event":"evaluate_result","body":{"expr":"x+1","value":"42"}}`,
		},
		{
			"evaluate error",
			EvaluateError("x", "not paused"),
			`{"event":"evaluate_result","body":{"expr":"x","error":"not paused"}}`,
		},
		{
			"breakpoints set",
			BreakpointsSet(),
			`{"event":"breakpoints_set","body":{"ok":true}}`,
		},
		{
			"terminated with code",
			Terminated(&code),
			`{"event":"terminated","body":{"code":0}}`,
		},
		{
			"terminated without code",
			Terminated(nil),
			`{"event":"terminated","body":{}}`,
		},
		{
			"exception without location",
			Exception("boom", "", 0),
			`{"event":"exception","body":{"message":"boom"}}`,
		},
		{
			"stopped",
			Stopped(StoppedBody{
				File:     "main.js",
				Line:     5,
				Function: &fn,
				Stack:    []Frame{{File: "main.js", Line: 5, Function: &fn}, {File: "main.js", Line: 9}},
				Locals:   map[string]string{"x": "41"},
			}),
			`{"event":"stopped","body":{"file":"main.js","line":5,"function":"add",` +
				`"stack":[{"file":"main.js","line":5,"function":"add"},{"file":"main.js","line":9,"function":null}],` +
				`"locals":{"x":"41"}}}`,
		},
		{
			"stopped empty",
			Stopped(StoppedBody{File: "main.js", Line: 1}),
			`{"event":"stopped","body":{"file":"main.js","line":1,"function":null,"stack":[],"locals":{}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.ev)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestOutboxPreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	var written []string
	out := NewOutbox(4, WithWriteHook(func(ev Event) { written = append(written, ev.Name()) }))

	done := make(chan error, 1)
	go func() { done <- out.Run(context.Background(), &buf) }()

	out.Emit(BreakpointsSet())
	for i := 0; i < 10; i++ {
		out.Emit(Output("line\n"))
	}
	out.Emit(Terminated(nil))
	out.Close()
	require.NoError(t, <-done)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 12)
	assert.JSONEq(t, `{"event":"breakpoints_set","body":{"ok":true}}`, lines[0])
	assert.JSONEq(t, `{"event":"terminated","body":{}}`, lines[11])
	assert.Len(t, written, 12)

	// Emitting after the writer stopped must not block.
	out.Emit(Output("late"))
}

func TestReadCommandsDropsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"continue"}`,
		`garbage`,
		``,
		`{"type":"nope"}`,
		`{"type":"evaluate","expr":"a"}`,
	}, "\n")

	var got []Command
	err := ReadCommands(context.Background(), strings.NewReader(input), nil, func(cmd Command) {
		got = append(got, cmd)
	})
	require.NoError(t, err)
	assert.Equal(t, []Command{Continue{}, Evaluate{Expr: "a"}}, got)
}

func TestReadCommandsSkipsOversizedLine(t *testing.T) {
	huge := `{"type":"evaluate","expr":"` + strings.Repeat("x", maxLineSize+1024) + `"}`
	input := huge + "\n" + `{"type":"continue"}` + "\r\n" + `{"type":"stop"}`

	var got []Command
	err := ReadCommands(context.Background(), strings.NewReader(input), nil, func(cmd Command) {
		got = append(got, cmd)
	})
	require.NoError(t, err)
	assert.Equal(t, []Command{Continue{}, Stop{}}, got)
}
