package luahost

import (
	"math"
	"strings"
	"testing"

	"github.com/aivorynet/dbgbridge/pkg/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func TestInstrumentHooksStatementLines(t *testing.T) {
	src := `local x = 1
-- comment
local t = {
  a = 1,
}
local function add(a, b)
  return a + b
end
if x then
  print(add(x, 2))
end
`
	out, lines, err := Instrument(src, "main.lua")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 6, 7, 9, 10}, lines)

	got := strings.Split(out, "\n")
	want := strings.Split(src, "\n")
	require.Len(t, got, len(want))
	assert.Equal(t, "__dbg_line(1); local x = 1", got[0])
	assert.Equal(t, "-- comment", got[1])
	assert.Equal(t, "  a = 1,", got[3])
	assert.Equal(t, "  __dbg_line(7); return a + b", got[6])
	assert.Equal(t, "end", got[7])
}

func TestInstrumentSkipsContinuationLines(t *testing.T) {
	src := `local s = "a" ..
  "b"
local n = f(1,
  g(2))
`
	_, lines, err := Instrument(src, "main.lua")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, lines)
}

func TestInstrumentSyntaxError(t *testing.T) {
	_, _, err := Instrument("local = 1\n", "bad.lua")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.lua")
}

func TestRemoteObjects(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	n := 0
	objs := newObjects(func() string {
		n++
		return "obj-" + string(rune('0'+n))
	})

	tests := []struct {
		name  string
		value lua.LValue
		want  string
	}{
		{"nil", lua.LNil, "null"},
		{"true", lua.LTrue, "true"},
		{"integer", lua.LNumber(42), "42"},
		{"fraction", lua.LNumber(1.5), "1.5"},
		{"nan", lua.LNumber(math.NaN()), "NaN"},
		{"inf", lua.LNumber(math.Inf(-1)), "-Infinity"},
		{"string", lua.LString("hi"), "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, capture.Stringify(objs.remoteObject(tt.value)))
		})
	}

	tbl := L.NewTable()
	tbl.Append(lua.LNumber(1))
	tbl.Append(lua.LString("two"))
	tbl.RawSetString("k", L.NewTable())
	obj := objs.remoteObject(tbl)
	assert.Equal(t, `{1, "two", k = {...}}`, capture.Stringify(obj))
	assert.Equal(t, "obj-1", obj.ObjectID)
	assert.Equal(t, "obj-1", objs.remoteObject(tbl).ObjectID)

	found, ok := objs.lookup("obj-1")
	require.True(t, ok)
	props := objs.properties(found)
	require.Len(t, props, 3)
	assert.Equal(t, []string{"1", "2", "k"}, []string{props[0].Name, props[1].Name, props[2].Name})
}

func TestPreviewTruncates(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	for i := 1; i <= 7; i++ {
		tbl.Append(lua.LNumber(i))
	}
	assert.Equal(t, "{1, 2, 3, 4, 5, ...}", preview(tbl, true))
	assert.Equal(t, "{}", preview(L.NewTable(), true))
}
