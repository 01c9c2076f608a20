package luahost

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/aivorynet/dbgbridge/pkg/inspector"
	lua "github.com/yuin/gopher-lua"
)

const previewEntries = 5

// objects holds the tables handed out as remote objects during one pause.
type objects struct {
	byID map[string]*lua.LTable
	ids  map[*lua.LTable]string
	next func() string
}

func newObjects(next func() string) *objects {
	return &objects{
		byID: make(map[string]*lua.LTable),
		ids:  make(map[*lua.LTable]string),
		next: next,
	}
}

func (o *objects) register(t *lua.LTable) string {
	if id, ok := o.ids[t]; ok {
		return id
	}
	id := o.next()
	o.byID[id] = t
	o.ids[t] = id
	return id
}

func (o *objects) lookup(id string) (*lua.LTable, bool) {
	t, ok := o.byID[id]
	return t, ok
}

// remoteObject describes a Lua value the way the inspector protocol does.
func (o *objects) remoteObject(v lua.LValue) inspector.RemoteObject {
	switch v := v.(type) {
	case *lua.LNilType:
		return inspector.RemoteObject{Type: "object", Subtype: "null", Value: json.RawMessage("null")}
	case lua.LBool:
		return inspector.RemoteObject{Type: "boolean", Value: rawJSON(bool(v)), Description: v.String()}
	case lua.LNumber:
		f := float64(v)
		switch {
		case math.IsNaN(f):
			return inspector.RemoteObject{Type: "number", UnserializableValue: "NaN", Description: "NaN"}
		case math.IsInf(f, 1):
			return inspector.RemoteObject{Type: "number", UnserializableValue: "Infinity", Description: "Infinity"}
		case math.IsInf(f, -1):
			return inspector.RemoteObject{Type: "number", UnserializableValue: "-Infinity", Description: "-Infinity"}
		}
		return inspector.RemoteObject{Type: "number", Value: rawJSON(f), Description: v.String()}
	case lua.LString:
		return inspector.RemoteObject{Type: "string", Value: rawJSON(string(v))}
	case *lua.LTable:
		return inspector.RemoteObject{
			Type:        "object",
			ClassName:   "table",
			Description: preview(v, true),
			ObjectID:    o.register(v),
		}
	case *lua.LFunction:
		return inspector.RemoteObject{Type: "function", ClassName: "Function", Description: v.String()}
	default:
		return inspector.RemoteObject{Type: "object", ClassName: v.Type().String(), Description: v.String()}
	}
}

// properties lists the entries of a table.
func (o *objects) properties(t *lua.LTable) []inspector.PropertyDescriptor {
	entries, _ := tableEntries(t)
	props := make([]inspector.PropertyDescriptor, 0, len(entries))
	for _, e := range entries {
		obj := o.remoteObject(e.value)
		props = append(props, inspector.PropertyDescriptor{Name: e.name, Value: &obj, IsOwn: true})
	}
	return props
}

type entry struct {
	name  string
	value lua.LValue
}

// tableEntries returns the array part in order followed by the remaining keys
// sorted by name, and the length of the array part.
func tableEntries(t *lua.LTable) ([]entry, int) {
	n := t.Len()
	var array, hash []entry
	t.ForEach(func(k, v lua.LValue) {
		if num, ok := k.(lua.LNumber); ok {
			if i := int(num); float64(i) == float64(num) && i >= 1 && i <= n {
				array = append(array, entry{name: strconv.Itoa(i), value: v})
				return
			}
			hash = append(hash, entry{name: "[" + num.String() + "]", value: v})
			return
		}
		if s, ok := k.(lua.LString); ok {
			hash = append(hash, entry{name: string(s), value: v})
			return
		}
		hash = append(hash, entry{name: "[" + k.String() + "]", value: v})
	})

	sort.Slice(array, func(i, j int) bool {
		a, _ := strconv.Atoi(array[i].name)
		b, _ := strconv.Atoi(array[j].name)
		return a < b
	})
	sort.Slice(hash, func(i, j int) bool { return hash[i].name < hash[j].name })
	return append(array, hash...), len(array)
}

// preview renders a short table literal such as {1, 2, x = "a"}. Nested
// tables render as {...}.
func preview(t *lua.LTable, top bool) string {
	if !top {
		return "{...}"
	}
	entries, n := tableEntries(t)

	parts := make([]string, 0, previewEntries+1)
	for i, e := range entries {
		if i == previewEntries {
			parts = append(parts, "...")
			break
		}
		val := previewValue(e.value)
		if i < n {
			parts = append(parts, val)
			continue
		}
		parts = append(parts, e.name+" = "+val)
	}
	if len(parts) == 0 {
		return "{}"
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func previewValue(v lua.LValue) string {
	switch v := v.(type) {
	case lua.LString:
		return strconv.Quote(string(v))
	case *lua.LTable:
		return preview(v, false)
	default:
		return v.String()
	}
}

func rawJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
