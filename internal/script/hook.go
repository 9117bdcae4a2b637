// Package script runs a user Lua function over every feature before it is
// written.
//
// The script defines a global process(feature). The feature table has id,
// type, geometry_type and properties fields; edits to properties are copied
// back. Returning false drops the feature. Helpers live in the global
// transforms table.
package script

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/geojson"
	lua "github.com/yuin/gopher-lua"
)

// Hook wraps one Lua state. It is not safe for concurrent use; create one per
// conversion.
type Hook struct {
	L       *lua.LState
	process lua.LValue
}

// Load runs the Lua file at path and returns its process hook
func Load(path string) (*Hook, error) {
	h := newHook()
	if err := h.L.DoFile(path); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to load Lua file: %w", err)
	}
	if err := h.bind(); err != nil {
		return nil, err
	}
	return h, nil
}

// LoadString runs Lua code and returns its process hook
func LoadString(code string) (*Hook, error) {
	h := newHook()
	if err := h.L.DoString(code); err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to load Lua code: %w", err)
	}
	if err := h.bind(); err != nil {
		return nil, err
	}
	return h, nil
}

func newHook() *Hook {
	h := &Hook{L: lua.NewState()}
	registerTransforms(h.L)
	return h
}

func (h *Hook) bind() error {
	fn := h.L.GetGlobal("process")
	if fn.Type() != lua.LTFunction {
		h.Close()
		return fmt.Errorf("script does not define a process(feature) function")
	}
	h.process = fn
	return nil
}

// Close releases the Lua state
func (h *Hook) Close() {
	h.L.Close()
}

// Apply runs process on f and rewrites f.Properties from the result. It
// reports false when the script dropped the feature.
func (h *Hook) Apply(f *geojson.Feature) (bool, error) {
	L := h.L
	props := L.CreateTable(0, len(f.Properties))
	for k, v := range f.Properties {
		props.RawSetString(k, toLua(v))
	}

	tbl := L.CreateTable(0, 4)
	tbl.RawSetString("id", lua.LString(fmt.Sprint(f.ID)))
	if t, ok := f.Properties["type"].(string); ok {
		tbl.RawSetString("type", lua.LString(t))
	}
	if f.Geometry != nil {
		tbl.RawSetString("geometry_type", lua.LString(f.Geometry.GeoJSONType()))
	}
	tbl.RawSetString("properties", props)

	if err := L.CallByParam(lua.P{
		Fn:      h.process,
		NRet:    1,
		Protect: true,
	}, tbl); err != nil {
		return false, fmt.Errorf("lua process error for %v: %w", f.ID, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	if ret == lua.LFalse {
		return false, nil
	}

	// the script may have replaced the properties table
	if p, ok := tbl.RawGetString("properties").(*lua.LTable); ok {
		props = p
	}
	h.copyBack(f, props)
	return true, nil
}

func (h *Hook) copyBack(f *geojson.Feature, props *lua.LTable) {
	if f.Properties == nil {
		f.Properties = make(geojson.Properties)
	}
	clear(f.Properties)

	props.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok {
			return
		}
		if val, ok := fromLua(v); ok {
			f.Properties[string(key)] = val
		}
	})
}

func toLua(v interface{}) lua.LValue {
	switch v := v.(type) {
	case string:
		return lua.LString(v)
	case bool:
		return lua.LBool(v)
	case float64:
		return lua.LNumber(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case nil:
		return lua.LNil
	}
	return lua.LString(fmt.Sprint(v))
}

// fromLua converts scalars and string arrays; other values are dropped
func fromLua(v lua.LValue) (interface{}, bool) {
	switch v := v.(type) {
	case lua.LString:
		return string(v), true
	case lua.LBool:
		return bool(v), true
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), true
		}
		return f, true
	case *lua.LTable:
		var out []string
		v.ForEach(func(_, item lua.LValue) {
			if s, ok := item.(lua.LString); ok {
				out = append(out, string(s))
			}
		})
		return out, len(out) > 0
	}
	return nil, false
}
