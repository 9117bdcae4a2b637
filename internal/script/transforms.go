package script

import (
	"regexp"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// registerTransforms installs the global transforms table
func registerTransforms(L *lua.LState) {
	t := L.NewTable()
	L.SetField(t, "trim", L.NewFunction(luaTrim))
	L.SetField(t, "lower", L.NewFunction(luaLower))
	L.SetField(t, "upper", L.NewFunction(luaUpper))
	L.SetField(t, "clean_spaces", L.NewFunction(luaCleanSpaces))
	L.SetField(t, "parse_int", L.NewFunction(luaParseInt))
	L.SetField(t, "parse_bool", L.NewFunction(luaParseBool))
	L.SetField(t, "get_name", L.NewFunction(luaGetName))
	L.SetField(t, "split", L.NewFunction(luaSplit))
	L.SetGlobal("transforms", t)
}

func luaTrim(L *lua.LState) int {
	L.Push(lua.LString(strings.TrimSpace(L.CheckString(1))))
	return 1
}

func luaLower(L *lua.LState) int {
	L.Push(lua.LString(strings.ToLower(L.CheckString(1))))
	return 1
}

func luaUpper(L *lua.LState) int {
	L.Push(lua.LString(strings.ToUpper(L.CheckString(1))))
	return 1
}

// luaCleanSpaces collapses runs of whitespace and trims
func luaCleanSpaces(L *lua.LState) int {
	s := whitespaceRegex.ReplaceAllString(L.CheckString(1), " ")
	L.Push(lua.LString(strings.TrimSpace(s)))
	return 1
}

// luaParseInt parses an integer, truncating decimals, with an optional default
func luaParseInt(L *lua.LState) int {
	s := strings.TrimSpace(L.CheckString(1))
	def := L.OptInt64(2, 0)

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		L.Push(lua.LNumber(v))
	} else if f, err := strconv.ParseFloat(s, 64); err == nil {
		L.Push(lua.LNumber(int64(f)))
	} else {
		L.Push(lua.LNumber(def))
	}
	return 1
}

// luaParseBool treats yes/true/1/on and any other non-empty value except
// no/false/0/off as true
func luaParseBool(L *lua.LState) int {
	switch strings.ToLower(strings.TrimSpace(L.CheckString(1))) {
	case "no", "false", "0", "off", "":
		L.Push(lua.LFalse)
	default:
		L.Push(lua.LTrue)
	}
	return 1
}

// luaGetName returns name, int_name or name:en, whichever is set first
func luaGetName(L *lua.LState) int {
	tags := L.CheckTable(1)
	for _, key := range []string{"name", "int_name", "name:en"} {
		if s := lua.LVAsString(L.GetField(tags, key)); s != "" {
			L.Push(lua.LString(s))
			return 1
		}
	}
	L.Push(lua.LNil)
	return 1
}

// luaSplit splits an OSM multi-value string ("a;b") into a trimmed list
func luaSplit(L *lua.LState) int {
	sep := L.OptString(2, ";")
	out := L.NewTable()
	for _, part := range strings.Split(L.CheckString(1), sep) {
		if part = strings.TrimSpace(part); part != "" {
			out.Append(lua.LString(part))
		}
	}
	L.Push(out)
	return 1
}
