package decoder

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// luaHost evaluates Lua decoders on a gopher-lua state. Only the base,
// table, string, and math libraries are opened; the file- and OS-touching
// entry points of the base library are removed.
type luaHost struct {
	mu    sync.Mutex
	state *lua.LState
	parse *lua.LFunction
}

func newLuaHost(source string) (*luaHost, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, g := range []string{"dofile", "loadfile", "load", "print"} {
		L.SetGlobal(g, lua.LNil)
	}

	if err := L.DoString(source); err != nil {
		L.Close()
		return nil, fmt.Errorf("decoder script compile failed: %w", err)
	}

	fn, ok := L.GetGlobal("parse").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, ErrNoParseFunction
	}
	return &luaHost{state: L, parse: fn}, nil
}

func (h *luaHost) Parse(payload string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.state.CallByParam(lua.P{Fn: h.parse, NRet: 1, Protect: true}, lua.LString(payload)); err != nil {
		return nil, fmt.Errorf("parse threw: %w", err)
	}
	ret := h.state.Get(-1)
	h.state.Pop(1)

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("parse returned %s, want a table", ret.Type())
	}
	out := make([]string, 0, tbl.Len())
	for i := 1; i <= tbl.Len(); i++ {
		out = append(out, lua.LVAsString(tbl.RawGetInt(i)))
	}
	return out, nil
}

func (h *luaHost) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Close()
}
