// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package hostfunc

import (
	"context"
	"encoding/json"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/shellbe/shellbe/internal/plugin/capability"
)

// LuaModule is the global table host functions are registered under.
const LuaModule = "shellbe"

// Register adds host functions to a Lua state as the global "shellbe" table.
//
// Functions that can fail return (value, err) or err, with err nil on
// success. A capability violation raises a Lua error instead, aborting the
// handler.
func (f *Functions) Register(ls *lua.LState, pluginName string) {
	mod := ls.NewTable()

	ls.SetField(mod, "log", ls.NewFunction(f.logFn(pluginName)))
	ls.SetField(mod, "new_id", ls.NewFunction(f.newIDFn()))
	ls.SetField(mod, "now", ls.NewFunction(f.nowFn()))
	ls.SetField(mod, "data_dir", ls.NewFunction(f.dataDirFn(pluginName)))
	ls.SetField(mod, "json_encode", ls.NewFunction(jsonEncodeFn))
	ls.SetField(mod, "json_decode", ls.NewFunction(jsonDecodeFn))

	ls.SetField(mod, "read_file", ls.NewFunction(f.readFileFn(pluginName)))
	ls.SetField(mod, "write_file", ls.NewFunction(f.writeFileFn(pluginName)))
	ls.SetField(mod, "append_file", ls.NewFunction(f.appendFileFn(pluginName)))
	ls.SetField(mod, "list_dir", ls.NewFunction(f.listDirFn(pluginName)))
	ls.SetField(mod, "http_get", ls.NewFunction(f.httpGetFn(pluginName)))

	ls.SetGlobal(LuaModule, mod)
}

// pushError pushes nil followed by an error string and returns 2.
func pushError(L *lua.LState, errMsg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(errMsg))
	return 2
}

// pushSuccess pushes a value followed by nil (no error) and returns 2.
func pushSuccess(L *lua.LState, value lua.LValue) int {
	L.Push(value)
	L.Push(lua.LNil)
	return 2
}

// raiseIfDenied aborts the running handler when err is a capability
// violation.
func raiseIfDenied(L *lua.LState, err error) {
	if oopsErr, ok := oops.AsOops(err); ok && oopsErr.Code() == capability.CodeViolation {
		L.RaiseError("%s", err.Error())
	}
}

func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (f *Functions) logFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)
		if err := f.Log(pluginName, level, message); err != nil {
			L.RaiseError("%s", err.Error())
		}
		return 0
	}
}

func (f *Functions) newIDFn() lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LString(f.NewID()))
		return 1
	}
}

func (f *Functions) nowFn() lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LNumber(f.Now().Unix()))
		return 1
	}
}

func (f *Functions) dataDirFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LString(f.DataDir(pluginName)))
		return 1
	}
}

func (f *Functions) readFileFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		path := L.CheckString(1)
		data, err := f.ReadFile(pluginName, path)
		if err != nil {
			raiseIfDenied(L, err)
			return pushError(L, err.Error())
		}
		return pushSuccess(L, lua.LString(data))
	}
}

func (f *Functions) writeFileFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		path := L.CheckString(1)
		data := L.CheckString(2)
		if err := f.WriteFile(pluginName, path, []byte(data)); err != nil {
			raiseIfDenied(L, err)
			L.Push(lua.LString(err.Error()))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}
}

func (f *Functions) appendFileFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		path := L.CheckString(1)
		data := L.CheckString(2)
		if err := f.AppendFile(pluginName, path, []byte(data)); err != nil {
			raiseIfDenied(L, err)
			L.Push(lua.LString(err.Error()))
			return 1
		}
		L.Push(lua.LNil)
		return 1
	}
}

func (f *Functions) listDirFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		path := L.OptString(1, ".")
		names, err := f.ListDir(pluginName, path)
		if err != nil {
			raiseIfDenied(L, err)
			return pushError(L, err.Error())
		}
		t := L.CreateTable(len(names), 0)
		for _, n := range names {
			t.Append(lua.LString(n))
		}
		return pushSuccess(L, t)
	}
}

func (f *Functions) httpGetFn(pluginName string) lua.LGFunction {
	return func(L *lua.LState) int {
		rawURL := L.CheckString(1)
		resp, err := f.HTTPGet(luaContext(L), pluginName, rawURL)
		if err != nil {
			raiseIfDenied(L, err)
			return pushError(L, err.Error())
		}
		t := L.NewTable()
		L.SetField(t, "status", lua.LNumber(resp.Status))
		L.SetField(t, "body", lua.LString(resp.Body))
		return pushSuccess(L, t)
	}
}

func jsonEncodeFn(L *lua.LState) int {
	v := ToGo(L.CheckAny(1))
	data, err := json.Marshal(v)
	if err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, lua.LString(data))
}

func jsonDecodeFn(L *lua.LState) int {
	var v any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		return pushError(L, err.Error())
	}
	return pushSuccess(L, ToLua(L, v))
}
