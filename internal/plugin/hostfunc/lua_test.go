// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package hostfunc_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/shellbe/shellbe/internal/plugin/hostfunc"
)

func newLuaState(t *testing.T, hf *hostfunc.Functions) *lua.LState {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	hf.Register(L, testPlugin)
	return L
}

func TestLua_Log(t *testing.T) {
	hf, _, _ := setup(t)
	L := newLuaState(t, hf)

	require.NoError(t, L.DoString(`shellbe.log("info", "hello")`))

	err := L.DoString(`shellbe.log("loud", "hello")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestLua_FilesRoundTrip(t *testing.T) {
	hf, _, dataDir := setup(t)
	L := newLuaState(t, hf)

	require.NoError(t, L.DoString(`
		assert(shellbe.write_file("a.txt", "one") == nil)
		assert(shellbe.append_file("a.txt", "two") == nil)
		local data, err = shellbe.read_file("a.txt")
		assert(err == nil, err)
		result = data
		local names = shellbe.list_dir()
		count = #names
	`))
	assert.Equal(t, "onetwo", L.GetGlobal("result").String())
	assert.Equal(t, lua.LNumber(1), L.GetGlobal("count"))

	data, err := os.ReadFile(filepath.Join(dataDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "onetwo", string(data))
}

func TestLua_MissingFileReturnsError(t *testing.T) {
	hf, _, _ := setup(t)
	L := newLuaState(t, hf)

	require.NoError(t, L.DoString(`data, err = shellbe.read_file("nope.txt")`))
	assert.Equal(t, lua.LNil, L.GetGlobal("data"))
	assert.NotEqual(t, lua.LNil, L.GetGlobal("err"))
}

func TestLua_ViolationRaises(t *testing.T) {
	hf, enforcer, _ := setup(t)
	L := newLuaState(t, hf)

	err := L.DoString(`shellbe.read_file("/etc/passwd")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capability violation")

	_, ok := enforcer.TakeViolation(testPlugin)
	assert.True(t, ok)
}

func TestLua_DataDirAndID(t *testing.T) {
	hf, _, dataDir := setup(t)
	L := newLuaState(t, hf)

	require.NoError(t, L.DoString(`dir = shellbe.data_dir(); id = shellbe.new_id(); ts = shellbe.now()`))
	assert.Equal(t, dataDir, L.GetGlobal("dir").String())
	assert.Len(t, L.GetGlobal("id").String(), 26)
	assert.Equal(t, lua.LTNumber, L.GetGlobal("ts").Type())
}

func TestLua_JSON(t *testing.T) {
	hf, _, _ := setup(t)
	L := newLuaState(t, hf)

	require.NoError(t, L.DoString(`
		encoded = shellbe.json_encode({work = 3, tags = {"a", "b"}})
		local decoded = shellbe.json_decode('{"count": 2, "hosts": ["x", "y"]}')
		count = decoded.count
		second = decoded.hosts[2]
		local bad, err = shellbe.json_decode("{")
		decode_failed = bad == nil and err ~= nil
	`))
	assert.JSONEq(t, `{"tags":["a","b"],"work":3}`, L.GetGlobal("encoded").String())
	assert.Equal(t, lua.LNumber(2), L.GetGlobal("count"))
	assert.Equal(t, "y", L.GetGlobal("second").String())
	assert.Equal(t, lua.LTrue, L.GetGlobal("decode_failed"))
}

func TestToGo_CyclicTable(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	require.NoError(t, L.DoString(`t = {name = "x"}; t.self = t`))
	got := hostfunc.ToGo(L.GetGlobal("t"))

	m, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "x", m["name"])
	assert.Nil(t, m["self"])
}

func TestToGo_Numbers(t *testing.T) {
	assert.Equal(t, int64(3), hostfunc.ToGo(lua.LNumber(3)))
	assert.InDelta(t, 1.5, hostfunc.ToGo(lua.LNumber(1.5)), 0)
}
