// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package lua

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/shellbe/shellbe/internal/plugin/hostfunc"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

func buildEventTable(L *lua.LState, event pluginpkg.HookEvent) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "hook", lua.LString(string(event.Hook)))
	L.SetField(t, "session_id", lua.LString(event.SessionID))
	L.SetField(t, "timestamp", lua.LNumber(event.Timestamp.Unix()))
	L.SetField(t, "outcome", lua.LString(event.Outcome))
	L.SetField(t, "error", lua.LString(event.Error))
	L.SetField(t, "duration_ms", lua.LNumber(event.Duration.Milliseconds()))
	L.SetField(t, "plugin", lua.LString(event.Plugin))

	if p := event.Profile; p != nil {
		profile := L.NewTable()
		L.SetField(profile, "name", lua.LString(p.Name))
		L.SetField(profile, "host", lua.LString(p.Host))
		L.SetField(profile, "port", lua.LNumber(p.Port))
		L.SetField(profile, "user", lua.LString(p.User))
		L.SetField(profile, "auth_method", lua.LString(p.AuthMethod))
		L.SetField(t, "profile", profile)
	}
	return t
}

func renderOutput(v lua.LValue) (string, error) {
	switch v.Type() {
	case lua.LTNil:
		return "", nil
	case lua.LTString, lua.LTNumber, lua.LTBool:
		return v.String(), nil
	case lua.LTTable:
		data, err := json.MarshalIndent(hostfunc.ToGo(v), "", "  ")
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("on_command returned unsupported %s value", v.Type())
	}
}
