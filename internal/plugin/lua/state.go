// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package lua provides a sandboxed Lua runtime for plugin execution.
package lua

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Value stack sizing. A registry slot holds one LValue interface value.
const (
	slotBytes             = 16
	defaultRegistryMax    = 256 * 1024
	defaultCallStackSize  = 200
	minRegistrySize       = 1024
	bytesPerMB            = 1 << 20
	callFramesPerMB       = 64
	maxCallStackSize      = 4096
	registryGrowStepSlots = 64
)

// safeLibrary represents a Lua library that is safe to load in sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// defaultSafeLibraries returns the list of libraries safe to load.
// Safe: base, table, string, math.
// Blocked: os, io, debug, package, coroutine, channel.
func defaultSafeLibraries() []safeLibrary {
	return []safeLibrary{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// StateFactory creates sandboxed Lua states with only safe libraries.
type StateFactory struct {
	// libraries allows overriding the default safe libraries for testing.
	libraries []safeLibrary
}

// NewStateFactory creates a new state factory.
func NewStateFactory() *StateFactory {
	return &StateFactory{
		libraries: defaultSafeLibraries(),
	}
}

// unsafeBaseFunctions lists base library functions that must be blocked.
// They load code from the filesystem or from strings outside the verified
// artifact.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load", "require", "module"}

// stateOptions derives gopher-lua limits from a memory ceiling in MiB.
// Only the value stack and call depth are bounded; heap held by tables is
// not.
func stateOptions(maxMemoryMB int) lua.Options {
	opts := lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       defaultCallStackSize,
		RegistrySize:        minRegistrySize,
		RegistryMaxSize:     defaultRegistryMax,
		RegistryGrowStep:    registryGrowStepSlots,
		MinimizeStackMemory: true,
	}
	if maxMemoryMB <= 0 {
		return opts
	}
	opts.RegistryMaxSize = maxMemoryMB * bytesPerMB / slotBytes
	if opts.RegistryMaxSize < minRegistrySize {
		opts.RegistryMaxSize = minRegistrySize
	}
	opts.CallStackSize = min(maxMemoryMB*callFramesPerMB, maxCallStackSize)
	return opts
}

// NewState creates a fresh Lua state with only safe libraries loaded and the
// value stack capped according to maxMemoryMB (0 means the default cap).
// The state is bound to ctx, so a cancelled or expired context aborts any
// running Lua code.
func (f *StateFactory) NewState(ctx context.Context, maxMemoryMB int) (*lua.LState, error) {
	L := lua.NewState(stateOptions(maxMemoryMB))

	for _, lib := range f.libraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open library %s: %w", lib.name, err)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	if ctx != nil {
		L.SetContext(ctx)
	}
	return L, nil
}
