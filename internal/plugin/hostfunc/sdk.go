// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package hostfunc

import (
	"context"

	"github.com/shellbe/shellbe/pkg/pluginsdk"
)

// For binds the host functions to one plugin and one call, in the shape
// binary plugins reach over RPC.
func (f *Functions) For(ctx context.Context, plugin string) pluginsdk.Host {
	return &boundHost{f: f, ctx: ctx, plugin: plugin}
}

type boundHost struct {
	f      *Functions
	ctx    context.Context
	plugin string
}

var _ pluginsdk.Host = (*boundHost)(nil)

func (h *boundHost) Log(level, message string) error {
	return h.f.Log(h.plugin, level, message)
}

func (h *boundHost) ReadFile(path string) ([]byte, error) {
	return h.f.ReadFile(h.plugin, path)
}

func (h *boundHost) WriteFile(path string, data []byte) error {
	return h.f.WriteFile(h.plugin, path, data)
}

func (h *boundHost) AppendFile(path string, data []byte) error {
	return h.f.AppendFile(h.plugin, path, data)
}

func (h *boundHost) ListDir(path string) ([]string, error) {
	return h.f.ListDir(h.plugin, path)
}

func (h *boundHost) HTTPGet(url string) (pluginsdk.HTTPResponse, error) {
	return h.f.HTTPGet(h.ctx, h.plugin, url)
}

func (h *boundHost) DataDir() (string, error) {
	return h.f.DataDir(h.plugin), nil
}
