// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin

import (
	"context"
	"errors"
	"sort"
	"sync"

	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

// Registry indexes loaded sandboxes by plugin name and manifest path.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Sandbox
	byPath map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Sandbox),
		byPath: make(map[string]string),
	}
}

// Add registers sb. It fails with PLUGIN_EXISTS if another manifest already
// claims the name.
func (r *Registry) Add(sb *Sandbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[sb.Name()]; ok && existing != sb {
		return ErrExists(sb.Name(), existing.Path())
	}
	r.byName[sb.Name()] = sb
	r.byPath[sb.Path()] = sb.Name()
	return nil
}

// Remove unregisters name and returns its sandbox without closing it.
func (r *Registry) Remove(name string) (*Sandbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sb, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	delete(r.byName, name)
	delete(r.byPath, sb.Path())
	return sb, true
}

// Get returns the sandbox for name.
func (r *Registry) Get(name string) (*Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.byName[name]
	return sb, ok
}

// ByPath returns the sandbox loaded from a manifest path.
func (r *Registry) ByPath(path string) (*Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byPath[path]
	if !ok {
		return nil, false
	}
	return r.byName[name], true
}

// List returns all sandboxes sorted by name.
func (r *Registry) List() []*Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Sandbox, 0, len(r.byName))
	for _, sb := range r.byName {
		out = append(out, sb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Subscribers returns the non-degraded sandboxes subscribed to hook.
func (r *Registry) Subscribers(hook pluginpkg.Hook) []*Sandbox {
	var out []*Sandbox
	for _, sb := range r.List() {
		if _, degraded := sb.Degraded(); degraded {
			continue
		}
		if sb.Manifest().Subscribes(hook) {
			out = append(out, sb)
		}
	}
	return out
}

// Close closes and removes every sandbox.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Sandbox, 0, len(r.byName))
	for _, sb := range r.byName {
		all = append(all, sb)
	}
	clear(r.byName)
	clear(r.byPath)
	r.mu.Unlock()

	var errs []error
	for _, sb := range all {
		if err := sb.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
