// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package capability provides runtime capability enforcement for plugins.
//
// Filesystem grants are path globs compiled with '/' as the separator:
//   - '*' matches within one path segment
//   - '**' matches across segments
//
// Network grants are "host:port" globs compiled with '.' as the separator, so
// "*.example.com:443" matches "api.example.com:443" but not
// "a.b.example.com:443".
//
// A write grant implies read access to the same pattern.
package capability

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Access is the kind of operation a host function performs.
type Access string

// Access kinds.
const (
	AccessRead    Access = "read"
	AccessWrite   Access = "write"
	AccessNetwork Access = "network"
)

// PathGrant is one filesystem allowlist entry.
type PathGrant struct {
	Path  string `yaml:"path" json:"path" jsonschema:"description=Absolute path glob that may reference ${plugin_data} or ${plugin_dir} or ${home}"`
	Write bool   `yaml:"write,omitempty" json:"write,omitempty" jsonschema:"description=Also allow writes"`
}

// Grants is the full set of capabilities held by one plugin.
type Grants struct {
	Filesystem []PathGrant
	Network    []string
}

// Empty reports whether g grants nothing.
func (g Grants) Empty() bool {
	return len(g.Filesystem) == 0 && len(g.Network) == 0
}

// Violation records a denied access.
type Violation struct {
	Plugin string
	Access Access
	Target string
	At     time.Time
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s", v.Access, v.Target)
}

type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

type compiledSet struct {
	grants  Grants
	read    []compiledGrant
	write   []compiledGrant
	network []compiledGrant
}

// Enforcer checks plugin capabilities at runtime.
//
// Enforcer is safe for concurrent use. The zero value is ready to use
// without calling NewEnforcer.
type Enforcer struct {
	mu         sync.RWMutex
	grants     map[string]compiledSet
	violations map[string]Violation
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants:     make(map[string]compiledSet),
		violations: make(map[string]Violation),
	}
}

// SetGrants configures capabilities for a plugin, replacing any previous
// grants and clearing a pending violation. If any pattern is invalid, no
// changes are made.
func (e *Enforcer) SetGrants(plugin string, g Grants) error {
	if plugin == "" {
		return errors.New("plugin name cannot be empty")
	}

	set := compiledSet{
		grants: Grants{
			Filesystem: append([]PathGrant(nil), g.Filesystem...),
			Network:    append([]string(nil), g.Network...),
		},
	}
	for i, pg := range g.Filesystem {
		c, err := compile(pg.Path, '/')
		if err != nil {
			return fmt.Errorf("filesystem capability %d: %w", i, err)
		}
		set.read = append(set.read, c)
		if pg.Write {
			set.write = append(set.write, c)
		}
	}
	for i, pattern := range g.Network {
		c, err := compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("network capability %d: %w", i, err)
		}
		set.network = append(set.network, c)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.init()
	e.grants[plugin] = set
	delete(e.violations, plugin)
	return nil
}

func compile(pattern string, sep rune) (compiledGrant, error) {
	if pattern == "" {
		return compiledGrant{}, errors.New("empty capability pattern")
	}
	g, err := glob.Compile(pattern, sep)
	if err != nil {
		return compiledGrant{}, fmt.Errorf("%q: %w", pattern, err)
	}
	return compiledGrant{pattern: pattern, glob: g}, nil
}

func (e *Enforcer) init() {
	if e.grants == nil {
		e.grants = make(map[string]compiledSet)
	}
	if e.violations == nil {
		e.violations = make(map[string]Violation)
	}
}

// IsRegistered returns true if the plugin has been registered via SetGrants.
func (e *Enforcer) IsRegistered(plugin string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.grants[plugin]
	return ok
}

// RemoveGrants unregisters a plugin and drops any pending violation.
func (e *Enforcer) RemoveGrants(plugin string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, plugin)
	delete(e.violations, plugin)
}

// GetGrants returns a copy of the grants held by a plugin.
func (e *Enforcer) GetGrants(plugin string) (Grants, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set, ok := e.grants[plugin]
	if !ok {
		return Grants{}, false
	}
	return Grants{
		Filesystem: append([]PathGrant(nil), set.grants.Filesystem...),
		Network:    append([]string(nil), set.grants.Network...),
	}, true
}

// Check reports whether plugin may perform access on target. Unknown plugins
// and empty targets are denied.
func (e *Enforcer) Check(plugin string, access Access, target string) bool {
	if target == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	set, ok := e.grants[plugin]
	if !ok {
		return false
	}

	switch access {
	case AccessRead:
		return matchPath(set.read, target)
	case AccessWrite:
		return matchPath(set.write, target)
	case AccessNetwork:
		return matchAny(set.network, target)
	default:
		return false
	}
}

// matchPath also tries the directory form so "/data/**" admits "/data".
func matchPath(grants []compiledGrant, target string) bool {
	if matchAny(grants, target) {
		return true
	}
	return !strings.HasSuffix(target, "/") && matchAny(grants, target+"/")
}

func matchAny(grants []compiledGrant, target string) bool {
	for _, g := range grants {
		if g.glob.Match(target) {
			return true
		}
	}
	return false
}

// Authorize is Check that records a violation and returns a
// CAPABILITY_VIOLATION error on denial. Only the first violation since the
// last TakeViolation is kept.
func (e *Enforcer) Authorize(plugin string, access Access, target string) error {
	if e.Check(plugin, access, target) {
		return nil
	}

	v := Violation{Plugin: plugin, Access: access, Target: target, At: time.Now()}
	e.mu.Lock()
	e.init()
	if _, pending := e.violations[plugin]; !pending {
		e.violations[plugin] = v
	}
	e.mu.Unlock()

	return oops.Code(CodeViolation).
		With("plugin", plugin).
		With("access", string(access)).
		With("target", target).
		Errorf("capability violation: %s not permitted to %s %s", plugin, access, target)
}

// TakeViolation returns and clears the pending violation for plugin.
func (e *Enforcer) TakeViolation(plugin string) (Violation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.violations[plugin]
	if ok {
		delete(e.violations, plugin)
	}
	return v, ok
}
