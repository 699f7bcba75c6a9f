// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

// Package permission enforces plugin permission grants at runtime.
//
// A granted Permission {type, resource, access} is compiled to a glob
// pattern over '.'-separated segments: "<type>.<resource>.<access>".
// Resources may themselves contain wildcards:
//   - '*' matches a single segment ("network.*.read" allows one host label)
//   - '**' matches any number of segments ("network.**" allows all hosts)
package permission

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/lumina-assist/lumina/internal/plugin"
)

// compiledGrant pairs the declared permission with its compiled pattern.
type compiledGrant struct {
	perm plugin.Permission
	glob glob.Glob
}

// Enforcer checks plugin permissions at runtime. Safe for concurrent use.
type Enforcer struct {
	mu     sync.RWMutex
	grants map[string][]compiledGrant // plugin id -> grants
}

// NewEnforcer creates an enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]compiledGrant)}
}

// PatternFor returns the capability pattern a permission compiles to.
func PatternFor(p plugin.Permission) string {
	return strings.Join([]string{string(p.Type), p.Resource, p.Access}, ".")
}

// Grant configures the permission set for a plugin, replacing any
// previous grants. All patterns are compiled before state changes, so a
// bad permission leaves the enforcer untouched.
func (e *Enforcer) Grant(pluginID string, perms []plugin.Permission) error {
	if pluginID == "" {
		return errors.New("plugin id cannot be empty")
	}

	compiled := make([]compiledGrant, len(perms))
	for i, p := range perms {
		if p.Type == "" || p.Resource == "" || p.Access == "" {
			return fmt.Errorf("permission %d: type, resource, and access are required", i)
		}
		g, err := glob.Compile(PatternFor(p), '.')
		if err != nil {
			return fmt.Errorf("permission %d (%s): %w", i, PatternFor(p), err)
		}
		compiled[i] = compiledGrant{perm: p, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.grants[pluginID] = compiled
	return nil
}

// Revoke removes all grants for a plugin. Safe for unknown ids.
func (e *Enforcer) Revoke(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, pluginID)
}

// Granted returns a copy of the permissions granted to a plugin, or nil
// if the plugin has no grants.
func (e *Enforcer) Granted(pluginID string) []plugin.Permission {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[pluginID]
	if !ok {
		return nil
	}
	perms := make([]plugin.Permission, len(grants))
	for i, g := range grants {
		perms[i] = g.perm
	}
	return perms
}

// Check reports whether the plugin may access resource with the given
// access mode. Deny by default: unknown plugins, empty arguments, and
// unmatched requests all return false.
func (e *Enforcer) Check(pluginID string, typ plugin.PermissionType, resource, access string) bool {
	if pluginID == "" || typ == "" || resource == "" || access == "" {
		return false
	}

	want := strings.Join([]string{string(typ), resource, access}, ".")

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, g := range e.grants[pluginID] {
		if g.glob.Match(want) {
			return true
		}
	}
	return false
}
