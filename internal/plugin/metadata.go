// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

// Package plugin defines the plugin data model and the Manager that
// composes the host's components into its public surface.
package plugin

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Runtime identifies how a plugin's code is executed.
type Runtime string

// Plugin runtimes supported by the host.
const (
	// RuntimeLua runs the plugin inside an in-process sandboxed Lua state.
	RuntimeLua Runtime = "lua"
	// RuntimeBinary runs the plugin as a separate OS process via go-plugin.
	RuntimeBinary Runtime = "binary"
)

// PermissionType classifies what a permission grants access to.
type PermissionType string

// Permission types a plugin may request.
const (
	PermissionNetwork    PermissionType = "network"
	PermissionFilesystem PermissionType = "filesystem"
	PermissionAudio      PermissionType = "audio"
	PermissionContacts   PermissionType = "contacts"
	PermissionExecute    PermissionType = "execute"
)

// Permission declares a single capability a plugin requests.
type Permission struct {
	Type     PermissionType `yaml:"type" json:"type"`
	Resource string         `yaml:"resource" json:"resource"`
	Access   string         `yaml:"access" json:"access"`
	Required bool           `yaml:"required,omitempty" json:"required,omitempty"`
}

// Parameter describes one parameter of an intent.
type Parameter struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Intent declares a named capability the host can dispatch calls to.
type Intent struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Parameters  []Parameter `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Permissions []string    `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Handler     string      `yaml:"handler,omitempty" json:"handler,omitempty"`
}

// Metadata is the identity and capability declaration of a plugin,
// parsed from its plugin.yaml manifest. Immutable once registered
// except through an explicit update.
type Metadata struct {
	ID                 string            `yaml:"id" json:"id"`
	Name               string            `yaml:"name" json:"name"`
	Version            string            `yaml:"version" json:"version"`
	Description        string            `yaml:"description,omitempty" json:"description,omitempty"`
	Author             string            `yaml:"author,omitempty" json:"author,omitempty"`
	License            string            `yaml:"license,omitempty" json:"license,omitempty"`
	Keywords           []string          `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	HostVersion        string            `yaml:"host-version" json:"hostVersion"`
	Runtime            Runtime           `yaml:"type" json:"type"`
	Entry              string            `yaml:"entry" json:"entry"`
	Permissions        []Permission      `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Intents            []Intent          `yaml:"intents,omitempty" json:"intents,omitempty"`
	Dependencies       map[string]string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	ExclusiveResources []string          `yaml:"exclusive-resources,omitempty" json:"exclusiveResources,omitempty"`
}

// ManifestFileName is the manifest file every plugin package must contain.
const ManifestFileName = "plugin.yaml"

// maxIDLength is the maximum allowed length for plugin ids.
const maxIDLength = 64

// idPattern validates plugin ids: lowercase letter first, then lowercase
// letters, digits, or hyphens, not ending with a hyphen.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml manifest.
func ParseManifest(data []byte) (*Metadata, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Metadata
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Metadata) Validate() error {
	if m.ID == "" || !idPattern.MatchString(m.ID) {
		return fmt.Errorf("id %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.ID)
	}
	if len(m.ID) > maxIDLength {
		return fmt.Errorf("id must be %d characters or less, got %d", maxIDLength, len(m.ID))
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not a valid semantic version: %w", m.Version, err)
	}

	if m.HostVersion == "" {
		return fmt.Errorf("host-version is required")
	}
	if _, err := semver.NewConstraint(m.HostVersion); err != nil {
		return fmt.Errorf("host-version %q is not a valid version range: %w", m.HostVersion, err)
	}

	switch m.Runtime {
	case RuntimeLua, RuntimeBinary:
	case "":
		return fmt.Errorf("type is required ('lua' or 'binary')")
	default:
		return fmt.Errorf("type must be 'lua' or 'binary', got %q", m.Runtime)
	}
	if m.Entry == "" {
		return fmt.Errorf("entry is required")
	}

	seenIntents := make(map[string]struct{}, len(m.Intents))
	for i, intent := range m.Intents {
		if intent.ID == "" {
			return fmt.Errorf("intents[%d]: id is required", i)
		}
		if _, dup := seenIntents[intent.ID]; dup {
			return fmt.Errorf("intents[%d]: duplicate intent id %q", i, intent.ID)
		}
		seenIntents[intent.ID] = struct{}{}

		seenParams := make(map[string]struct{}, len(intent.Parameters))
		for j, p := range intent.Parameters {
			if p.Name == "" {
				return fmt.Errorf("intents[%d].parameters[%d]: name is required", i, j)
			}
			if _, dup := seenParams[p.Name]; dup {
				return fmt.Errorf("intents[%d].parameters[%d]: duplicate parameter %q", i, j, p.Name)
			}
			seenParams[p.Name] = struct{}{}
			if !validParameterType(p.Type) {
				return fmt.Errorf("intents[%d].parameters[%d]: unknown type %q", i, j, p.Type)
			}
		}
	}

	for i, p := range m.Permissions {
		if p.Type == "" {
			return fmt.Errorf("permissions[%d]: type is required", i)
		}
		if p.Resource == "" {
			return fmt.Errorf("permissions[%d]: resource is required", i)
		}
		if p.Access == "" {
			return fmt.Errorf("permissions[%d]: access is required", i)
		}
	}

	for dep, rng := range m.Dependencies {
		if !idPattern.MatchString(dep) {
			return fmt.Errorf("dependencies: %q is not a valid plugin id", dep)
		}
		if _, err := semver.NewConstraint(rng); err != nil {
			return fmt.Errorf("dependencies[%s]: invalid version range %q: %w", dep, rng, err)
		}
	}

	return nil
}

// validParameterType reports whether t is a supported intent parameter type.
func validParameterType(t string) bool {
	switch t {
	case "string", "number", "integer", "boolean", "object", "array":
		return true
	}
	return false
}

// SemVer returns the parsed semantic version. Validate must have passed.
func (m *Metadata) SemVer() *semver.Version {
	v, err := semver.StrictNewVersion(m.Version)
	if err != nil {
		// Unreachable after Validate; keep the failure loud.
		panic(fmt.Sprintf("plugin %s: invalid version %q: %v", m.ID, m.Version, err))
	}
	return v
}

// Intent returns the declared intent with the given id, or nil.
func (m *Metadata) Intent(id string) *Intent {
	for i := range m.Intents {
		if m.Intents[i].ID == id {
			return &m.Intents[i]
		}
	}
	return nil
}

// Clone returns a deep copy. The registry hands out clones so no caller
// holds a second writable reference to registered metadata.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	out.Keywords = append([]string(nil), m.Keywords...)
	out.ExclusiveResources = append([]string(nil), m.ExclusiveResources...)
	out.Permissions = append([]Permission(nil), m.Permissions...)
	if m.Dependencies != nil {
		out.Dependencies = make(map[string]string, len(m.Dependencies))
		for k, v := range m.Dependencies {
			out.Dependencies[k] = v
		}
	}
	out.Intents = make([]Intent, len(m.Intents))
	for i, intent := range m.Intents {
		c := intent
		c.Parameters = append([]Parameter(nil), intent.Parameters...)
		c.Permissions = append([]string(nil), intent.Permissions...)
		out.Intents[i] = c
	}
	return &out
}
