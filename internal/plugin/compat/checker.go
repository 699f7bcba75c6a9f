// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

// Package compat is the pure compatibility checker: side-effect-free
// reasoning over plugin metadata. Given the current registry state and a
// candidate, it decides whether the candidate may safely enter or remain
// in the system. Everything here is re-derivable; nothing is persisted.
package compat

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/lumina-assist/lumina/internal/plugin"
)

// IssueType classifies a compatibility issue or warning.
type IssueType string

// Blocking issue types.
const (
	IssueHostVersion       IssueType = "host_version_mismatch"
	IssueMissingDependency IssueType = "missing_dependency"
	IssueDependencyVersion IssueType = "dependency_version_mismatch"
	IssueIntentConflict    IssueType = "intent_conflict"
	IssueDependencyCycle   IssueType = "dependency_cycle"
	IssueExclusiveResource IssueType = "exclusive_resource_conflict"
	IssueRemovedIntent     IssueType = "removed_intent"
	IssueRemovedParameter  IssueType = "removed_required_parameter"
	IssueParameterType     IssueType = "parameter_type_changed"
)

// Warning (non-blocking) issue types.
const (
	WarnDependencyDisabled   IssueType = "dependency_disabled"
	WarnIntentSimilarity     IssueType = "intent_similarity"
	WarnBroadPermission      IssueType = "broad_permission"
	WarnExcessivePermissions IssueType = "excessive_permissions"
	WarnNewPermissions       IssueType = "new_required_permissions"
)

// Issue is one typed finding about a candidate.
type Issue struct {
	Type     IssueType `json:"type"`
	PluginID string    `json:"pluginId"`
	Message  string    `json:"message"`
}

// Result is the checker's verdict. Score is a 0-100 heuristic:
// max(0, 100 - 25*issues - 5*warnings).
type Result struct {
	Compatible bool    `json:"compatible"`
	Issues     []Issue `json:"issues"`
	Warnings   []Issue `json:"warnings"`
	Score      int     `json:"score"`
}

// UpdateResult extends Result for the update path.
type UpdateResult struct {
	Result
	BreakingChanges bool `json:"breakingChanges"`
	RequiresRestart bool `json:"requiresRestart"`
}

// Installed is the checker's read-only view of one registered plugin.
type Installed struct {
	Metadata *plugin.Metadata
	Enabled  bool
}

// Tunables for the heuristic warnings.
const (
	// intentSimilarityThreshold flags near-duplicate intent ids likely to
	// confuse users (normalized edit distance similarity).
	intentSimilarityThreshold = 0.8
	// permissionWarnCount is the permission count above which a request
	// set is flagged as unusually large.
	permissionWarnCount = 8
)

// Checker performs compatibility reasoning against a fixed host version.
type Checker struct {
	hostVersion *semver.Version
}

// NewChecker creates a checker for the given host API version.
func NewChecker(hostVersion string) (*Checker, error) {
	v, err := semver.NewVersion(hostVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid host version %q: %w", hostVersion, err)
	}
	return &Checker{hostVersion: v}, nil
}

// HostVersion returns the host API version the checker reasons against.
func (c *Checker) HostVersion() string {
	return c.hostVersion.String()
}

// Check decides whether candidate may enter the system given the current
// set of installed plugins. Deterministic: identical inputs yield an
// identical Result.
func (c *Checker) Check(candidate *plugin.Metadata, installed []Installed) Result {
	var issues, warnings []Issue

	issues = append(issues, c.checkHostVersion(candidate)...)

	depIssues, depWarnings := c.checkDependencies(candidate, installed)
	issues = append(issues, depIssues...)
	warnings = append(warnings, depWarnings...)

	conflictIssues, similarWarnings := c.checkIntents(candidate, installed)
	issues = append(issues, conflictIssues...)
	warnings = append(warnings, similarWarnings...)

	warnings = append(warnings, c.reviewPermissions(candidate)...)

	issues = append(issues, c.checkGraph(candidate, installed)...)
	issues = append(issues, c.checkExclusiveResources(candidate, installed)...)

	return score(issues, warnings)
}

// CheckUpdate decides whether replacing old with new is safe, layering
// breaking-change detection on top of Check. RequiresRestart is true if
// the permission count changed, the host-version requirement changed, or
// the major version segment changed.
func (c *Checker) CheckUpdate(oldMeta, newMeta *plugin.Metadata, installed []Installed) UpdateResult {
	// Evaluate the candidate against the registry minus the plugin being
	// replaced, so its own current intents don't read as conflicts.
	others := make([]Installed, 0, len(installed))
	for _, inst := range installed {
		if inst.Metadata.ID != oldMeta.ID {
			others = append(others, inst)
		}
	}
	base := c.Check(newMeta, others)

	breaking := breakingChanges(oldMeta, newMeta)
	base.Issues = append(base.Issues, breaking...)

	if warn := newRequiredPermissions(oldMeta, newMeta); warn != nil {
		base.Warnings = append(base.Warnings, *warn)
	}

	res := UpdateResult{
		Result:          score(base.Issues, base.Warnings),
		BreakingChanges: len(breaking) > 0,
		RequiresRestart: requiresRestart(oldMeta, newMeta),
	}
	return res
}

// checkHostVersion verifies the candidate's declared host range matches
// the running host version. Exact, caret, and x-wildcard ranges are all
// handled by the constraint parser.
func (c *Checker) checkHostVersion(candidate *plugin.Metadata) []Issue {
	constraint, err := semver.NewConstraint(candidate.HostVersion)
	if err != nil {
		return []Issue{{
			Type:     IssueHostVersion,
			PluginID: candidate.ID,
			Message:  fmt.Sprintf("invalid host-version range %q: %v", candidate.HostVersion, err),
		}}
	}
	if !constraint.Check(c.hostVersion) {
		return []Issue{{
			Type:     IssueHostVersion,
			PluginID: candidate.ID,
			Message: fmt.Sprintf("requires host %s but host is %s",
				candidate.HostVersion, c.hostVersion),
		}}
	}
	return nil
}

// checkDependencies resolves every declared dependency to a registered,
// version-matching plugin. Missing or mismatched blocks; present but
// disabled only warns.
func (c *Checker) checkDependencies(candidate *plugin.Metadata, installed []Installed) (issues, warnings []Issue) {
	byID := make(map[string]Installed, len(installed))
	for _, inst := range installed {
		byID[inst.Metadata.ID] = inst
	}

	// Deterministic order for deterministic results.
	deps := make([]string, 0, len(candidate.Dependencies))
	for dep := range candidate.Dependencies {
		deps = append(deps, dep)
	}
	sort.Strings(deps)

	for _, dep := range deps {
		rng := candidate.Dependencies[dep]
		inst, ok := byID[dep]
		if !ok {
			issues = append(issues, Issue{
				Type:     IssueMissingDependency,
				PluginID: candidate.ID,
				Message:  fmt.Sprintf("dependency %s (%s) is not installed", dep, rng),
			})
			continue
		}

		constraint, err := semver.NewConstraint(rng)
		if err != nil {
			issues = append(issues, Issue{
				Type:     IssueDependencyVersion,
				PluginID: candidate.ID,
				Message:  fmt.Sprintf("dependency %s has invalid range %q: %v", dep, rng, err),
			})
			continue
		}
		if !constraint.Check(inst.Metadata.SemVer()) {
			issues = append(issues, Issue{
				Type:     IssueDependencyVersion,
				PluginID: candidate.ID,
				Message: fmt.Sprintf("dependency %s@%s does not satisfy %s",
					dep, inst.Metadata.Version, rng),
			})
			continue
		}
		if !inst.Enabled {
			warnings = append(warnings, Issue{
				Type:     WarnDependencyDisabled,
				PluginID: candidate.ID,
				Message:  fmt.Sprintf("dependency %s is installed but disabled", dep),
			})
		}
	}
	return issues, warnings
}

// checkIntents blocks exact intent id collisions and warns on
// near-duplicate intent ids across plugins.
func (c *Checker) checkIntents(candidate *plugin.Metadata, installed []Installed) (issues, warnings []Issue) {
	for _, inst := range installed {
		if inst.Metadata.ID == candidate.ID {
			continue
		}
		for _, theirs := range inst.Metadata.Intents {
			for _, ours := range candidate.Intents {
				if ours.ID == theirs.ID {
					issues = append(issues, Issue{
						Type:     IssueIntentConflict,
						PluginID: candidate.ID,
						Message: fmt.Sprintf("intent %q is already claimed by plugin %s",
							ours.ID, inst.Metadata.ID),
					})
					continue
				}
				if Similarity(ours.ID, theirs.ID) >= intentSimilarityThreshold {
					warnings = append(warnings, Issue{
						Type:     WarnIntentSimilarity,
						PluginID: candidate.ID,
						Message: fmt.Sprintf("intent %q is confusingly similar to %q from plugin %s",
							ours.ID, theirs.ID, inst.Metadata.ID),
					})
				}
			}
		}
	}
	return issues, warnings
}

// reviewPermissions warns (never blocks) on unusually large permission
// sets and on broad or wildcard network/execute access. Final admission
// of such plugins is a human decision.
func (c *Checker) reviewPermissions(candidate *plugin.Metadata) []Issue {
	var warnings []Issue

	if len(candidate.Permissions) > permissionWarnCount {
		warnings = append(warnings, Issue{
			Type:     WarnExcessivePermissions,
			PluginID: candidate.ID,
			Message: fmt.Sprintf("requests %d permissions (more than %d is unusual)",
				len(candidate.Permissions), permissionWarnCount),
		})
	}

	for _, p := range candidate.Permissions {
		broad := p.Resource == "*" || p.Resource == "**"
		if broad && (p.Type == plugin.PermissionNetwork || p.Type == plugin.PermissionExecute) {
			warnings = append(warnings, Issue{
				Type:     WarnBroadPermission,
				PluginID: candidate.ID,
				Message: fmt.Sprintf("requests wildcard %s access (%s)",
					p.Type, p.Resource),
			})
		}
	}
	return warnings
}

// checkGraph runs cycle detection over the dependency graph formed by
// the installed set plus the candidate. Any cycle blocks.
func (c *Checker) checkGraph(candidate *plugin.Metadata, installed []Installed) []Issue {
	g := newDepGraph()
	for _, inst := range installed {
		if inst.Metadata.ID == candidate.ID {
			continue
		}
		g.add(inst.Metadata)
	}
	g.add(candidate)

	var issues []Issue
	for _, cycle := range g.findCycles() {
		issues = append(issues, Issue{
			Type:     IssueDependencyCycle,
			PluginID: candidate.ID,
			Message:  fmt.Sprintf("dependency cycle: %s", formatCycle(cycle)),
		})
	}
	return issues
}

// checkExclusiveResources blocks when more than one plugin claims
// exclusive access to the same named resource.
func (c *Checker) checkExclusiveResources(candidate *plugin.Metadata, installed []Installed) []Issue {
	var issues []Issue
	for _, res := range candidate.ExclusiveResources {
		for _, inst := range installed {
			if inst.Metadata.ID == candidate.ID {
				continue
			}
			for _, theirs := range inst.Metadata.ExclusiveResources {
				if res == theirs {
					issues = append(issues, Issue{
						Type:     IssueExclusiveResource,
						PluginID: candidate.ID,
						Message: fmt.Sprintf("exclusive resource %q is already held by plugin %s",
							res, inst.Metadata.ID),
					})
				}
			}
		}
	}
	return issues
}

// breakingChanges classifies old->new metadata differences that can
// invalidate existing callers: removed intents, removed required
// parameters, changed parameter types.
func breakingChanges(oldMeta, newMeta *plugin.Metadata) []Issue {
	var issues []Issue

	for _, oldIntent := range oldMeta.Intents {
		newIntent := newMeta.Intent(oldIntent.ID)
		if newIntent == nil {
			issues = append(issues, Issue{
				Type:     IssueRemovedIntent,
				PluginID: newMeta.ID,
				Message:  fmt.Sprintf("intent %q was removed", oldIntent.ID),
			})
			continue
		}

		newParams := make(map[string]plugin.Parameter, len(newIntent.Parameters))
		for _, p := range newIntent.Parameters {
			newParams[p.Name] = p
		}
		for _, oldParam := range oldIntent.Parameters {
			newParam, ok := newParams[oldParam.Name]
			if !ok {
				if oldParam.Required {
					issues = append(issues, Issue{
						Type:     IssueRemovedParameter,
						PluginID: newMeta.ID,
						Message: fmt.Sprintf("intent %q lost required parameter %q",
							oldIntent.ID, oldParam.Name),
					})
				}
				continue
			}
			if newParam.Type != oldParam.Type {
				issues = append(issues, Issue{
					Type:     IssueParameterType,
					PluginID: newMeta.ID,
					Message: fmt.Sprintf("intent %q parameter %q changed type %s -> %s",
						oldIntent.ID, oldParam.Name, oldParam.Type, newParam.Type),
				})
			}
		}
	}
	return issues
}

// newRequiredPermissions warns when the update requests required
// permissions the old version did not have.
func newRequiredPermissions(oldMeta, newMeta *plugin.Metadata) *Issue {
	had := make(map[string]struct{}, len(oldMeta.Permissions))
	for _, p := range oldMeta.Permissions {
		had[permKey(p)] = struct{}{}
	}

	var added []string
	for _, p := range newMeta.Permissions {
		if !p.Required {
			continue
		}
		if _, ok := had[permKey(p)]; !ok {
			added = append(added, permKey(p))
		}
	}
	if len(added) == 0 {
		return nil
	}
	sort.Strings(added)
	return &Issue{
		Type:     WarnNewPermissions,
		PluginID: newMeta.ID,
		Message:  fmt.Sprintf("update adds required permissions: %v", added),
	}
}

func permKey(p plugin.Permission) string {
	return string(p.Type) + ":" + p.Resource + ":" + p.Access
}

// requiresRestart reports whether the update needs a full sandbox
// recreation rather than an in-place re-enable.
func requiresRestart(oldMeta, newMeta *plugin.Metadata) bool {
	if len(oldMeta.Permissions) != len(newMeta.Permissions) {
		return true
	}
	if oldMeta.HostVersion != newMeta.HostVersion {
		return true
	}
	return oldMeta.SemVer().Major() != newMeta.SemVer().Major()
}

// score folds issues and warnings into the final Result.
func score(issues, warnings []Issue) Result {
	s := 100 - 25*len(issues) - 5*len(warnings)
	if s < 0 {
		s = 0
	}
	return Result{
		Compatible: len(issues) == 0,
		Issues:     issues,
		Warnings:   warnings,
		Score:      s,
	}
}
