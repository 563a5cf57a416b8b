package auth

import (
	"sort"

	"graphmcp/internal/catalog"
)

// scopeCollapseTable maps a broad permission scope to the baseline scopes it
// subsumes. When the broad scope is in the resolved set, its baselines are
// redundant and are removed, keeping the requested consent surface minimal.
var scopeCollapseTable = map[string][]string{
	"Mail.ReadWrite":      {"Mail.Read"},
	"Calendars.ReadWrite": {"Calendars.Read"},
	"Files.ReadWrite":     {"Files.Read"},
	"Contacts.ReadWrite":  {"Contacts.Read"},
	"Tasks.ReadWrite":     {"Tasks.Read"},
}

// BuildScopes derives the minimal delegated-permission scope set from the
// operation catalog. Operations flagged as requiring a work account are
// excluded unless includeWorkScopes is set. The result is sorted for stable
// logging; callers must treat it as a set.
func BuildScopes(ops []catalog.Operation, includeWorkScopes bool) []string {
	set := make(map[string]bool)
	for _, op := range ops {
		if op.WorkAccountRequired && !includeWorkScopes {
			continue
		}
		for _, s := range op.Scopes {
			set[s] = true
		}
	}

	collapseScopes(set)

	scopes := make([]string, 0, len(set))
	for s := range set {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return scopes
}

// collapseScopes removes baseline scopes that are subsumed by a broad scope
// already present in the set. The set never ends up containing a broad scope
// together with all of its declared baselines.
func collapseScopes(set map[string]bool) {
	for broad, baselines := range scopeCollapseTable {
		if !set[broad] {
			continue
		}
		for _, baseline := range baselines {
			delete(set, baseline)
		}
	}
}

// Covers reports whether the working scope set satisfies the given scope,
// either directly or through a broad scope that subsumes it. Used by the
// dispatch layer to decide whether an operation is reachable with the
// current consent surface.
func Covers(working []string, scope string) bool {
	for _, w := range working {
		if w == scope {
			return true
		}
		for _, baseline := range scopeCollapseTable[w] {
			if baseline == scope {
				return true
			}
		}
	}
	return false
}

// WorkScopes returns the scopes that appear only on work-account operations,
// sorted. The first entry is used as the probe scope when testing whether an
// account already holds work-tier permissions.
func WorkScopes(ops []catalog.Operation) []string {
	baseline := make(map[string]bool)
	work := make(map[string]bool)
	for _, op := range ops {
		for _, s := range op.Scopes {
			if op.WorkAccountRequired {
				work[s] = true
			} else {
				baseline[s] = true
			}
		}
	}

	scopes := make([]string, 0, len(work))
	for s := range work {
		if !baseline[s] {
			scopes = append(scopes, s)
		}
	}
	sort.Strings(scopes)
	return scopes
}
