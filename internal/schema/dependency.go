package schema

import (
	"sort"
	"strings"

	"github.com/beyondessential/tamanu-sync/internal/syncerr"
)

// OrderByDependency returns the keys of deps ordered so that every type comes
// after the types it depends on.
//
// It runs a repeated-pass topological sort: each pass emits, in lexical
// order, every remaining type whose dependencies are already emitted.
// Dependencies outside the key set and self references count as satisfied.
// If the remaining set does not empty within len(deps) passes the graph has
// a cycle and a ConfigurationError naming the unresolved types is returned.
func OrderByDependency(deps map[string][]string) ([]string, error) {
	remaining := make([]string, 0, len(deps))
	for name := range deps {
		remaining = append(remaining, name)
	}
	sort.Strings(remaining)

	ordered := make([]string, 0, len(deps))
	done := make(map[string]bool, len(deps))

	for pass := 0; pass < len(deps) && len(remaining) > 0; pass++ {
		var ready, blocked []string
		for _, name := range remaining {
			if satisfied(name, deps, done) {
				ready = append(ready, name)
			} else {
				blocked = append(blocked, name)
			}
		}
		if len(ready) == 0 {
			break
		}
		// Mark after the scan so a pass only sees types from earlier passes.
		for _, name := range ready {
			done[name] = true
		}
		ordered = append(ordered, ready...)
		remaining = blocked
	}

	if len(remaining) > 0 {
		return nil, syncerr.NewConfigurationError("could not resolve dependency order for %s (cyclic foreign keys; declare ignored_dependencies to break the cycle)", strings.Join(remaining, ", "))
	}
	return ordered, nil
}

func satisfied(name string, deps map[string][]string, done map[string]bool) bool {
	for _, dep := range deps[name] {
		if dep == name {
			continue
		}
		if _, known := deps[dep]; !known {
			continue
		}
		if !done[dep] {
			return false
		}
	}
	return true
}
