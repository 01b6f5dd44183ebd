package resolve

import (
	"strings"
)

// SelectorSet is a parsed remove/no-remove matching policy. Raw selector
// strings are parsed once at the input boundary: the keyword "all" sets
// All, an "app:" prefix names an app, anything else names a component.
type SelectorSet struct {
	All        bool
	Apps       map[string]struct{}
	Components map[string]struct{}
}

// ParseSelectors builds a SelectorSet from raw selector strings.
func ParseSelectors(values []string) SelectorSet {
	s := SelectorSet{
		Apps:       map[string]struct{}{},
		Components: map[string]struct{}{},
	}
	for _, v := range values {
		switch {
		case v == "all":
			s.All = true
		case strings.HasPrefix(v, "app:"):
			s.Apps[strings.TrimPrefix(v, "app:")] = struct{}{}
		default:
			s.Components[v] = struct{}{}
		}
	}
	return s
}

// Empty reports whether the selector matches nothing.
func (s SelectorSet) Empty() bool {
	return !s.All && len(s.Apps) == 0 && len(s.Components) == 0
}

// shouldRemove evaluates the remove/no-remove policy for one component:
//
//   - remove=all with no exceptions removes everything
//   - no-remove=all with no exceptions removes nothing
//   - a select-all on either side defers to explicit entries on the other
//   - otherwise explicit component entries beat explicit app entries, and
//     no-remove beats remove when both name the same target
//   - with no match at all, def decides
func shouldRemove(remove, noRemove SelectorSet, appName, componentName string, def bool) bool {
	if noRemove.All && remove.Empty() {
		return false
	}
	if remove.All && noRemove.Empty() {
		return true
	}
	if remove.All {
		if _, ok := noRemove.Apps[appName]; ok {
			return false
		}
		if _, ok := noRemove.Components[componentName]; ok {
			return false
		}
		return true
	}
	if noRemove.All {
		if _, ok := remove.Apps[appName]; ok {
			return true
		}
		if _, ok := remove.Components[componentName]; ok {
			return true
		}
		return false
	}
	if _, ok := noRemove.Components[componentName]; ok {
		return false
	}
	if _, ok := remove.Components[componentName]; ok {
		return true
	}
	if _, ok := noRemove.Apps[appName]; ok {
		return false
	}
	if _, ok := remove.Apps[appName]; ok {
		return true
	}
	return def
}
