package resolve

import (
	"strings"

	"github.com/emberops/ember/internal/logx"
)

// isClowdApp reports whether a rendered item is a ClowdApp resource.
func isClowdApp(item map[string]any) bool {
	kind, _ := item["kind"].(string)
	return strings.EqualFold(kind, "ClowdApp")
}

func itemName(item map[string]any) string {
	meta, _ := item["metadata"].(map[string]any)
	name, _ := meta["name"].(string)
	return name
}

// itemSpec returns the item's spec block, or nil when absent.
func itemSpec(item map[string]any) map[string]any {
	spec, _ := item["spec"].(map[string]any)
	return spec
}

// deploymentsOf returns the deployment blocks of a ClowdApp spec. "pods"
// is the legacy name for the same field.
func deploymentsOf(spec map[string]any) []any {
	if deployments, ok := spec["deployments"].([]any); ok && len(deployments) > 0 {
		return deployments
	}
	pods, _ := spec["pods"].([]any)
	return pods
}

// removeResourceConfig strips cpu/memory requests and limits from every
// deployment and pod block of rendered ClowdApp items. Parameters not
// explicitly trusted must never influence real resource allocation, so the
// cluster defaults apply instead. Already-stripped items pass through
// unchanged.
func removeResourceConfig(items []map[string]any) {
	for _, item := range items {
		if !isClowdApp(item) {
			continue
		}
		spec := itemSpec(item)
		if spec == nil {
			continue
		}
		for _, d := range deploymentsOf(spec) {
			block, ok := d.(map[string]any)
			if !ok {
				continue
			}
			if stripResources(block) {
				logx.Logger().Debug("removed untrusted resource config",
					"clowdapp", itemName(item), "deployment", block["name"])
			}
		}
	}
}

// stripResources removes cpu/memory entries from every "resources" block
// found in the deployment tree and reports whether anything was removed.
func stripResources(node map[string]any) bool {
	removed := false
	for key, value := range node {
		child, ok := value.(map[string]any)
		if !ok {
			continue
		}
		if key == "resources" {
			for _, section := range []string{"requests", "limits"} {
				if limits, ok := child[section].(map[string]any); ok {
					for _, resource := range []string{"cpu", "memory"} {
						if _, ok := limits[resource]; ok {
							delete(limits, resource)
							removed = true
						}
					}
				}
			}
			continue
		}
		if stripResources(child) {
			removed = true
		}
	}
	for _, value := range node {
		list, ok := value.([]any)
		if !ok {
			continue
		}
		for _, entry := range list {
			if child, ok := entry.(map[string]any); ok && stripResources(child) {
				removed = true
			}
		}
	}
	return removed
}

// removeDependencyConfig deletes dependency declarations from rendered
// ClowdApp items so the dependency walk stops at them.
func removeDependencyConfig(items []map[string]any) {
	for _, item := range items {
		if !isClowdApp(item) {
			continue
		}
		spec := itemSpec(item)
		if spec == nil {
			continue
		}
		for _, key := range []string{"dependencies", "optionalDependencies"} {
			if _, ok := spec[key]; ok {
				delete(spec, key)
				logx.Logger().Debug("removed dependency config from ClowdApp",
					"clowdapp", itemName(item), "field", key)
			}
		}
	}
}

// setSingleReplicas clamps replica counts above 1 down to 1 on every
// deployment block of rendered ClowdApp items.
func setSingleReplicas(items []map[string]any) {
	for _, item := range items {
		if !isClowdApp(item) {
			continue
		}
		spec := itemSpec(item)
		if spec == nil {
			continue
		}
		for _, d := range deploymentsOf(spec) {
			block, ok := d.(map[string]any)
			if !ok {
				continue
			}
			for _, field := range []string{"minReplicas", "replicas"} {
				if n, ok := block[field].(float64); ok && n > 1 {
					block[field] = float64(1)
					logx.Logger().Debug("clamped replica count on ClowdApp deployment",
						"clowdapp", itemName(item), "deployment", block["name"], "field", field)
				}
			}
		}
	}
}

// warnDisabled logs a warning for rendered ClowdApp/ClowdEnvironment items
// carrying 'disabled: true', which the operator will silently ignore.
func warnDisabled(items []map[string]any) {
	for _, item := range items {
		kind, _ := item["kind"].(string)
		lower := strings.ToLower(kind)
		if lower != "clowdapp" && lower != "clowdenvironment" {
			continue
		}
		if spec := itemSpec(item); spec != nil {
			if disabled, _ := spec["disabled"].(bool); disabled {
				logx.Logger().Warn("resource has 'disabled: true' configured, the operator will ignore it",
					"kind", lower, "name", itemName(item))
			}
		}
	}
}

// clowdAppDependencies collects the dependency component names declared by
// rendered ClowdApp items. With optional set, optionalDependencies are
// collected instead of dependencies.
func clowdAppDependencies(items []map[string]any, optional bool) map[string]struct{} {
	key := "dependencies"
	if optional {
		key = "optionalDependencies"
	}
	deps := map[string]struct{}{}
	for _, item := range items {
		if !isClowdApp(item) {
			continue
		}
		spec := itemSpec(item)
		if spec == nil {
			continue
		}
		declared, _ := spec[key].([]any)
		for _, d := range declared {
			if name, ok := d.(string); ok && name != "" {
				deps[name] = struct{}{}
			}
		}
		if len(declared) > 0 {
			logx.Logger().Debug("ClowdApp declares dependencies",
				"clowdapp", itemName(item), "field", key, "count", len(declared))
		}
	}
	return deps
}
