// Package resolve expands requested apps into a fully parameterized
// manifest list: it fetches each component's deploy template at the right
// git ref, layers parameter/ref/image overrides, walks transitive
// dependencies declared by the rendered resources, and applies the
// resource-trust policy.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/emberops/ember/internal/catalog"
	"github.com/emberops/ember/internal/logx"
	"github.com/emberops/ember/internal/manifest"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Optional-dependency expansion modes.
const (
	// OptionalDepsAll always expands optionalDependencies.
	OptionalDepsAll = "all"
	// OptionalDepsNone only expands required dependencies.
	OptionalDepsNone = "none"
	// OptionalDepsHybrid expands optionalDependencies only on components
	// belonging to an app the caller explicitly requested, not on apps
	// reached through the dependency walk.
	OptionalDepsHybrid = "hybrid"
)

// Options configures one Resolver.
type Options struct {
	// Apps are the requested app names.
	Apps []string

	// TargetEnv is the ClowdEnvironment name rendered into every
	// component as ENV_NAME.
	TargetEnv string

	// Namespace, when set, is rendered into components that do not pin
	// their own NAMESPACE parameter.
	Namespace string

	// GetDependencies enables the transitive dependency walk.
	GetDependencies bool

	// OptionalDepsMethod is one of OptionalDepsAll, OptionalDepsNone,
	// OptionalDepsHybrid. Empty defaults to hybrid.
	OptionalDepsMethod string

	// ImageTagOverrides maps image name to replacement tag. Every
	// override must match at least once across the whole run.
	ImageTagOverrides map[string]string

	// TemplateRefOverrides maps "component" or "app/component" to a git
	// ref overriding the component's configured ref.
	TemplateRefOverrides map[string]string

	// ParameterOverrides maps "component/param" or "app/component/param"
	// to a value overriding the component's configured parameter.
	ParameterOverrides map[string]string

	// Remove/no-remove policy for resource requests and limits on
	// rendered ClowdApps. Removal defaults to true when no selector
	// matches.
	RemoveResources   SelectorSet
	NoRemoveResources SelectorSet

	// Remove/no-remove policy for dependency declarations on rendered
	// ClowdApps. Removal defaults to false when no selector matches.
	RemoveDependencies   SelectorSet
	NoRemoveDependencies SelectorSet

	// SingleReplicas clamps replica counts above 1 down to 1.
	SingleReplicas bool

	// ComponentFilter, when non-empty, keeps only the named components in
	// the output (their dependencies are still walked).
	ComponentFilter []string

	// ExcludeComponents drops the named components from the output.
	ExcludeComponents []string
}

// Resolver renders requested apps and their transitive dependencies into a
// manifest.Store. A Resolver is immutable after New; each Process call
// carries its own visited-set, so runs do not leak state into one another.
// It is still not safe for concurrent use because the template fetcher may
// not be.
type Resolver struct {
	apps    catalog.Catalog
	fetcher TemplateFetcher
	opts    Options

	componentsForApp map[string][]string
	appForComponent  map[string]string
	refOverrides     map[string]string
	paramOverrides   map[string]map[string]string
	componentFilter  map[string]struct{}
	exclude          map[string]struct{}
	requested        map[string]struct{}
}

// New validates the app configs and options and builds a Resolver.
func New(apps catalog.Catalog, fetcher TemplateFetcher, opts Options) (*Resolver, error) {
	if opts.OptionalDepsMethod == "" {
		opts.OptionalDepsMethod = OptionalDepsHybrid
	}
	switch opts.OptionalDepsMethod {
	case OptionalDepsAll, OptionalDepsNone, OptionalDepsHybrid:
	default:
		return nil, fmt.Errorf("invalid optional dependencies method: %q", opts.OptionalDepsMethod)
	}

	if err := apps.Validate(); err != nil {
		return nil, err
	}

	r := &Resolver{
		apps:             apps,
		fetcher:          fetcher,
		opts:             opts,
		componentsForApp: map[string][]string{},
		appForComponent:  map[string]string{},
		componentFilter:  map[string]struct{}{},
		exclude:          map[string]struct{}{},
		requested:        map[string]struct{}{},
	}

	for _, name := range opts.Apps {
		// comma-separated app names are accepted for convenience
		for _, entry := range strings.Split(name, ",") {
			if entry != "" {
				r.requested[entry] = struct{}{}
			}
		}
	}

	if err := r.indexComponents(); err != nil {
		return nil, err
	}

	var err error
	if r.refOverrides, err = r.normalizeComponentPaths(opts.TemplateRefOverrides, 2, "template ref override"); err != nil {
		return nil, err
	}
	if err := r.indexParamOverrides(); err != nil {
		return nil, err
	}

	for _, sel := range []struct {
		name string
		set  SelectorSet
	}{
		{"remove-resources", opts.RemoveResources},
		{"no-remove-resources", opts.NoRemoveResources},
		{"remove-dependencies", opts.RemoveDependencies},
		{"no-remove-dependencies", opts.NoRemoveDependencies},
	} {
		if err := r.validateSelector(sel.set, sel.name); err != nil {
			return nil, err
		}
	}

	for _, name := range opts.ComponentFilter {
		if _, ok := r.appForComponent[name]; !ok {
			return nil, fmt.Errorf("component given for component filter not found in app config: %s", name)
		}
		r.componentFilter[name] = struct{}{}
	}
	for _, name := range opts.ExcludeComponents {
		r.exclude[name] = struct{}{}
	}

	return r, nil
}

// indexComponents builds the app<->component maps and rejects component
// names defined by more than one app.
func (r *Resolver) indexComponents() error {
	appNames := make([]string, 0, len(r.apps))
	for name := range r.apps {
		appNames = append(appNames, name)
	}
	sort.Strings(appNames)

	for _, appName := range appNames {
		for _, comp := range r.apps[appName].Components {
			if owner, ok := r.appForComponent[comp.Name]; ok {
				return fmt.Errorf("component %q is not unique, found in apps: %s, %s",
					comp.Name, owner, appName)
			}
			r.appForComponent[comp.Name] = appName
			r.componentsForApp[appName] = append(r.componentsForApp[appName], comp.Name)
		}
	}
	return nil
}

// normalizeComponentPaths rewrites override paths to be component-keyed: a
// path with maxLen segments has a leading app name which is dropped, a path
// with maxLen-1 segments already starts at the component.
func (r *Resolver) normalizeComponentPaths(in map[string]string, maxLen int, what string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for path, value := range in {
		segments := strings.Split(path, "/")
		switch len(segments) {
		case maxLen:
			segments = segments[1:]
		case maxLen - 1:
		default:
			return nil, fmt.Errorf("invalid format for %s: %s=%s", what, path, value)
		}
		componentName := segments[0]
		if _, ok := r.appForComponent[componentName]; !ok {
			return nil, fmt.Errorf("component given for %s not found in app config: %s", what, componentName)
		}
		out[strings.Join(segments, "/")] = value
	}
	return out, nil
}

// indexParamOverrides normalizes "app/component/param" paths and groups the
// overrides per component.
func (r *Resolver) indexParamOverrides() error {
	normalized, err := r.normalizeComponentPaths(r.opts.ParameterOverrides, 3, "parameter override")
	if err != nil {
		return err
	}
	r.paramOverrides = map[string]map[string]string{}
	for path, value := range normalized {
		segments := strings.SplitN(path, "/", 2)
		if len(segments) != 2 || segments[1] == "" {
			return fmt.Errorf("invalid format for parameter override: %s=%s", path, value)
		}
		component, param := segments[0], segments[1]
		if r.paramOverrides[component] == nil {
			r.paramOverrides[component] = map[string]string{}
		}
		r.paramOverrides[component][param] = value
	}
	return nil
}

func (r *Resolver) validateSelector(set SelectorSet, what string) error {
	for app := range set.Apps {
		if _, ok := r.apps[app]; !ok {
			return fmt.Errorf("app given for %s not found in app config: %s", what, app)
		}
	}
	for component := range set.Components {
		if _, ok := r.appForComponent[component]; !ok {
			return fmt.Errorf("component given for %s not found in app config: %s", what, component)
		}
	}
	return nil
}

// processedComponent records one rendered component within a run, so a
// component reachable through several dependency paths is rendered once.
type processedComponent struct {
	name                string
	items               []map[string]any
	depsHandled         bool
	optionalDepsHandled bool
}

// resolution is the state of one Process call.
type resolution struct {
	processed map[string]*processedComponent
	store     *manifest.Store
}

// Process renders every requested app plus transitive dependencies and
// returns the accumulated manifest store. It fails whole: any fetch,
// render, or override error aborts with no partial result.
func (r *Resolver) Process(ctx context.Context) (*manifest.Store, error) {
	run := &resolution{
		processed: map[string]*processedComponent{},
		store:     manifest.New(),
	}

	appNames := make([]string, 0, len(r.requested))
	for name := range r.requested {
		appNames = append(appNames, name)
	}
	sort.Strings(appNames)

	for _, appName := range appNames {
		if err := r.processApp(ctx, run, appName); err != nil {
			return nil, err
		}
	}

	counts, err := run.store.SubstituteImageTags(r.opts.ImageTagOverrides)
	if err != nil {
		return nil, err
	}
	var missed []string
	for image, n := range counts {
		if n == 0 {
			missed = append(missed, image)
		}
	}
	if len(missed) > 0 {
		sort.Strings(missed)
		return nil, fmt.Errorf("image names not found in any rendered template: %s",
			strings.Join(missed, ", "))
	}

	return run.store, nil
}

func (r *Resolver) processApp(ctx context.Context, run *resolution, appName string) error {
	app, ok := r.apps[appName]
	if !ok {
		return fmt.Errorf("app %s not found in apps config", appName)
	}
	logx.Logger().Info("processing app", "app", appName)
	for _, comp := range app.Components {
		if err := r.processComponent(ctx, run, comp.Name, appName, false); err != nil {
			return err
		}
	}
	return nil
}

// processComponent renders one component (once per run) and, when the
// dependency walk is enabled, recurses into the dependencies its rendered
// ClowdApps declare. inRecursion is true on every call reached through a
// dependency edge rather than directly from a requested app.
func (r *Resolver) processComponent(ctx context.Context, run *resolution, componentName, appName string, inRecursion bool) error {
	pc, ok := run.processed[componentName]
	if !ok {
		logx.Logger().Info("processing component", "component", componentName)
		items, err := r.renderComponent(ctx, componentName)
		if err != nil {
			return err
		}
		pc = &processedComponent{name: componentName, items: items}
		run.processed[componentName] = pc

		if reason := r.skipReason(componentName); reason != "" {
			logx.Logger().Info("skipping component", "component", componentName, "reason", reason)
		} else {
			for _, item := range items {
				run.store.Append(unstructured.Unstructured{Object: item})
			}
		}
	} else {
		logx.Logger().Debug("component already rendered", "component", componentName)
	}

	if r.opts.GetDependencies {
		return r.walkDependencies(ctx, run, appName, pc, inRecursion)
	}
	return nil
}

func (r *Resolver) skipReason(componentName string) string {
	if len(r.componentFilter) > 0 {
		if _, ok := r.componentFilter[componentName]; !ok {
			return "not selected by component filter"
		}
	}
	if _, ok := r.exclude[componentName]; ok {
		return "listed in excluded components"
	}
	return ""
}

// renderComponent fetches the component's template and runs the full
// per-component pipeline: parameter layering, render, trust policy,
// dependency removal, replica clamping.
func (r *Resolver) renderComponent(ctx context.Context, componentName string) ([]map[string]any, error) {
	appName := r.appForComponent[componentName]
	comp := r.apps.Component(appName, componentName)
	if comp == nil {
		return nil, fmt.Errorf("component with name %q not found", componentName)
	}

	ref := comp.Ref
	if override, ok := r.refOverrides[componentName]; ok {
		logx.Logger().Info("overriding template ref", "component", componentName, "ref", override)
		ref = override
	}

	logx.Logger().Debug("fetching template", "component", componentName, "ref", ref)
	commit, content, err := r.fetcher.Fetch(ctx, comp, ref)
	if err != nil {
		return nil, fmt.Errorf("fetching template for %s: %w", componentName, err)
	}

	params := map[string]string{}
	for k, v := range comp.Parameters {
		params[k] = v
	}
	if _, ok := params["IMAGE_TAG"]; !ok && len(commit) >= 7 {
		params["IMAGE_TAG"] = commit[:7]
	}
	if _, ok := params["NAMESPACE"]; !ok && r.opts.Namespace != "" {
		params["NAMESPACE"] = r.opts.Namespace
	}
	params["ENV_NAME"] = r.opts.TargetEnv
	for name, value := range r.paramOverrides[componentName] {
		logx.Logger().Info("overriding parameter",
			"component", componentName, "param", name, "value", value)
		params[name] = value
	}

	items, err := r.renderTrusted(content, params, appName, componentName)
	if err != nil {
		return nil, fmt.Errorf("rendering template for %s: %w", componentName, err)
	}

	if shouldRemove(r.opts.RemoveDependencies, r.opts.NoRemoveDependencies, appName, componentName, false) {
		removeDependencyConfig(items)
	}
	if r.opts.SingleReplicas {
		setSingleReplicas(items)
	}
	warnDisabled(items)

	return items, nil
}

// renderTrusted renders the template and applies the resource-trust policy
// to the output.
func (r *Resolver) renderTrusted(content []byte, params map[string]string, appName, componentName string) ([]map[string]any, error) {
	items, err := renderTemplate(content, params)
	if err != nil {
		return nil, err
	}
	if shouldRemove(r.opts.RemoveResources, r.opts.NoRemoveResources, appName, componentName, true) {
		removeResourceConfig(items)
	}
	return items, nil
}

// expandOptional decides whether optionalDependencies of a component are
// walked, per the configured mode.
func (r *Resolver) expandOptional(appName string, inRecursion bool) bool {
	switch r.opts.OptionalDepsMethod {
	case OptionalDepsAll:
		return true
	case OptionalDepsHybrid:
		// only for components of an app group the caller explicitly
		// requested, not apps pulled in through the walk
		if inRecursion {
			return false
		}
		_, requested := r.requested[appName]
		return requested
	default:
		return false
	}
}

func (r *Resolver) walkDependencies(ctx context.Context, run *resolution, appName string, pc *processedComponent, inRecursion bool) error {
	deps := map[string]struct{}{}

	if !pc.depsHandled {
		for name := range clowdAppDependencies(pc.items, false) {
			deps[name] = struct{}{}
		}
		pc.depsHandled = true
	}
	if !pc.optionalDepsHandled && r.expandOptional(appName, inRecursion) {
		for name := range clowdAppDependencies(pc.items, true) {
			deps[name] = struct{}{}
		}
		pc.optionalDepsHandled = true
	}

	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, ok := r.appForComponent[name]; !ok {
			return fmt.Errorf("dependency %q of component %q not found in app config", name, pc.name)
		}
		if err := r.processComponent(ctx, run, name, appName, true); err != nil {
			return err
		}
	}
	return nil
}

// ParseTemplate exposes template parsing for callers rendering standalone
// templates (base environment, reservations, job invocations) outside an
// app resolution run.
func ParseTemplate(content []byte, params map[string]string) (*manifest.Store, error) {
	items, err := renderTemplate(content, params)
	if err != nil {
		return nil, err
	}
	store := manifest.New()
	for _, item := range items {
		store.Append(unstructured.Unstructured{Object: item})
	}
	return store, nil
}
