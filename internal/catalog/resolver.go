package catalog

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/emberops/ember/internal/logx"
)

// envVarRefRE matches ${VAR} references inside environment parameter values.
var envVarRefRE = regexp.MustCompile(`\$\{([^$}]+)\}`)

// Resolver turns the raw two-query catalog into environment-scoped app
// configurations. All catalog reads happen through the (non-reentrant)
// Querier, so Resolver methods must not be called concurrently.
type Resolver struct {
	querier Querier

	// rootApps are the accepted parent-app names. An application with a
	// parent outside this set is excluded. Applications with no parent
	// are always included.
	rootApps map[string]struct{}

	// defaultEphemeralEnv is the environment whose deploy targets carry
	// no meaningful git ref; components resolved for it without a usable
	// reference environment fall back to ref "master".
	defaultEphemeralEnv string
}

// NewResolver builds a Resolver. rootApps lists the accepted parent apps;
// defaultEphemeralEnv names the environment described above.
func NewResolver(querier Querier, rootApps []string, defaultEphemeralEnv string) *Resolver {
	roots := make(map[string]struct{}, len(rootApps))
	for _, name := range rootApps {
		roots[name] = struct{}{}
	}
	return &Resolver{
		querier:             querier,
		rootApps:            roots,
		defaultEphemeralEnv: defaultEphemeralEnv,
	}
}

// AppsForEnv fetches the catalog and scopes it to envName: every component
// deploy target living in one of the environment's namespaces becomes a
// ComponentConfig, with parameters layered env < component < target and
// ${VAR} references in environment parameters resolved in place.
//
// When the same component has several targets in the environment, the
// target matching more preference pairs wins; REPLICAS/MIN_REPLICAS >= 1
// breaks ties in favor of the scaled-up target.
func (r *Resolver) AppsForEnv(ctx context.Context, envName string, prefs map[string]string) (Catalog, error) {
	if envName == "" {
		return Catalog{}, nil
	}
	logx.Logger().Info("fetching app deployment configs", "env", envName)

	envs, err := r.querier.Environments(ctx)
	if err != nil {
		return nil, err
	}
	var env *Environment
	for i := range envs {
		if envs[i].Name == envName {
			env = &envs[i]
			break
		}
	}
	if env == nil {
		return nil, fmt.Errorf("%w: %s", ErrEnvNotFound, envName)
	}

	envParams, err := parseParams(env.Parameters)
	if err != nil {
		return nil, fmt.Errorf("environment %q: %w", envName, err)
	}
	interpolateParams(envParams)

	envNamespaces := make(map[string]struct{}, len(env.Namespaces))
	for _, ns := range env.Namespaces {
		envNamespaces[ns.Name] = struct{}{}
	}

	apps, err := r.querier.Applications(ctx)
	if err != nil {
		return nil, err
	}

	catalog := Catalog{}
	var ignored []string
	for _, app := range apps {
		if app.ParentApp != nil {
			if _, ok := r.rootApps[app.ParentApp.Name]; !ok {
				ignored = append(ignored, app.Name)
				continue
			}
		}
		for _, comp := range app.Components {
			for _, target := range comp.Targets {
				if _, ok := envNamespaces[target.Namespace.Name]; !ok {
					continue
				}
				cfg, err := buildComponentConfig(envParams, comp, target)
				if err != nil {
					return nil, fmt.Errorf("app %q component %q: %w", app.Name, comp.Name, err)
				}
				addComponentIfPreferred(catalog, app.Name, cfg, prefs)
			}
		}
	}

	if len(ignored) > 0 {
		logx.Logger().Debug("ignored apps with unexpected parent",
			"env", envName, "apps", strings.Join(ignored, ","))
	}
	return catalog, nil
}

// buildComponentConfig merges the parameter layers for one deploy target
// and parses the component's source descriptor.
func buildComponentConfig(envParams map[string]string, comp Component, target Target) (*ComponentConfig, error) {
	host, org, repo, err := parseSourceURL(comp.URL)
	if err != nil {
		return nil, err
	}

	compParams, err := parseParams(comp.Parameters)
	if err != nil {
		return nil, err
	}
	targetParams, err := parseParams(target.Parameters)
	if err != nil {
		return nil, err
	}

	params := make(map[string]string, len(envParams)+len(compParams)+len(targetParams))
	for k, v := range envParams {
		params[k] = v
	}
	for k, v := range compParams {
		params[k] = v
	}
	for k, v := range targetParams {
		params[k] = v
	}

	return &ComponentConfig{
		Name:       comp.Name,
		Host:       host,
		Repo:       org + "/" + repo,
		Path:       comp.Path,
		Ref:        target.Ref,
		Parameters: params,
	}, nil
}

// parseSourceURL classifies a component source URL as github or gitlab and
// extracts its org/repo pair.
func parseSourceURL(raw string) (host, org, repo string, err error) {
	switch {
	case strings.Contains(raw, "github"):
		host = "github"
	case strings.Contains(raw, "gitlab"):
		host = "gitlab"
	default:
		return "", "", "", fmt.Errorf("unknown host for source url %q", raw)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid source url %q: %w", raw, err)
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) < 2 {
		return "", "", "", fmt.Errorf("invalid source url %q: missing org/repo", raw)
	}
	return host, segments[len(segments)-2], segments[len(segments)-1], nil
}

// addComponentIfPreferred inserts cfg into the catalog, arbitrating between
// duplicate definitions of the same component by preference weight.
func addComponentIfPreferred(catalog Catalog, appName string, cfg *ComponentConfig, prefs map[string]string) {
	app, ok := catalog[appName]
	if !ok {
		app = &AppConfig{Name: appName}
		catalog[appName] = app
	}
	for i, existing := range app.Components {
		if existing.Name != cfg.Name {
			continue
		}
		if preferenceWeight(cfg.Parameters, prefs) > preferenceWeight(existing.Parameters, prefs) {
			logx.Logger().Debug("duplicate deploy target replaced by higher-weighted definition",
				"app", appName, "component", cfg.Name)
			app.Components[i] = cfg
		}
		return
	}
	app.Components = append(app.Components, cfg)
}

// preferenceWeight scores a target's parameters: one point per matching
// preference pair (case-insensitive) and one point per replica-count
// parameter that is at least 1.
func preferenceWeight(params, prefs map[string]string) int {
	weight := 0
	for name, want := range prefs {
		if strings.EqualFold(params[name], want) {
			weight++
		}
	}
	for _, name := range []string{"REPLICAS", "MIN_REPLICAS"} {
		if n, err := strconv.Atoi(params[name]); err == nil && n >= 1 {
			weight++
		}
	}
	return weight
}

// interpolateParams resolves ${VAR} references between values of the same
// parameter map in place, e.g. KAFKA_URL='${KAFKA_HOST}:9092'.
func interpolateParams(params map[string]string) {
	for key, val := range params {
		for _, match := range envVarRefRE.FindAllStringSubmatch(val, -1) {
			ref := match[1]
			if replacement, ok := params[ref]; ok {
				val = strings.ReplaceAll(val, "${"+ref+"}", replacement)
			}
		}
		params[key] = val
	}
}

// SubstituteRefs overwrites each component's ref and IMAGE_TAG* parameters
// with those of its reference target: the matching component in refEnv,
// falling back to fallbackRefEnv. Components with no reference target keep
// their ref, except when targetEnv is the default ephemeral environment,
// whose deploy targets carry no meaningful git ref — those fall back to
// "master".
func (r *Resolver) SubstituteRefs(ctx context.Context, apps Catalog, targetEnv, refEnv, fallbackRefEnv string, prefs map[string]string) error {
	if fallbackRefEnv == refEnv {
		fallbackRefEnv = ""
	}
	logx.Logger().Info("substituting git refs and image tags from reference env",
		"ref_env", refEnv, "fallback_ref_env", fallbackRefEnv)

	refApps, err := r.AppsForEnv(ctx, refEnv, prefs)
	if err != nil {
		return err
	}
	fallbackApps, err := r.AppsForEnv(ctx, fallbackRefEnv, prefs)
	if err != nil {
		return err
	}

	for appName, app := range apps {
		for _, comp := range app.Components {
			refComp := refApps.Component(appName, comp.Name)
			if refComp == nil {
				refComp = fallbackApps.Component(appName, comp.Name)
			}
			if refComp == nil {
				if targetEnv == r.defaultEphemeralEnv {
					logx.Logger().Debug("no reference deploy config, using ref master",
						"app", appName, "component", comp.Name)
					comp.Ref = "master"
				}
				continue
			}
			comp.Ref = refComp.Ref
			for name, val := range refComp.Parameters {
				if strings.HasPrefix(name, "IMAGE_TAG") {
					if comp.Parameters == nil {
						comp.Parameters = map[string]string{}
					}
					comp.Parameters[name] = val
				}
			}
			logx.Logger().Debug("using git ref from reference env",
				"app", appName, "component", comp.Name, "ref", comp.Ref)
		}
	}
	return nil
}
