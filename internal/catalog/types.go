// Package catalog fetches the remote app catalog, scopes it to a target
// environment, substitutes deploy refs and image tags from a reference
// environment, and merges local overrides. Its output is the per-app
// component configuration the dependency resolver consumes.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emberops/ember/internal/sentinel"
)

// ErrEnvNotFound is returned when the requested environment does not exist
// in the remote catalog.
const ErrEnvNotFound = sentinel.Error("environment not found in catalog")

// Environment is one row of the "environments" query: a named environment,
// its JSON-encoded parameter map, and its member namespaces.
type Environment struct {
	Name       string         `json:"name"`
	Parameters string         `json:"parameters"`
	Namespaces []NamespaceRef `json:"namespaces"`
}

// NamespaceRef names one namespace belonging to an environment or hosting a
// deploy target.
type NamespaceRef struct {
	Name string `json:"name"`
}

// Application is one row of the "applications" query.
type Application struct {
	Name       string      `json:"name"`
	ParentApp  *ParentApp  `json:"parentApp"`
	Components []Component `json:"components"`
}

// ParentApp names an application's parent. Applications whose parent is not
// one of the expected roots are excluded from scoping.
type ParentApp struct {
	Name string `json:"name"`
}

// Component is one deployable unit's source descriptor plus its deploy
// targets across all environments.
type Component struct {
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	Path       string   `json:"path"`
	Parameters string   `json:"parameters"`
	Targets    []Target `json:"targets"`
}

// Target is one (namespace, ref, parameters) binding for a component.
type Target struct {
	Namespace  NamespaceRef `json:"namespace"`
	Ref        string       `json:"ref"`
	Parameters string       `json:"parameters"`
}

// Querier is the two-query read contract against the remote catalog. The
// default implementation is not safe for concurrent queries; callers must
// finish all catalog reads before fanning out into concurrent work.
type Querier interface {
	Environments(ctx context.Context) ([]Environment, error)
	Applications(ctx context.Context) ([]Application, error)
}

// AppConfig is one application scoped to a target environment: its name and
// the ordered components selected for that environment.
type AppConfig struct {
	Name       string             `json:"name" yaml:"name"`
	Components []*ComponentConfig `json:"components" yaml:"components"`
}

// ComponentConfig is one deployable unit after environment scoping. The
// override layers of a resolution run mutate Ref and Parameters.
type ComponentConfig struct {
	Name       string            `json:"name" yaml:"name"`
	Host       string            `json:"host" yaml:"host"`
	Repo       string            `json:"repo" yaml:"repo"`
	Path       string            `json:"path" yaml:"path"`
	Ref        string            `json:"ref,omitempty" yaml:"ref,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Catalog maps app name to its environment-scoped configuration.
type Catalog map[string]*AppConfig

// Component returns the named component of the named app, or nil.
func (c Catalog) Component(appName, componentName string) *ComponentConfig {
	app, ok := c[appName]
	if !ok {
		return nil
	}
	for _, comp := range app.Components {
		if comp.Name == componentName {
			return comp
		}
	}
	return nil
}

// Validate checks every app and component for the keys later stages rely
// on. Validation failure aborts resolution; no partial catalog is returned.
func (c Catalog) Validate() error {
	for appName, app := range c {
		if app.Name == "" {
			return fmt.Errorf("app %q is missing required key: name", appName)
		}
		for i, comp := range app.Components {
			if comp.Name == "" {
				return fmt.Errorf("component %d of app %q is missing required key: name", i, appName)
			}
			if comp.Host == "" || comp.Repo == "" || comp.Path == "" {
				return fmt.Errorf(
					"component %q of app %q has unresolvable source (host=%q repo=%q path=%q)",
					comp.Name, appName, comp.Host, comp.Repo, comp.Path)
			}
		}
	}
	return nil
}

// parseParams decodes a nullable JSON-encoded parameter map. Values of any
// JSON type are stringified, since template parameters are strings.
func parseParams(encoded string) (map[string]string, error) {
	if encoded == "" {
		return map[string]string{}, nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(encoded), &raw); err != nil {
		return nil, fmt.Errorf("decoding parameter map: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out, nil
}
