package catalog

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/emberops/ember/internal/logx"
	"github.com/emberops/ember/internal/sentinel"
)

// Merge modes for combining a local config with the fetched catalog.
const (
	// MergeModeMerge overlays local app definitions onto the fetched
	// catalog: same-named components are merged field by field with local
	// values winning, and new components are appended.
	MergeModeMerge = "merge"

	// MergeModeOverride replaces the entire definition of every app the
	// local config mentions.
	MergeModeOverride = "override"
)

// ErrUnknownMergeMode reports an unrecognised apps merge mode.
const ErrUnknownMergeMode = sentinel.Error("unknown apps merge mode")

// LocalConfig is the on-disk override file a developer points the tooling
// at to replace or extend the fetched catalog.
type LocalConfig struct {
	AppsMergeMode string       `yaml:"appsMergeMode"`
	Apps          []*AppConfig `yaml:"apps"`
}

// LoadLocalConfig reads and strictly decodes a local config file. Unknown
// keys are rejected so typos surface instead of being silently ignored.
func LoadLocalConfig(path string) (*LocalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading local config: %w", err)
	}
	cfg := &LocalConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing local config %s: %w", path, err)
	}
	if cfg.AppsMergeMode == "" {
		cfg.AppsMergeMode = MergeModeMerge
	}
	if cfg.AppsMergeMode != MergeModeMerge && cfg.AppsMergeMode != MergeModeOverride {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMergeMode, cfg.AppsMergeMode)
	}
	return cfg, nil
}

// Merge combines the local app definitions into catalog according to the
// configured merge mode. The catalog is modified in place.
func (c *LocalConfig) Merge(catalog Catalog) error {
	for _, localApp := range c.Apps {
		if localApp.Name == "" {
			return sentinel.Error("local config app with empty name")
		}
		existing, ok := catalog[localApp.Name]
		if !ok || c.AppsMergeMode == MergeModeOverride {
			if ok {
				logx.Logger().Info("overriding app definition with local config", "app", localApp.Name)
			}
			catalog[localApp.Name] = localApp
			continue
		}
		for _, localComp := range localApp.Components {
			merged := false
			for _, comp := range existing.Components {
				if comp.Name == localComp.Name {
					mergeComponent(comp, localComp)
					merged = true
					break
				}
			}
			if !merged {
				existing.Components = append(existing.Components, localComp)
			}
			logx.Logger().Debug("merged local component definition",
				"app", localApp.Name, "component", localComp.Name)
		}
	}
	return catalog.Validate()
}

// mergeComponent overlays the set fields of a local component onto the
// remote one. A local override typically pins only a ref or a parameter;
// everything it leaves unset keeps the remote value. Parameter maps are
// merged key by key, local values winning.
func mergeComponent(remote, local *ComponentConfig) {
	if local.Host != "" {
		remote.Host = local.Host
	}
	if local.Repo != "" {
		remote.Repo = local.Repo
	}
	if local.Path != "" {
		remote.Path = local.Path
	}
	if local.Ref != "" {
		remote.Ref = local.Ref
	}
	if len(local.Parameters) > 0 {
		if remote.Parameters == nil {
			remote.Parameters = make(map[string]string, len(local.Parameters))
		}
		for k, v := range local.Parameters {
			remote.Parameters[k] = v
		}
	}
}
