package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeLocalConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLocalConfig(t *testing.T) {
	t.Parallel()

	path := writeLocalConfig(t, `
apps:
  - name: advisor
    components:
      - name: puptoo
        host: github
        repo: org/puptoo
        path: deploy/template.yaml
`)
	cfg, err := LoadLocalConfig(path)
	if err != nil {
		t.Fatalf("LoadLocalConfig() error: %v", err)
	}
	if cfg.AppsMergeMode != MergeModeMerge {
		t.Errorf("AppsMergeMode = %q, want the merge default", cfg.AppsMergeMode)
	}
	if len(cfg.Apps) != 1 || cfg.Apps[0].Name != "advisor" {
		t.Errorf("Apps = %+v, want a single advisor app", cfg.Apps)
	}
}

func TestLoadLocalConfig_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeLocalConfig(t, `
apps: []
appsMergMode: merge
`)
	if _, err := LoadLocalConfig(path); err == nil {
		t.Error("expected a strict-decode error for the misspelled key")
	}
}

func TestLoadLocalConfig_UnknownMergeMode(t *testing.T) {
	t.Parallel()

	path := writeLocalConfig(t, `
appsMergeMode: replace
apps: []
`)
	_, err := LoadLocalConfig(path)
	if !errors.Is(err, ErrUnknownMergeMode) {
		t.Errorf("error = %v, want ErrUnknownMergeMode", err)
	}
}

func TestLoadLocalConfig_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := LoadLocalConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestLocalConfigMerge(t *testing.T) {
	t.Parallel()

	remote := func() Catalog {
		return Catalog{
			"advisor": {
				Name: "advisor",
				Components: []*ComponentConfig{
					{
						Name: "puptoo", Host: "github", Repo: "org/puptoo", Path: "p", Ref: "remote",
						Parameters: map[string]string{"REPLICAS": "3", "LOG_LEVEL": "info"},
					},
					{Name: "storage-broker", Host: "github", Repo: "org/storage-broker", Path: "p"},
				},
			},
		}
	}
	localPuptoo := &ComponentConfig{Name: "puptoo", Host: "gitlab", Repo: "me/puptoo", Path: "p", Ref: "local"}
	localNew := &ComponentConfig{Name: "sidecar", Host: "github", Repo: "me/sidecar", Path: "p"}

	t.Run("merge overlays and appends components", func(t *testing.T) {
		t.Parallel()

		catalog := remote()
		cfg := &LocalConfig{
			AppsMergeMode: MergeModeMerge,
			Apps: []*AppConfig{
				{Name: "advisor", Components: []*ComponentConfig{localPuptoo, localNew}},
			},
		}
		if err := cfg.Merge(catalog); err != nil {
			t.Fatalf("Merge() error: %v", err)
		}

		merged := catalog.Component("advisor", "puptoo")
		if merged.Ref != "local" || merged.Host != "gitlab" {
			t.Errorf("puptoo = %+v, want the local fields applied", merged)
		}
		if merged.Parameters["REPLICAS"] != "3" {
			t.Errorf("puptoo parameters = %v, want the remote parameters kept", merged.Parameters)
		}
		if catalog.Component("advisor", "storage-broker") == nil {
			t.Error("untouched remote component went missing")
		}
		if catalog.Component("advisor", "sidecar") == nil {
			t.Error("new local component was not appended")
		}
	})

	t.Run("merge keeps remote fields the local override leaves unset", func(t *testing.T) {
		t.Parallel()

		catalog := remote()
		cfg := &LocalConfig{
			AppsMergeMode: MergeModeMerge,
			Apps: []*AppConfig{
				{Name: "advisor", Components: []*ComponentConfig{{
					Name:       "puptoo",
					Ref:        "my-branch",
					Parameters: map[string]string{"LOG_LEVEL": "debug", "EXTRA": "1"},
				}}},
			},
		}
		if err := cfg.Merge(catalog); err != nil {
			t.Fatalf("Merge() error: %v", err)
		}

		merged := catalog.Component("advisor", "puptoo")
		if merged.Host != "github" || merged.Repo != "org/puptoo" || merged.Path != "p" {
			t.Errorf("puptoo = %+v, want the remote source descriptor kept", merged)
		}
		if merged.Ref != "my-branch" {
			t.Errorf("puptoo ref = %q, want the local ref", merged.Ref)
		}
		want := map[string]string{"REPLICAS": "3", "LOG_LEVEL": "debug", "EXTRA": "1"}
		for k, v := range want {
			if merged.Parameters[k] != v {
				t.Errorf("parameter %s = %q, want %q", k, merged.Parameters[k], v)
			}
		}
	})

	t.Run("override replaces whole app", func(t *testing.T) {
		t.Parallel()

		catalog := remote()
		cfg := &LocalConfig{
			AppsMergeMode: MergeModeOverride,
			Apps: []*AppConfig{
				{Name: "advisor", Components: []*ComponentConfig{localPuptoo}},
			},
		}
		if err := cfg.Merge(catalog); err != nil {
			t.Fatalf("Merge() error: %v", err)
		}

		if got := len(catalog["advisor"].Components); got != 1 {
			t.Errorf("advisor has %d components, want the local definition only", got)
		}
		if catalog.Component("advisor", "storage-broker") != nil {
			t.Error("remote component survived an override merge")
		}
	})

	t.Run("app absent from remote is added in either mode", func(t *testing.T) {
		t.Parallel()

		catalog := remote()
		cfg := &LocalConfig{
			AppsMergeMode: MergeModeMerge,
			Apps: []*AppConfig{
				{Name: "extra", Components: []*ComponentConfig{localNew}},
			},
		}
		if err := cfg.Merge(catalog); err != nil {
			t.Fatalf("Merge() error: %v", err)
		}
		if catalog.Component("extra", "sidecar") == nil {
			t.Error("local-only app was not added")
		}
	})

	t.Run("merged result is validated", func(t *testing.T) {
		t.Parallel()

		catalog := remote()
		cfg := &LocalConfig{
			AppsMergeMode: MergeModeMerge,
			Apps: []*AppConfig{
				{Name: "advisor", Components: []*ComponentConfig{{Name: "broken"}}},
			},
		}
		if err := cfg.Merge(catalog); err == nil {
			t.Error("expected a validation error for the unresolvable local component")
		}
	})
}
