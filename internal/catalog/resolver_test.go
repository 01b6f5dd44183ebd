package catalog

import (
	"context"
	"errors"
	"testing"
)

// stubQuerier serves canned rows for both catalog queries.
type stubQuerier struct {
	envs []Environment
	apps []Application
	err  error
}

func (s *stubQuerier) Environments(context.Context) ([]Environment, error) {
	return s.envs, s.err
}

func (s *stubQuerier) Applications(context.Context) ([]Application, error) {
	return s.apps, s.err
}

func githubComponent(name string, targets ...Target) Component {
	return Component{
		Name:    name,
		URL:     "https://github.com/org/" + name,
		Path:    "deploy/template.yaml",
		Targets: targets,
	}
}

func TestAppsForEnv(t *testing.T) {
	t.Parallel()

	q := &stubQuerier{
		envs: []Environment{
			{
				Name:       "eph-42",
				Parameters: `{"KAFKA_HOST":"kafka","KAFKA_URL":"${KAFKA_HOST}:9092"}`,
				Namespaces: []NamespaceRef{{Name: "ns-42"}},
			},
		},
		apps: []Application{
			{
				Name:      "advisor",
				ParentApp: &ParentApp{Name: "insights"},
				Components: []Component{
					{
						Name:       "puptoo",
						URL:        "https://github.com/org/puptoo",
						Path:       "deploy/template.yaml",
						Parameters: `{"KAFKA_HOST":"comp-kafka","LOG_LEVEL":"info"}`,
						Targets: []Target{
							{Namespace: NamespaceRef{Name: "ns-42"}, Ref: "abc123", Parameters: `{"LOG_LEVEL":"debug","PORT":8080}`},
							{Namespace: NamespaceRef{Name: "ns-prod"}, Ref: "prod"},
						},
					},
				},
			},
			{
				Name:      "stray",
				ParentApp: &ParentApp{Name: "platform"},
				Components: []Component{
					githubComponent("stray-svc",
						Target{Namespace: NamespaceRef{Name: "ns-42"}, Ref: "x"}),
				},
			},
		},
	}

	r := NewResolver(q, []string{"insights"}, "ephemeral")
	apps, err := r.AppsForEnv(context.Background(), "eph-42", nil)
	if err != nil {
		t.Fatalf("AppsForEnv() error: %v", err)
	}

	if _, ok := apps["stray"]; ok {
		t.Error("app with unexpected parent was not excluded")
	}

	comp := apps.Component("advisor", "puptoo")
	if comp == nil {
		t.Fatal("puptoo missing from scoped catalog")
	}
	if comp.Host != "github" || comp.Repo != "org/puptoo" {
		t.Errorf("source = %s %s, want github org/puptoo", comp.Host, comp.Repo)
	}
	if comp.Ref != "abc123" {
		t.Errorf("ref = %q, want the in-env target's ref", comp.Ref)
	}

	// layering: env < component < target, with ${VAR} refs resolved and
	// non-string JSON values stringified
	want := map[string]string{
		"KAFKA_HOST": "comp-kafka",
		"KAFKA_URL":  "kafka:9092",
		"LOG_LEVEL":  "debug",
		"PORT":       "8080",
	}
	for k, v := range want {
		if comp.Parameters[k] != v {
			t.Errorf("parameter %s = %q, want %q", k, comp.Parameters[k], v)
		}
	}
}

func TestAppsForEnv_UnknownEnv(t *testing.T) {
	t.Parallel()

	r := NewResolver(&stubQuerier{envs: []Environment{{Name: "stage"}}}, nil, "ephemeral")
	_, err := r.AppsForEnv(context.Background(), "nope", nil)
	if !errors.Is(err, ErrEnvNotFound) {
		t.Errorf("error = %v, want ErrEnvNotFound", err)
	}
}

func TestAppsForEnv_EmptyNameShortCircuits(t *testing.T) {
	t.Parallel()

	r := NewResolver(&stubQuerier{err: errors.New("should not be queried")}, nil, "ephemeral")
	apps, err := r.AppsForEnv(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("AppsForEnv() error: %v", err)
	}
	if len(apps) != 0 {
		t.Errorf("catalog has %d apps, want 0", len(apps))
	}
}

func TestAppsForEnv_DuplicateTargetsArbitratedByPreference(t *testing.T) {
	t.Parallel()

	q := &stubQuerier{
		envs: []Environment{{
			Name:       "eph-42",
			Namespaces: []NamespaceRef{{Name: "ns-42"}},
		}},
		apps: []Application{{
			Name: "advisor",
			Components: []Component{
				githubComponent("puptoo",
					Target{Namespace: NamespaceRef{Name: "ns-42"}, Ref: "scaled-down", Parameters: `{"REPLICAS":"0"}`},
					Target{Namespace: NamespaceRef{Name: "ns-42"}, Ref: "scaled-up", Parameters: `{"REPLICAS":"2"}`},
				),
			},
		}},
	}

	r := NewResolver(q, nil, "ephemeral")
	apps, err := r.AppsForEnv(context.Background(), "eph-42", nil)
	if err != nil {
		t.Fatalf("AppsForEnv() error: %v", err)
	}
	comp := apps.Component("advisor", "puptoo")
	if comp == nil {
		t.Fatal("puptoo missing from scoped catalog")
	}
	if comp.Ref != "scaled-up" {
		t.Errorf("ref = %q, want the scaled-up target to win", comp.Ref)
	}
	if len(apps["advisor"].Components) != 1 {
		t.Errorf("advisor has %d components, want the duplicates collapsed to 1", len(apps["advisor"].Components))
	}
}

func TestPreferenceWeight(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		params map[string]string
		prefs  map[string]string
		want   int
	}{
		"no signals":               {params: map[string]string{}, want: 0},
		"matching preference":      {params: map[string]string{"TIER": "web"}, prefs: map[string]string{"TIER": "web"}, want: 1},
		"case-insensitive match":   {params: map[string]string{"TIER": "Web"}, prefs: map[string]string{"TIER": "web"}, want: 1},
		"mismatched preference":    {params: map[string]string{"TIER": "worker"}, prefs: map[string]string{"TIER": "web"}, want: 0},
		"replicas count":           {params: map[string]string{"REPLICAS": "2"}, want: 1},
		"zero replicas ignored":    {params: map[string]string{"REPLICAS": "0"}, want: 0},
		"min replicas count":       {params: map[string]string{"MIN_REPLICAS": "1"}, want: 1},
		"both replica params":      {params: map[string]string{"REPLICAS": "1", "MIN_REPLICAS": "1"}, want: 2},
		"preference plus replicas": {params: map[string]string{"TIER": "web", "REPLICAS": "3"}, prefs: map[string]string{"TIER": "web"}, want: 2},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := preferenceWeight(tc.params, tc.prefs); got != tc.want {
				t.Errorf("preferenceWeight() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestParseSourceURL(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		raw     string
		host    string
		org     string
		repo    string
		wantErr bool
	}{
		"github":             {raw: "https://github.com/org/repo", host: "github", org: "org", repo: "repo"},
		"gitlab nested path": {raw: "https://gitlab.example.com/group/sub/repo", host: "gitlab", org: "sub", repo: "repo"},
		"unknown host":       {raw: "https://bitbucket.org/org/repo", wantErr: true},
		"missing org":        {raw: "https://github.com/repo", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			host, org, repo, err := parseSourceURL(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Error("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSourceURL() error: %v", err)
			}
			if host != tc.host || org != tc.org || repo != tc.repo {
				t.Errorf("got %s %s/%s, want %s %s/%s", host, org, repo, tc.host, tc.org, tc.repo)
			}
		})
	}
}

func TestInterpolateParams(t *testing.T) {
	t.Parallel()

	params := map[string]string{
		"KAFKA_HOST": "kafka",
		"KAFKA_URL":  "${KAFKA_HOST}:9092",
		"UNRESOLVED": "${NOT_DEFINED}/x",
	}
	interpolateParams(params)

	if params["KAFKA_URL"] != "kafka:9092" {
		t.Errorf("KAFKA_URL = %q, want kafka:9092", params["KAFKA_URL"])
	}
	if params["UNRESOLVED"] != "${NOT_DEFINED}/x" {
		t.Errorf("UNRESOLVED = %q, want the reference left untouched", params["UNRESOLVED"])
	}
}

func TestSubstituteRefs(t *testing.T) {
	t.Parallel()

	q := &stubQuerier{
		envs: []Environment{
			{Name: "stage", Namespaces: []NamespaceRef{{Name: "ns-stage"}}},
			{Name: "prod", Namespaces: []NamespaceRef{{Name: "ns-prod"}}},
		},
		apps: []Application{{
			Name: "advisor",
			Components: []Component{
				githubComponent("puptoo",
					Target{Namespace: NamespaceRef{Name: "ns-stage"}, Ref: "stage-ref", Parameters: `{"IMAGE_TAG":"st1","IMAGE_TAG_INIT":"st2","OTHER":"x"}`}),
				githubComponent("ingress",
					Target{Namespace: NamespaceRef{Name: "ns-prod"}, Ref: "prod-ref"}),
			},
		}},
	}
	r := NewResolver(q, nil, "ephemeral")

	apps := Catalog{
		"advisor": {
			Name: "advisor",
			Components: []*ComponentConfig{
				{Name: "puptoo", Host: "github", Repo: "org/puptoo", Path: "deploy/template.yaml", Ref: "orig"},
				{Name: "ingress", Host: "github", Repo: "org/ingress", Path: "deploy/template.yaml", Ref: "orig"},
				{Name: "orphan", Host: "github", Repo: "org/orphan", Path: "deploy/template.yaml", Ref: "orig"},
			},
		},
	}

	if err := r.SubstituteRefs(context.Background(), apps, "ephemeral", "stage", "prod", nil); err != nil {
		t.Fatalf("SubstituteRefs() error: %v", err)
	}

	puptoo := apps.Component("advisor", "puptoo")
	if puptoo.Ref != "stage-ref" {
		t.Errorf("puptoo ref = %q, want the reference env's ref", puptoo.Ref)
	}
	if puptoo.Parameters["IMAGE_TAG"] != "st1" || puptoo.Parameters["IMAGE_TAG_INIT"] != "st2" {
		t.Errorf("IMAGE_TAG params = %v, want those of the reference target", puptoo.Parameters)
	}
	if _, ok := puptoo.Parameters["OTHER"]; ok {
		t.Error("non-IMAGE_TAG parameter was copied from the reference target")
	}

	if got := apps.Component("advisor", "ingress").Ref; got != "prod-ref" {
		t.Errorf("ingress ref = %q, want the fallback env's ref", got)
	}

	// no reference target anywhere and the target env is the default
	// ephemeral one: the ref falls back to master
	if got := apps.Component("advisor", "orphan").Ref; got != "master" {
		t.Errorf("orphan ref = %q, want master", got)
	}
}

func TestSubstituteRefs_NonEphemeralKeepsRef(t *testing.T) {
	t.Parallel()

	q := &stubQuerier{envs: []Environment{{Name: "stage"}}}
	r := NewResolver(q, nil, "ephemeral")

	apps := Catalog{
		"advisor": {
			Name: "advisor",
			Components: []*ComponentConfig{
				{Name: "orphan", Host: "github", Repo: "org/orphan", Path: "deploy/template.yaml", Ref: "orig"},
			},
		},
	}
	if err := r.SubstituteRefs(context.Background(), apps, "some-env", "stage", "", nil); err != nil {
		t.Fatalf("SubstituteRefs() error: %v", err)
	}
	if got := apps.Component("advisor", "orphan").Ref; got != "orig" {
		t.Errorf("ref = %q, want the original kept", got)
	}
}
