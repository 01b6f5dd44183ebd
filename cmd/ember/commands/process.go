package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emberops/ember"
)

// processFlags collects the resolution flags shared by process and deploy.
type processFlags struct {
	namespace          string
	noDependencies     bool
	optionalDepsMethod string
	setImageTag        []string
	setTemplateRef     []string
	setParameter       []string
	removeResources    []string
	noRemoveResources  []string
	removeDeps         []string
	noRemoveDeps       []string
	singleReplicas     bool
	componentFilter    []string
	excludeComponents  []string
	prefer             []string
	refEnv             string
	fallbackRefEnv     string
}

func (f *processFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.BoolVar(&f.noDependencies, "no-get-dependencies", false, "do not walk transitive dependencies")
	fl.StringVar(&f.optionalDepsMethod, "optional-deps-method", "hybrid", "optional dependency expansion: all, none, or hybrid")
	fl.StringArrayVar(&f.setImageTag, "set-image-tag", nil, "image=tag override (repeatable, must match at least once)")
	fl.StringArrayVar(&f.setTemplateRef, "set-template-ref", nil, "component=ref or app/component=ref override (repeatable)")
	fl.StringArrayVar(&f.setParameter, "set-parameter", nil, "component/param=value override (repeatable)")
	fl.StringArrayVar(&f.removeResources, "remove-resources", nil, "strip resource requests/limits: all, app:<name>, or component (repeatable)")
	fl.StringArrayVar(&f.noRemoveResources, "no-remove-resources", nil, "keep resource requests/limits: all, app:<name>, or component (repeatable)")
	fl.StringArrayVar(&f.removeDeps, "remove-dependencies", nil, "strip dependency declarations: all, app:<name>, or component (repeatable)")
	fl.StringArrayVar(&f.noRemoveDeps, "no-remove-dependencies", nil, "keep dependency declarations: all, app:<name>, or component (repeatable)")
	fl.BoolVar(&f.singleReplicas, "single-replicas", false, "clamp replica counts above 1 down to 1")
	fl.StringArrayVar(&f.componentFilter, "component", nil, "keep only these components in the output (repeatable)")
	fl.StringArrayVar(&f.excludeComponents, "exclude-component", nil, "drop these components from the output (repeatable)")
	fl.StringArrayVar(&f.prefer, "prefer", nil, "PARAM=value preference for duplicate deploy targets (repeatable)")
	fl.StringVar(&f.refEnv, "ref-env", "", "substitute template refs from this environment")
	fl.StringVar(&f.fallbackRefEnv, "fallback-ref-env", "", "fall back to this environment for refs the ref env does not pin")
}

func (f *processFlags) options(apps []string) (ember.ProcessOptions, error) {
	imageTags, err := parsePairs("set-image-tag", f.setImageTag)
	if err != nil {
		return ember.ProcessOptions{}, err
	}
	templateRefs, err := parsePairs("set-template-ref", f.setTemplateRef)
	if err != nil {
		return ember.ProcessOptions{}, err
	}
	params, err := parsePairs("set-parameter", f.setParameter)
	if err != nil {
		return ember.ProcessOptions{}, err
	}
	prefs, err := parsePairs("prefer", f.prefer)
	if err != nil {
		return ember.ProcessOptions{}, err
	}

	return ember.ProcessOptions{
		Apps:                 apps,
		Namespace:            f.namespace,
		NoDependencies:       f.noDependencies,
		OptionalDepsMethod:   f.optionalDepsMethod,
		SetImageTag:          imageTags,
		SetTemplateRef:       templateRefs,
		SetParameter:         params,
		RemoveResources:      f.removeResources,
		NoRemoveResources:    f.noRemoveResources,
		RemoveDependencies:   f.removeDeps,
		NoRemoveDependencies: f.noRemoveDeps,
		SingleReplicas:       f.singleReplicas,
		ComponentFilter:      f.componentFilter,
		ExcludeComponents:    f.excludeComponents,
		Preferences:          prefs,
		RefEnv:               f.refEnv,
		FallbackRefEnv:       f.fallbackRefEnv,
	}, nil
}

func newProcessCommand(root *rootFlags) *cobra.Command {
	flags := &processFlags{}

	cmd := &cobra.Command{
		Use:   "process APP [APP...]",
		Short: "Render the manifests for apps without touching the cluster",
		Example: `  # Render one app and its dependencies
  ember process my-app

  # Pin an image tag and render for a specific namespace
  ember process my-app --set-image-tag quay.io/org/image=abc1234 --namespace ephemeral-xyz`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(args)
			if err != nil {
				return err
			}
			client, err := buildClient(root)
			if err != nil {
				return err
			}

			list, err := client.Process(cmd.Context(), opts)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(list); err != nil {
				return fmt.Errorf("encoding output: %w", err)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&flags.namespace, "namespace", "n", "", "namespace rendered into the manifests")

	return cmd
}
