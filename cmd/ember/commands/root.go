// Package commands implements the ember CLI. Commands are thin wrappers
// over the ember package: flag parsing, client construction, and output
// formatting only.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/emberops/ember"
)

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	kubeconfig   string
	catalogURL   string
	catalogToken string
	catalogEnv   string
	localConfig  string
	cacheFile    string
	cacheTTL     time.Duration
	requester    string
	debug        bool
}

// Execute runs the root command.
func Execute(ctx context.Context, version string) error {
	return newRootCommand(version).ExecuteContext(ctx)
}

func newRootCommand(version string) *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "ember",
		Short: "Deploy app stacks into pooled ephemeral namespaces",
		Long: `ember resolves app configurations from a remote catalog, renders each
component's deploy template at the right git ref, and deploys the result
into an ephemeral namespace reserved from an operator-managed pool.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if flags.debug {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
			ember.SetLogger(logger.With("component", "ember"))
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.kubeconfig, "kubeconfig", "", "path to the kubeconfig file (default: standard loading rules)")
	pf.StringVar(&flags.catalogURL, "catalog-url", os.Getenv("EMBER_CATALOG_URL"), "remote app catalog endpoint")
	pf.StringVar(&flags.catalogToken, "catalog-token", os.Getenv("EMBER_CATALOG_TOKEN"), "bearer token for the app catalog")
	pf.StringVar(&flags.catalogEnv, "catalog-env", ember.DefaultCatalogEnv, "catalog environment to resolve app configs from")
	pf.StringVar(&flags.localConfig, "local-config", "", "local override config file merged over the remote catalog")
	pf.StringVar(&flags.cacheFile, "cache-file", "", "catalog cache file (empty disables caching)")
	pf.DurationVar(&flags.cacheTTL, "cache-ttl", ember.DefaultCacheTTL, "how long cached catalog results stay fresh")
	pf.StringVar(&flags.requester, "requester", "", "requester name stamped onto reservations (default: OS user)")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newProcessCommand(flags))
	rootCmd.AddCommand(newDeployCommand(flags))
	rootCmd.AddCommand(newNamespaceCommand(flags))
	rootCmd.AddCommand(newWaitCommand(flags))

	return rootCmd
}

// buildClient constructs the ember client from the persistent flags.
func buildClient(flags *rootFlags, extra ...ember.Option) (*ember.Client, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if flags.kubeconfig != "" {
		loadingRules.ExplicitPath = flags.kubeconfig
	}
	restCfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}

	opts := []ember.Option{ember.WithCatalogEnv(flags.catalogEnv)}
	if flags.catalogURL != "" {
		opts = append(opts, ember.WithCatalog(flags.catalogURL, flags.catalogToken))
	}
	if flags.localConfig != "" {
		opts = append(opts, ember.WithLocalConfig(flags.localConfig))
	}
	if flags.cacheFile != "" {
		opts = append(opts, ember.WithCatalogCache(flags.cacheFile, flags.cacheTTL))
	}
	if flags.requester != "" {
		opts = append(opts, ember.WithRequester(flags.requester))
	}
	opts = append(opts, extra...)

	return ember.New(restCfg, opts...)
}

// parsePairs parses repeated "key=value" flag values into a map.
func parsePairs(flagName string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		key, value, found := strings.Cut(v, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("--%s expects key=value, got %q", flagName, v)
		}
		out[key] = value
	}
	return out, nil
}
