package ember

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"time"

	"k8s.io/client-go/rest"

	"github.com/emberops/ember/internal/catalog"
	"github.com/emberops/ember/internal/cluster"
	"github.com/emberops/ember/internal/logx"
	"github.com/emberops/ember/internal/manifest"
	"github.com/emberops/ember/internal/readiness"
	"github.com/emberops/ember/internal/reconcile"
	"github.com/emberops/ember/internal/reserve"
	"github.com/emberops/ember/internal/resolve"
)

// Client is the entry point for all ember operations: resolving app
// configurations from the catalog, reserving pooled namespaces, deploying
// rendered manifests, waiting for readiness, and reconciling the pool.
//
// A Client is immutable after New and safe for concurrent use, except that
// concurrent Process or Deploy runs share the template fetcher's HTTP
// client but nothing else.
type Client struct {
	cfg      clientConfig
	cluster  cluster.Interface
	querier  catalog.Querier
	fetcher  resolve.TemplateFetcher
	reserver *reserve.Manager
	waiter   *readiness.Waiter
}

// defaultClientConfig returns a clientConfig populated with all default
// values. Both New and test helpers use this to avoid duplicating the
// default field assignments.
func defaultClientConfig() clientConfig {
	return clientConfig{
		catalogEnv:     DefaultCatalogEnv,
		cacheTTL:       DefaultCacheTTL,
		pool:           DefaultPool,
		duration:       DefaultDuration,
		reserveTimeout: DefaultReserveTimeout,
		deployTimeout:  DefaultDeployTimeout,
	}
}

// New builds a Client against the cluster described by restCfg.
//
// Panics if any option receives an invalid value. See individual With*
// functions for constraints.
func New(restCfg *rest.Config, opts ...Option) (*Client, error) {
	cl, err := cluster.New(restCfg)
	if err != nil {
		return nil, fmt.Errorf("building cluster client: %w", err)
	}
	return newClient(cl, opts...)
}

// newClient finishes construction on top of an arbitrary cluster
// implementation. Tests inject a fake cluster through here.
func newClient(cl cluster.Interface, opts ...Option) (*Client, error) {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.requester == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("determining requester from OS user: %w", err)
		}
		cfg.requester = u.Username
	}

	var querier catalog.Querier
	if cfg.catalogURL != "" {
		querier = catalog.NewHTTPQuerier(cfg.catalogURL, cfg.catalogToken)
		if cfg.cachePath != "" {
			querier = catalog.NewCachedQuerier(querier, cfg.cachePath, cfg.cacheTTL)
		}
	}

	var waiterOpts []readiness.Option
	if cfg.deferStatusErrors {
		waiterOpts = append(waiterOpts, readiness.WithDeferredStatusErrors())
	}

	return &Client{
		cfg:      cfg,
		cluster:  cl,
		querier:  querier,
		fetcher:  resolve.NewRepoFetcher(),
		reserver: reserve.NewManager(cl),
		waiter:   readiness.NewWaiter(cl, waiterOpts...),
	}, nil
}

// Namespace is the decoded state of one governed namespace, read from its
// tracking labels at call time.
type Namespace struct {
	Name      string
	Pool      string
	Reserved  bool
	Ready     bool
	Requester string

	// RequesterName is the human-readable requester identity, when the
	// operator recorded one alongside the label-sanitized Requester.
	RequesterName string

	Duration string
	Expires  time.Time
}

func (n *Namespace) tracked() *reserve.Namespace {
	return &reserve.Namespace{
		Name:          n.Name,
		Pool:          n.Pool,
		Reserved:      n.Reserved,
		Ready:         n.Ready,
		Requester:     n.Requester,
		RequesterName: n.RequesterName,
		Duration:      n.Duration,
		Expires:       n.Expires,
	}
}

// Available reports whether the namespace can be handed out.
func (n *Namespace) Available() bool {
	return n.tracked().Available()
}

// Expired reports whether the namespace's reservation expiry has passed.
func (n *Namespace) Expired() bool {
	return n.tracked().Expired(time.Now())
}

// ExpiresIn renders the remaining reservation time for display. A reserved
// namespace whose expiry has not been stamped yet shows "TBD".
func (n *Namespace) ExpiresIn() string {
	return n.tracked().ExpiresIn(time.Now())
}

func fromTracked(ns *reserve.Namespace) *Namespace {
	return &Namespace{
		Name:          ns.Name,
		Pool:          ns.Pool,
		Reserved:      ns.Reserved,
		Ready:         ns.Ready,
		Requester:     ns.Requester,
		RequesterName: ns.RequesterName,
		Duration:      ns.Duration,
		Expires:       ns.Expires,
	}
}

// ReserveOptions configures one reservation attempt. Zero values fall back
// to the Client's configured defaults.
type ReserveOptions struct {
	// Name of the reservation record. Generated when empty.
	Name string

	// Requester owning the reservation.
	Requester string

	// Duration the namespace is held for, e.g. "1h30m".
	Duration string

	// Pool the namespace is drawn from.
	Pool string

	// Timeout bounds the wait for the operator to bind a namespace.
	Timeout time.Duration

	// Force skips the one-active-reservation-per-requester check.
	Force bool
}

// Reserve submits a namespace reservation and blocks until the operator
// binds a concrete namespace or the timeout elapses.
func (c *Client) Reserve(ctx context.Context, opts ReserveOptions) (*Namespace, error) {
	req := reserve.ReserveRequest{
		Name:      opts.Name,
		Requester: opts.Requester,
		Duration:  opts.Duration,
		Pool:      opts.Pool,
		Timeout:   opts.Timeout,
		Force:     opts.Force,
	}
	if req.Requester == "" {
		req.Requester = c.cfg.requester
	}
	if req.Duration == "" {
		req.Duration = c.cfg.duration
	}
	if req.Pool == "" {
		req.Pool = c.cfg.pool
	}
	if req.Timeout <= 0 {
		req.Timeout = c.cfg.reserveTimeout
	}

	ns, err := c.reserver.Reserve(ctx, req)
	if err != nil {
		return nil, err
	}
	return fromTracked(ns), nil
}

// Release releases the reservation bound to a namespace. The namespace is
// reclaimed on the next reconciliation pass.
func (c *Client) Release(ctx context.Context, namespace string) error {
	return c.reserver.Release(ctx, namespace)
}

// Extend adds extra time to the reservation bound to a namespace. An
// expired reservation cannot be extended.
func (c *Client) Extend(ctx context.Context, namespace, duration string) error {
	return c.reserver.Extend(ctx, namespace, duration)
}

// GetNamespace reads one governed namespace's current state.
func (c *Client) GetNamespace(ctx context.Context, name string) (*Namespace, error) {
	ns, err := c.reserver.Namespace(ctx, name)
	if err != nil {
		return nil, err
	}
	return fromTracked(ns), nil
}

// NamespaceFilter narrows Namespaces output.
type NamespaceFilter struct {
	// Available keeps only namespaces that are ready and unreserved.
	Available bool

	// Mine keeps only namespaces reserved by the Client's requester.
	Mine bool
}

// Namespaces returns the governed namespaces, sorted by name.
func (c *Client) Namespaces(ctx context.Context, filter NamespaceFilter) ([]*Namespace, error) {
	opts := reserve.ListOptions{Available: filter.Available}
	if filter.Mine {
		opts.Requester = c.cfg.requester
	}
	list, err := c.reserver.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*Namespace, 0, len(list))
	for _, ns := range list {
		out = append(out, fromTracked(ns))
	}
	return out, nil
}

// ProcessOptions configures one resolution run.
type ProcessOptions struct {
	// Apps are the requested app names. Required.
	Apps []string

	// Namespace is rendered into components that do not pin their own
	// NAMESPACE parameter, and names the ClowdEnvironment every component
	// targets. Optional for Process, set by Deploy.
	Namespace string

	// NoDependencies disables the transitive dependency walk.
	NoDependencies bool

	// OptionalDepsMethod is one of "all", "none", "hybrid". Empty
	// defaults to hybrid: optional dependencies are expanded only on apps
	// the caller explicitly requested.
	OptionalDepsMethod string

	// SetImageTag maps image name to replacement tag. Every override must
	// match at least once across the whole run.
	SetImageTag map[string]string

	// SetTemplateRef maps "component" or "app/component" to a git ref
	// overriding the component's configured ref.
	SetTemplateRef map[string]string

	// SetParameter maps "component/param" or "app/component/param" to a
	// value overriding the component's configured parameter.
	SetParameter map[string]string

	// Remove/no-remove selectors for resource requests and limits on
	// rendered ClowdApps ("all", "app:<name>", or a component name).
	// Removal is the default when no selector matches.
	RemoveResources   []string
	NoRemoveResources []string

	// Remove/no-remove selectors for dependency declarations on rendered
	// ClowdApps. Keeping them is the default when no selector matches.
	RemoveDependencies   []string
	NoRemoveDependencies []string

	// SingleReplicas clamps replica counts above 1 down to 1.
	SingleReplicas bool

	// ComponentFilter keeps only the named components in the output;
	// their dependencies are still walked.
	ComponentFilter []string

	// ExcludeComponents drops the named components from the output.
	ExcludeComponents []string

	// Preferences arbitrate between duplicate deploy targets in the
	// catalog; a target matching more preference pairs wins.
	Preferences map[string]string

	// RefEnv and FallbackRefEnv override the Client's configured
	// ref-substitution environments for this run.
	RefEnv         string
	FallbackRefEnv string
}

// Process resolves the requested apps into a rendered manifest list without
// touching the cluster. The result is a v1 List envelope ready to be
// serialized or applied.
func (c *Client) Process(ctx context.Context, opts ProcessOptions) (map[string]any, error) {
	store, err := c.process(ctx, opts)
	if err != nil {
		return nil, err
	}
	return store.AsList(), nil
}

func (c *Client) process(ctx context.Context, opts ProcessOptions) (*manifest.Store, error) {
	if len(opts.Apps) == 0 {
		return nil, errors.New("no apps requested")
	}

	apps, err := c.loadCatalog(ctx, opts)
	if err != nil {
		return nil, err
	}

	envName := c.cfg.catalogEnv
	if opts.Namespace != "" {
		envName = envNameFor(opts.Namespace)
	}

	resolver, err := resolve.New(apps, c.fetcher, resolve.Options{
		Apps:                 opts.Apps,
		TargetEnv:            envName,
		Namespace:            opts.Namespace,
		GetDependencies:      !opts.NoDependencies,
		OptionalDepsMethod:   opts.OptionalDepsMethod,
		ImageTagOverrides:    opts.SetImageTag,
		TemplateRefOverrides: opts.SetTemplateRef,
		ParameterOverrides:   opts.SetParameter,
		RemoveResources:      resolve.ParseSelectors(opts.RemoveResources),
		NoRemoveResources:    resolve.ParseSelectors(opts.NoRemoveResources),
		RemoveDependencies:   resolve.ParseSelectors(opts.RemoveDependencies),
		NoRemoveDependencies: resolve.ParseSelectors(opts.NoRemoveDependencies),
		SingleReplicas:       opts.SingleReplicas,
		ComponentFilter:      opts.ComponentFilter,
		ExcludeComponents:    opts.ExcludeComponents,
	})
	if err != nil {
		return nil, err
	}
	return resolver.Process(ctx)
}

// loadCatalog assembles the app catalog for one run: remote catalog query,
// local override merge, then template ref substitution.
func (c *Client) loadCatalog(ctx context.Context, opts ProcessOptions) (catalog.Catalog, error) {
	apps := catalog.Catalog{}
	var resolver *catalog.Resolver
	if c.querier != nil {
		resolver = catalog.NewResolver(c.querier, c.cfg.rootApps, c.cfg.catalogEnv)
		remote, err := resolver.AppsForEnv(ctx, c.cfg.catalogEnv, opts.Preferences)
		if err != nil {
			return nil, err
		}
		apps = remote
	}

	if c.cfg.localConfigPath != "" {
		local, err := catalog.LoadLocalConfig(c.cfg.localConfigPath)
		if err != nil {
			return nil, err
		}
		if err := local.Merge(apps); err != nil {
			return nil, err
		}
	}
	if len(apps) == 0 {
		return nil, errors.New("no app configurations available: configure a catalog or a local config")
	}

	refEnv := opts.RefEnv
	if refEnv == "" {
		refEnv = c.cfg.refEnv
	}
	fallback := opts.FallbackRefEnv
	if fallback == "" {
		fallback = c.cfg.fallbackRefEnv
	}
	if refEnv != "" {
		if resolver == nil {
			return nil, errors.New("ref env substitution requires a remote catalog")
		}
		if err := resolver.SubstituteRefs(ctx, apps, c.cfg.catalogEnv, refEnv, fallback, opts.Preferences); err != nil {
			return nil, err
		}
	}
	return apps, nil
}

// DeployOptions configures one deploy run.
type DeployOptions struct {
	ProcessOptions

	// Pool, Duration and ReserveTimeout apply when no Namespace is set
	// and one is auto-reserved. Zero values fall back to the Client's
	// configured defaults.
	Pool           string
	Duration       string
	ReserveTimeout time.Duration

	// Timeout bounds the readiness wait after apply. Zero falls back to
	// the Client's configured deploy timeout.
	Timeout time.Duration

	// NoReleaseOnFailure keeps an auto-reserved namespace around when the
	// deploy fails, for debugging.
	NoReleaseOnFailure bool
}

// Deploy resolves the requested apps, applies the rendered manifests into a
// namespace, and waits for every applied resource to converge. When no
// namespace is given, one is reserved first and released again if the
// deploy fails — a namespace the caller brought along is never released.
// Returns the namespace deployed into.
func (c *Client) Deploy(ctx context.Context, opts DeployOptions) (string, error) {
	namespace := opts.Namespace
	autoReserved := false
	if namespace == "" {
		ns, err := c.Reserve(ctx, ReserveOptions{
			Pool:     opts.Pool,
			Duration: opts.Duration,
			Timeout:  opts.ReserveTimeout,
		})
		if err != nil {
			return "", fmt.Errorf("reserving namespace: %w", err)
		}
		namespace = ns.Name
		autoReserved = true
		opts.Namespace = namespace
	}

	err := c.deploy(ctx, opts)
	if err != nil && autoReserved && !opts.NoReleaseOnFailure {
		// the run may have been interrupted; the release must still go
		// through, on a fresh deadline
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if rerr := c.Release(releaseCtx, namespace); rerr != nil {
			logx.Logger().Error("failed to release auto-reserved namespace",
				"namespace", namespace, "err", rerr)
		} else {
			logx.Logger().Info("released auto-reserved namespace after failed deploy",
				"namespace", namespace)
		}
	}
	if err != nil {
		return "", err
	}
	return namespace, nil
}

func (c *Client) deploy(ctx context.Context, opts DeployOptions) error {
	store, err := c.process(ctx, opts.ProcessOptions)
	if err != nil {
		return err
	}

	logx.Logger().Info("applying rendered manifests",
		"namespace", opts.Namespace, "items", store.Len())
	if err := c.cluster.Apply(ctx, opts.Namespace, store.AsList()); err != nil {
		return fmt.Errorf("applying manifests: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.deployTimeout
	}
	return c.WaitForAll(ctx, opts.Namespace, timeout)
}

// WaitForAll waits for everything deployed in a namespace to converge:
// first the ClowdEnvironment targeting the namespace, then every ClowdApp,
// then any remaining checkable resource. Terminal resource statuses abort
// the wait unless the Client was built with WithDeferredStatusErrors, in
// which case they are collected and joined into the returned error.
func (c *Client) WaitForAll(ctx context.Context, namespace string, timeout time.Duration) error {
	failures, err := c.waiter.WaitForAll(ctx, namespace, timeout)
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		errs := make([]error, 0, len(failures))
		for _, f := range failures {
			errs = append(errs, f)
		}
		return errors.Join(errs...)
	}
	return nil
}

// WaitForReady waits for a single resource to become ready.
func (c *Client) WaitForReady(ctx context.Context, namespace, kind, name string, timeout time.Duration) error {
	return c.waiter.WaitForReady(ctx, namespace, kind, name, timeout)
}

// WaitOnJobInvocation waits for the Job spawned by a ClowdJobInvocation,
// then for its Pod to run. Returns the pod name.
func (c *Client) WaitOnJobInvocation(ctx context.Context, namespace, name string, timeout time.Duration) (string, error) {
	return c.waiter.WaitOnJobInvocation(ctx, namespace, name, timeout)
}

// ReconcileOptions configures a reconciliation pass over the pool of
// governed namespaces.
type ReconcileOptions struct {
	// BaseNamespace is the namespace holding the shared secrets copied
	// into each namespace during re-prep.
	BaseNamespace string

	// BaseSecretNames lists the secrets to copy from BaseNamespace.
	BaseSecretNames []string

	// EnvTemplate is the environment template rendered and applied into
	// each namespace during re-prep.
	EnvTemplate []byte

	// ReadyTimeout bounds the readiness wait of one re-prepped namespace.
	ReadyTimeout time.Duration
}

// Reconcile runs one reconciliation pass: expired reservations are
// reclaimed, released namespaces are re-prepped with the base resources,
// and newly bound reservations get their expiry stamped. Namespace failures
// are isolated; the returned error joins them.
func (c *Client) Reconcile(ctx context.Context, opts ReconcileOptions) error {
	r, err := reconcile.New(reconcile.Config{
		Client:          c.cluster,
		Waiter:          c.waiter,
		BaseNamespace:   opts.BaseNamespace,
		BaseSecretNames: opts.BaseSecretNames,
		EnvTemplate:     opts.EnvTemplate,
		ReadyTimeout:    opts.ReadyTimeout,
	})
	if err != nil {
		return err
	}
	return r.Reconcile(ctx)
}

// envNameFor returns the ClowdEnvironment name for a namespace, matching
// the name the reconciler renders into the base environment template.
func envNameFor(namespace string) string {
	return "env-" + namespace
}
