// Package reconcile sweeps the pool of governed namespaces: it expires
// stale reservations, reclaims and re-preps released namespaces, and stamps
// expiry times onto newly bound reservations.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/emberops/ember/internal/cluster"
	"github.com/emberops/ember/internal/logx"
	"github.com/emberops/ember/internal/readiness"
	"github.com/emberops/ember/internal/reserve"
	"github.com/emberops/ember/internal/resolve"
)

// IgnoreAnnotation marks a base secret that must not be copied into
// namespaces during re-prep.
const IgnoreAnnotation = "ember.ignore"

// workloadKinds are torn down when a namespace is reclaimed.
var workloadKinds = []string{"clowdjobinvocation", "clowdapp", "secret", "configmap"}

// Config holds reconciler wiring and the base resources used to re-prep
// reclaimed namespaces.
type Config struct {
	// Client is the cluster primitive.
	Client cluster.Interface

	// Waiter checks readiness of re-prepped namespaces.
	Waiter *readiness.Waiter

	// BaseNamespace is the namespace holding the shared secrets copied
	// into each namespace during re-prep.
	BaseNamespace string

	// BaseSecretNames lists the secrets to copy from BaseNamespace.
	BaseSecretNames []string

	// EnvTemplate is the template rendered and applied into each
	// namespace during re-prep. Its ENV_NAME and NAMESPACE parameters are
	// set per namespace.
	EnvTemplate []byte

	// ReadyTimeout bounds the readiness wait of one re-prepped namespace.
	ReadyTimeout time.Duration
}

func (c Config) validate() error {
	if c.Client == nil {
		return errors.New("cluster client must not be nil")
	}
	if c.Waiter == nil {
		return errors.New("readiness waiter must not be nil")
	}
	if c.BaseNamespace == "" {
		return errors.New("base namespace must not be empty")
	}
	if len(c.EnvTemplate) == 0 {
		return errors.New("environment template must not be empty")
	}
	if c.ReadyTimeout <= 0 {
		return errors.New("ready timeout must be positive")
	}
	return nil
}

// Reconciler runs reconciliation passes. Safe for concurrent use as long
// as the cluster.Interface is; one pass runs one worker per namespace.
type Reconciler struct {
	cfg Config

	// now is replaceable in tests
	now func() time.Time
}

// New validates the config and builds a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Reconciler{cfg: cfg, now: time.Now}, nil
}

// Reconcile runs one pass. The namespace set is snapshotted up front, then
// every namespace is processed in its own worker; workers share only
// read-only inputs, so one namespace's failure never blocks the others.
// The returned error joins the per-namespace failures, if any.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	objs, err := r.cfg.Client.List(ctx, "namespace", cluster.GetOptions{})
	if err != nil {
		return fmt.Errorf("listing namespaces: %w", err)
	}

	var namespaces []*reserve.Namespace
	for i := range objs {
		if !reserve.Governed(&objs[i]) {
			continue
		}
		ns, err := reserve.NamespaceFromObject(&objs[i])
		if err != nil {
			logx.Logger().Warn("skipping namespace with malformed tracking labels", "err", err)
			continue
		}
		namespaces = append(namespaces, ns)
	}
	logx.Logger().Info("reconciling namespaces", "count", len(namespaces))

	results := make([]error, len(namespaces))
	g, ctx := errgroup.WithContext(ctx)
	for i, ns := range namespaces {
		g.Go(func() error {
			if err := r.reconcileNamespace(ctx, ns); err != nil {
				logx.Logger().Error("namespace reconciliation failed",
					"namespace", ns.Name, "err", err)
				results[i] = fmt.Errorf("namespace %s: %w", ns.Name, err)
			}
			// namespace failures are isolated; never cancel the siblings
			return nil
		})
	}
	// Wait returns nil by construction, the pass outcome lives in results
	_ = g.Wait()

	return errors.Join(results...)
}

// reconcileNamespace applies at most one state transition to a namespace.
func (r *Reconciler) reconcileNamespace(ctx context.Context, ns *reserve.Namespace) error {
	now := r.now()
	switch {
	case ns.Reserved && ns.Expired(now):
		logx.Logger().Info("reservation expired, reclaiming namespace", "namespace", ns.Name)
		return r.reclaim(ctx, ns)

	case !ns.Reserved && !ns.Ready:
		logx.Logger().Info("re-prepping unreserved namespace", "namespace", ns.Name)
		return r.prep(ctx, ns)

	case ns.Reserved && ns.Duration != "" && ns.Expires.IsZero():
		duration, err := reserve.ParseDuration(ns.Duration)
		if err != nil {
			return fmt.Errorf("malformed duration label: %w", err)
		}
		expires := now.Add(duration)
		logx.Logger().Info("stamping expiry on newly bound namespace",
			"namespace", ns.Name, "expires", expires.UTC().Format(reserve.TimeFormat))
		return r.patch(ctx, ns, reserve.NamespacePatch{Expires: &expires})
	}
	return nil
}

// reclaim tears down an expired namespace's workloads and marks it
// unreserved and not ready, queueing it for re-prep on the next pass.
func (r *Reconciler) reclaim(ctx context.Context, ns *reserve.Namespace) error {
	if err := r.teardown(ctx, ns.Name); err != nil {
		return err
	}
	unreserved, notReady := false, false
	return r.patch(ctx, ns, reserve.NamespacePatch{
		Reserved:           &unreserved,
		Ready:              &notReady,
		ClearRequester:     true,
		ClearRequesterName: true,
		ClearDuration:      true,
		ClearExpires:       true,
	})
}

// prep tears down leftovers, provisions the base resources, and marks the
// namespace ready once its resources converge. A readiness timeout leaves
// the namespace not-ready for the next pass to retry.
func (r *Reconciler) prep(ctx context.Context, ns *reserve.Namespace) error {
	if err := r.teardown(ctx, ns.Name); err != nil {
		return err
	}
	if err := r.copyBaseSecrets(ctx, ns.Name); err != nil {
		return err
	}
	if err := r.applyEnvTemplate(ctx, ns.Name); err != nil {
		return err
	}

	if _, err := r.cfg.Waiter.WaitForAll(ctx, ns.Name, r.cfg.ReadyTimeout); err != nil {
		if errors.Is(err, readiness.ErrTimedOut) {
			logx.Logger().Warn("namespace not ready in time, leaving not-ready for next pass",
				"namespace", ns.Name, "err", err)
			return nil
		}
		return err
	}

	ready := true
	return r.patch(ctx, ns, reserve.NamespacePatch{Ready: &ready})
}

// teardown deletes every workload resource in the namespace.
func (r *Reconciler) teardown(ctx context.Context, namespace string) error {
	for _, kind := range workloadKinds {
		if err := r.cfg.Client.Delete(ctx, kind, cluster.AllResources, namespace); err != nil {
			return fmt.Errorf("deleting %ss: %w", kind, err)
		}
	}
	return nil
}

// copyBaseSecrets copies the shared secrets from the base namespace,
// skipping secrets annotated to be ignored.
func (r *Reconciler) copyBaseSecrets(ctx context.Context, namespace string) error {
	for _, name := range r.cfg.BaseSecretNames {
		secret, err := r.cfg.Client.Get(ctx, "secret", cluster.GetOptions{
			Name: name, Namespace: r.cfg.BaseNamespace,
		})
		if err != nil {
			return fmt.Errorf("reading base secret %s: %w", name, err)
		}
		if secret == nil {
			return fmt.Errorf("base secret %s not found in namespace %s", name, r.cfg.BaseNamespace)
		}
		if secret.GetAnnotations()[IgnoreAnnotation] == "true" {
			logx.Logger().Debug("base secret has ignore annotation, skipping", "secret", name)
			continue
		}

		logx.Logger().Debug("copying base secret", "secret", name, "namespace", namespace)
		if err := r.cfg.Client.Apply(ctx, namespace, listOf(exportSecret(secret, namespace))); err != nil {
			return fmt.Errorf("copying base secret %s: %w", name, err)
		}
	}
	return nil
}

// exportSecret strips the cluster-assigned metadata off a secret so it can
// be applied into another namespace.
func exportSecret(secret *unstructured.Unstructured, namespace string) map[string]any {
	out := secret.DeepCopy()
	out.SetNamespace(namespace)
	out.SetResourceVersion("")
	out.SetUID("")
	out.SetOwnerReferences(nil)
	out.SetManagedFields(nil)
	unstructured.RemoveNestedField(out.Object, "metadata", "creationTimestamp")
	return out.Object
}

// applyEnvTemplate renders the base environment template for the namespace
// and applies it.
func (r *Reconciler) applyEnvTemplate(ctx context.Context, namespace string) error {
	store, err := resolve.ParseTemplate(r.cfg.EnvTemplate, map[string]string{
		"ENV_NAME":  "env-" + namespace,
		"NAMESPACE": namespace,
	})
	if err != nil {
		return fmt.Errorf("rendering environment template: %w", err)
	}
	if err := r.cfg.Client.Apply(ctx, namespace, store.AsList()); err != nil {
		return fmt.Errorf("applying environment template: %w", err)
	}
	return nil
}

// patch persists one label transition.
func (r *Reconciler) patch(ctx context.Context, ns *reserve.Namespace, p reserve.NamespacePatch) error {
	current, err := r.cfg.Client.Get(ctx, "namespace", cluster.GetOptions{Name: ns.Name})
	if err != nil {
		return fmt.Errorf("reading namespace: %w", err)
	}
	if current == nil {
		return fmt.Errorf("namespace %s no longer exists", ns.Name)
	}
	ops := p.Ops(current.GetLabels())
	if len(ops) == 0 {
		return nil
	}
	if err := r.cfg.Client.Patch(ctx, "namespace", ns.Name, "", ops); err != nil {
		return fmt.Errorf("patching tracking labels: %w", err)
	}
	return nil
}

func listOf(items ...map[string]any) map[string]any {
	list := make([]any, 0, len(items))
	for _, item := range items {
		list = append(list, item)
	}
	return map[string]any{
		"kind":       "List",
		"apiVersion": "v1",
		"metadata":   map[string]any{},
		"items":      list,
	}
}
