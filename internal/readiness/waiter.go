// Package readiness decides when a namespace's deployed resources have
// converged. Waits are layered into sequential phases, each phase spending
// only the budget the previous phases left over, with one concurrent waiter
// task per resource inside a phase.
package readiness

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/emberops/ember/internal/cluster"
	"github.com/emberops/ember/internal/logx"
	"github.com/emberops/ember/internal/sentinel"
)

// ErrTimedOut is wrapped by every budget exhaustion failure.
const ErrTimedOut = sentinel.Error("timed out waiting for resources to be ready")

// defaultPollInterval is the delay between readiness re-checks of one
// resource.
const defaultPollInterval = 5 * time.Second

// StatusError reports a resource that reached a terminal failure status
// while being waited on.
type StatusError struct {
	// Key identifies the resource as "kind/name".
	Key string

	// Conditions are the resource's status conditions at observation time.
	Conditions []string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("resource %s reported a terminal failure status", e.Key)
	if len(e.Conditions) > 0 {
		msg += ": " + strings.Join(e.Conditions, "; ")
	}
	return msg
}

// Waiter polls cluster state until resources converge. Safe for concurrent
// use as long as the underlying cluster.Interface is.
type Waiter struct {
	client       cluster.Interface
	pollInterval time.Duration
	deferStatus  bool
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithPollInterval overrides the readiness re-check interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Waiter) {
		if d <= 0 {
			panic("readiness: poll interval must be positive")
		}
		w.pollInterval = d
	}
}

// WithDeferredStatusErrors keeps waiting past terminal resource statuses
// and reports them to the caller afterwards instead of aborting.
func WithDeferredStatusErrors() Option {
	return func(w *Waiter) { w.deferStatus = true }
}

// NewWaiter builds a Waiter on top of the cluster primitive.
func NewWaiter(client cluster.Interface, opts ...Option) *Waiter {
	w := &Waiter{client: client, pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// budget tracks the remaining time of one overall wait.
type budget struct {
	deadline time.Time
}

func newBudget(timeout time.Duration) budget {
	return budget{deadline: time.Now().Add(timeout)}
}

// remaining returns the unspent budget, or a timeout error when the budget
// has run out. A phase must never start with a non-positive budget.
func (b budget) remaining() (time.Duration, error) {
	left := time.Until(b.deadline)
	if left <= 0 {
		return 0, fmt.Errorf("%w: no time budget remaining", ErrTimedOut)
	}
	return left, nil
}

// observedSet records every resource key seen while waiting, shared across
// phases so phase 3 does not re-wait resources phases 1-2 already covered.
type observedSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newObservedSet() *observedSet {
	return &observedSet{keys: map[string]struct{}{}}
}

func (o *observedSet) add(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.keys[key] = struct{}{}
}

func (o *observedSet) has(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.keys[key]
	return ok
}

func resourceKey(kind, name string) string {
	return strings.ToLower(kind) + "/" + strings.ToLower(name)
}

// WaitForAll waits for everything deployed in a namespace in three phases:
// the ClowdEnvironment targeting the namespace (and its ownership tree),
// then every ClowdApp concurrently (and their trees), then any remaining
// checkable resource in the namespace. Returns the terminal status
// conditions observed when status errors are deferred; otherwise the first
// terminal status aborts the wait.
func (w *Waiter) WaitForAll(ctx context.Context, namespace string, timeout time.Duration) ([]*StatusError, error) {
	b := newBudget(timeout)
	observed := newObservedSet()
	var deferred deferredErrors

	// phase 1: environment targeting this namespace
	env, err := w.FindEnvForNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}
	if env != nil {
		left, err := b.remaining()
		if err != nil {
			return deferred.all(), err
		}
		if err := w.waitOne(ctx, target{kind: "clowdenvironment", name: env.GetName(), namespace: namespace, followOwners: true}, left, observed, &deferred); err != nil {
			return deferred.all(), err
		}
	}

	// phase 2: every app in the namespace, concurrently
	apps, err := w.client.List(ctx, "clowdapp", cluster.GetOptions{Namespace: namespace})
	if err != nil {
		return deferred.all(), fmt.Errorf("listing apps in %s: %w", namespace, err)
	}
	var targets []target
	for i := range apps {
		targets = append(targets, target{
			kind: "clowdapp", name: apps[i].GetName(), namespace: namespace, followOwners: true,
		})
	}
	if err := w.waitConcurrently(ctx, targets, b, observed, &deferred); err != nil {
		return deferred.all(), err
	}

	// phase 3: anything checkable not already covered
	targets = targets[:0]
	for _, kind := range namespaceSweepKinds {
		items, err := w.client.List(ctx, kind, cluster.GetOptions{Namespace: namespace})
		if err != nil {
			logx.Logger().Debug("listing resources for namespace sweep failed",
				"kind", kind, "namespace", namespace, "err", err)
			continue
		}
		for i := range items {
			if key := resourceKey(kind, items[i].GetName()); !observed.has(key) {
				targets = append(targets, target{kind: kind, name: items[i].GetName(), namespace: namespace})
			}
		}
	}
	if err := w.waitConcurrently(ctx, targets, b, observed, &deferred); err != nil {
		return deferred.all(), err
	}

	return deferred.all(), nil
}

// waitConcurrently runs one waiter task per target, all sharing the budget
// remaining when the phase starts. Any task failure fails the phase.
func (w *Waiter) waitConcurrently(ctx context.Context, targets []target, b budget, observed *observedSet, deferred *deferredErrors) error {
	if len(targets) == 0 {
		return nil
	}
	left, err := b.remaining()
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		g.Go(func() error {
			return w.waitOne(ctx, t, left, observed, deferred)
		})
	}
	return g.Wait()
}

// WaitForReady waits for a single resource (without following owners) to
// report ready.
func (w *Waiter) WaitForReady(ctx context.Context, namespace, kind, name string, timeout time.Duration) error {
	canonical, err := cluster.CanonicalKind(kind)
	if err != nil {
		return err
	}
	if !isCheckable(canonical) {
		return fmt.Errorf("checking status of %q resources is not supported", kind)
	}
	var deferred deferredErrors
	err = w.waitOne(ctx, target{kind: canonical, name: name, namespace: namespace}, timeout, newObservedSet(), &deferred)
	if err != nil {
		return err
	}
	if errs := deferred.all(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// target is one resource a waiter task watches.
type target struct {
	kind      string
	name      string
	namespace string

	// followOwners extends the wait over the target's ownership tree:
	// resources whose ownerReferences chain back to the target must all be
	// ready too.
	followOwners bool
}

func (t target) key() string { return resourceKey(t.kind, t.name) }

// watched is the latest observation of one resource in a tree.
type watched struct {
	kind  string
	obj   *unstructured.Unstructured
	ready bool
}

// deferredErrors accumulates terminal statuses when the caller opted to
// defer them.
type deferredErrors struct {
	mu   sync.Mutex
	errs []*StatusError
	seen map[string]struct{}
}

func (d *deferredErrors) record(err *StatusError) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]struct{}{}
	}
	if _, ok := d.seen[err.Key]; ok {
		return
	}
	d.seen[err.Key] = struct{}{}
	d.errs = append(d.errs, err)
}

func (d *deferredErrors) all() []*StatusError {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*StatusError(nil), d.errs...)
}

// waitOne polls one target (and, when followOwners is set, its ownership
// tree) until everything is ready or the timeout elapses.
func (w *Waiter) waitOne(ctx context.Context, t target, timeout time.Duration, observed *observedSet, deferred *deferredErrors) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: no time budget remaining for %s", ErrTimedOut, t.key())
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logx.Logger().Info("waiting for resource to be ready",
		"resource", t.key(), "namespace", t.namespace, "timeout", timeout.Round(time.Second))

	tree := map[string]*watched{}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		done, err := w.checkTree(ctx, t, tree, observed, deferred)
		if err != nil {
			return err
		}
		if done {
			logx.Logger().Info("resource is ready", "resource", t.key())
			return nil
		}

		select {
		case <-ctx.Done():
			return w.timeoutError(t, tree, ctx.Err())
		case <-ticker.C:
		}
	}
}

// timeoutError builds the timeout failure, listing which resources in the
// tree never became ready.
func (w *Waiter) timeoutError(t target, tree map[string]*watched, cause error) error {
	var notReady []string
	for key, res := range tree {
		if !res.ready {
			detail := key
			if conditions := conditionSummaries(res.obj); len(conditions) > 0 {
				detail += " (" + strings.Join(conditions, "; ") + ")"
			}
			notReady = append(notReady, detail)
		}
	}
	sort.Strings(notReady)
	if len(notReady) == 0 {
		return fmt.Errorf("%w: %s never observed (%v)", ErrTimedOut, t.key(), cause)
	}
	return fmt.Errorf("%w: %s, not ready: %s", ErrTimedOut, t.key(), strings.Join(notReady, ", "))
}

// checkTree performs one observation pass over the target and its owned
// resources, reporting whether the whole tree is ready.
func (w *Waiter) checkTree(ctx context.Context, t target, tree map[string]*watched, observed *observedSet, deferred *deferredErrors) (bool, error) {
	opts := cluster.GetOptions{Name: t.name}
	if t.namespace != "" {
		opts.Namespace = t.namespace
	}
	obj, err := w.client.Get(ctx, t.kind, opts)
	if err != nil {
		// reads are retried until the budget runs out
		logx.Logger().Debug("resource read failed, retrying", "resource", t.key(), "err", err)
		return false, nil
	}
	if obj == nil {
		return false, nil
	}

	if err := w.observe(t.kind, obj, tree, observed, deferred); err != nil {
		return false, err
	}

	if t.followOwners {
		if err := w.observeOwned(ctx, t, obj, tree, observed, deferred); err != nil {
			return false, err
		}
	}

	for _, res := range tree {
		if !res.ready {
			return false, nil
		}
	}
	return true, nil
}

// observe records one resource's current state in the tree, handling
// terminal statuses and ready-transition logging.
func (w *Waiter) observe(kind string, obj *unstructured.Unstructured, tree map[string]*watched, observed *observedSet, deferred *deferredErrors) error {
	key := resourceKey(kind, obj.GetName())
	observed.add(key)

	if resourceTerminal(kind, obj) {
		statusErr := &StatusError{Key: key, Conditions: conditionSummaries(obj)}
		if !w.deferStatus {
			return statusErr
		}
		logx.Logger().Warn("deferring terminal resource status", "resource", key)
		deferred.record(statusErr)
	}

	ready, err := resourceReady(kind, obj)
	if err != nil {
		return err
	}
	prev := tree[key]
	if ready && (prev == nil || !prev.ready) {
		logx.Logger().Info("resource is ready", "resource", key)
	}
	tree[key] = &watched{kind: kind, obj: obj, ready: ready}
	return nil
}

// observeOwned scans the namespace for checkable resources whose owner
// chain leads back to the target, and folds them into the tree.
func (w *Waiter) observeOwned(ctx context.Context, t target, root *unstructured.Unstructured, tree map[string]*watched, observed *observedSet, deferred *deferredErrors) error {
	// uids currently known to belong to the tree; pods owned by a
	// deployment's replicaset are picked up on a later pass once the
	// intermediate owner has been folded in
	uids := map[string]struct{}{string(root.GetUID()): {}}
	for _, res := range tree {
		uids[string(res.obj.GetUID())] = struct{}{}
	}

	for _, kind := range checkableKinds {
		if kind == "clowdenvironment" {
			continue
		}
		items, err := w.client.List(ctx, kind, cluster.GetOptions{Namespace: t.namespace})
		if err != nil {
			logx.Logger().Debug("listing owned resources failed",
				"kind", kind, "namespace", t.namespace, "err", err)
			continue
		}
		for i := range items {
			item := &items[i]
			if !ownedByAny(item, uids) {
				continue
			}
			key := resourceKey(kind, item.GetName())
			if _, seen := tree[key]; !seen {
				logx.Logger().Debug("found owned resource",
					"resource", t.key(), "owned", key)
			}
			if err := w.observe(kind, item, tree, observed, deferred); err != nil {
				return err
			}
			uids[string(item.GetUID())] = struct{}{}
		}
	}
	return nil
}

func ownedByAny(obj *unstructured.Unstructured, uids map[string]struct{}) bool {
	for _, ref := range obj.GetOwnerReferences() {
		if _, ok := uids[string(ref.UID)]; ok {
			return true
		}
	}
	return false
}

// FindEnvForNamespace returns the ClowdEnvironment whose target namespace
// is ns, or nil when none targets it.
func (w *Waiter) FindEnvForNamespace(ctx context.Context, ns string) (*unstructured.Unstructured, error) {
	envs, err := w.client.List(ctx, "clowdenvironment", cluster.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing environments: %w", err)
	}
	for i := range envs {
		targetNS, _, _ := unstructured.NestedString(envs[i].Object, "spec", "targetNamespace")
		if targetNS == "" {
			targetNS, _, _ = unstructured.NestedString(envs[i].Object, "status", "targetNamespace")
		}
		if targetNS == ns {
			return &envs[i], nil
		}
	}
	return nil, nil
}

// WaitOnJobInvocation waits for the job triggered by a ClowdJobInvocation
// to start running: first for the Job the operator creates, then for its
// pod, then for the pod to be ready. Each stage spends only what the
// previous stages left of the timeout. Returns the pod name.
func (w *Waiter) WaitOnJobInvocation(ctx context.Context, namespace, name string, timeout time.Duration) (string, error) {
	b := newBudget(timeout)

	logx.Logger().Info("waiting for job owned by invocation", "cji", name, "namespace", namespace)
	jobName, err := w.pollForFirst(ctx, b, "job", cluster.GetOptions{
		Namespace: namespace, Label: "clowdjob=" + name,
	})
	if err != nil {
		return "", fmt.Errorf("waiting for job of invocation %s: %w", name, err)
	}

	logx.Logger().Info("waiting for pod of job", "job", jobName, "namespace", namespace)
	podName, err := w.pollForFirst(ctx, b, "pod", cluster.GetOptions{
		Namespace: namespace, Label: "job-name=" + jobName,
	})
	if err != nil {
		return "", fmt.Errorf("waiting for pod of invocation %s: %w", name, err)
	}

	left, err := b.remaining()
	if err != nil {
		return "", err
	}
	if err := w.WaitForReady(ctx, namespace, "pod", podName, left); err != nil {
		return "", err
	}
	return podName, nil
}

// pollForFirst polls a list call until it returns at least one item, and
// returns the first item's name.
func (w *Waiter) pollForFirst(ctx context.Context, b budget, kind string, opts cluster.GetOptions) (string, error) {
	left, err := b.remaining()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, left)
	defer cancel()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		items, err := w.client.List(ctx, kind, opts)
		if err != nil {
			logx.Logger().Debug("list failed, retrying", "kind", kind, "err", err)
		} else if len(items) > 0 {
			return items[0].GetName(), nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: no %s matching %q appeared", ErrTimedOut, kind, opts.Label)
		case <-ticker.C:
		}
	}
}
