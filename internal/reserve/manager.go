package reserve

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/emberops/ember/internal/cluster"
	"github.com/emberops/ember/internal/logx"
	"github.com/emberops/ember/internal/manifest"
	"github.com/emberops/ember/internal/sentinel"
)

// Reservation failure modes. All are validation-class errors except
// ErrTimedOut, which callers may retry.
const (
	ErrReservationExists   = sentinel.Error("reservation with this name already exists")
	ErrReservationNotFound = sentinel.Error("reservation not found")
	ErrReservationExpired  = sentinel.Error("reservation has expired")
	ErrPoolNotFound        = sentinel.Error("namespace pool not found")
	ErrPoolQuotaExceeded   = sentinel.Error("namespace pool quota exceeded")
	ErrActiveReservation   = sentinel.Error("requester already has an active reservation")
	ErrTimedOut            = sentinel.Error("timed out waiting for reservation to be bound")
)

// Reservation states reported by the namespace operator.
const (
	StateActive  = "active"
	StateExpired = "expired"
)

// defaultBindPollInterval is how often Reserve re-reads the reservation
// while waiting for the operator to bind a namespace.
const defaultBindPollInterval = 2 * time.Second

// Manager drives the reservation lifecycle against the cluster. Safe for
// concurrent use as long as the underlying cluster.Interface is.
type Manager struct {
	client       cluster.Interface
	pollInterval time.Duration
}

// NewManager builds a Manager on top of the cluster primitive.
func NewManager(client cluster.Interface) *Manager {
	return &Manager{client: client, pollInterval: defaultBindPollInterval}
}

// ReserveRequest describes one reservation attempt.
type ReserveRequest struct {
	// Name of the reservation record. Generated when empty.
	Name string

	// Requester owning the reservation.
	Requester string

	// Duration the namespace is held for, e.g. "1h30m".
	Duration string

	// Pool the namespace is drawn from. Defaults to "default".
	Pool string

	// Timeout bounds the wait for the operator to bind a namespace.
	Timeout time.Duration

	// Force skips the one-active-reservation-per-requester check.
	Force bool
}

// Reserve submits a reservation and blocks until the operator binds a
// concrete namespace or the timeout elapses. The pool quota check is
// read-then-act: concurrent reservations may still overshoot the pool
// limit, in which case the operator leaves the surplus unbound.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (*Namespace, error) {
	if req.Requester == "" {
		return nil, sentinel.Error("requester must not be empty")
	}
	if _, err := ParseDuration(req.Duration); err != nil {
		return nil, err
	}
	if req.Pool == "" {
		req.Pool = "default"
	}

	name := req.Name
	if name == "" {
		name = "ember-reservation-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	} else {
		existing, err := m.client.Get(ctx, "namespacereservation", cluster.GetOptions{Name: name})
		if err != nil {
			return nil, fmt.Errorf("checking for existing reservation: %w", err)
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: %s", ErrReservationExists, name)
		}
	}

	if err := m.checkPoolQuota(ctx, req.Pool); err != nil {
		return nil, err
	}
	if !req.Force {
		if err := m.checkRequesterActive(ctx, req.Requester); err != nil {
			return nil, err
		}
	}

	logx.Logger().Info("submitting namespace reservation",
		"reservation", name, "requester", req.Requester, "duration", req.Duration, "pool", req.Pool)
	if err := m.submit(ctx, name, req.Requester, req.Duration, req.Pool); err != nil {
		return nil, err
	}

	nsName, err := m.waitForBind(ctx, name, req.Timeout)
	if err != nil {
		return nil, err
	}
	logx.Logger().Info("namespace reserved",
		"namespace", nsName, "requester", req.Requester, "duration", req.Duration)

	return m.Namespace(ctx, nsName)
}

// checkPoolQuota verifies the pool exists and its reserved-namespace count
// is below the size limit.
func (m *Manager) checkPoolQuota(ctx context.Context, pool string) error {
	obj, err := m.client.Get(ctx, "namespacepool", cluster.GetOptions{Name: pool})
	if err != nil {
		return fmt.Errorf("looking up pool: %w", err)
	}
	if obj == nil {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, pool)
	}
	limit, found, err := unstructured.NestedInt64(obj.Object, "spec", "size")
	if err != nil || !found {
		// a pool without a size limit imposes no quota
		return nil
	}

	namespaces, err := m.client.List(ctx, "namespace", cluster.GetOptions{Label: LabelPool + "=" + pool})
	if err != nil {
		return fmt.Errorf("listing pool namespaces: %w", err)
	}
	reserved := 0
	for i := range namespaces {
		if namespaces[i].GetLabels()[LabelReserved] == "true" {
			reserved++
		}
	}
	if int64(reserved) >= limit {
		return fmt.Errorf("%w: pool %s has %d of %d namespaces reserved", ErrPoolQuotaExceeded, pool, reserved, limit)
	}
	return nil
}

// checkRequesterActive rejects the reservation when the requester already
// holds an active one.
func (m *Manager) checkRequesterActive(ctx context.Context, requester string) error {
	reservations, err := m.client.List(ctx, "namespacereservation", cluster.GetOptions{})
	if err != nil {
		return fmt.Errorf("listing reservations: %w", err)
	}
	for i := range reservations {
		res := &reservations[i]
		owner, _, _ := unstructured.NestedString(res.Object, "spec", "requester")
		state, _, _ := unstructured.NestedString(res.Object, "status", "state")
		if owner == requester && state == StateActive {
			bound, _, _ := unstructured.NestedString(res.Object, "status", "namespace")
			return fmt.Errorf("%w: %s holds namespace %s (use force to reserve anyway)",
				ErrActiveReservation, requester, bound)
		}
	}
	return nil
}

// submit applies the reservation record.
func (m *Manager) submit(ctx context.Context, name, requester, duration, pool string) error {
	store := manifest.New()
	store.Append(unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "cloud.redhat.com/v1alpha1",
		"kind":       "NamespaceReservation",
		"metadata": map[string]any{
			"name": name,
		},
		"spec": map[string]any{
			"requester": requester,
			"duration":  duration,
			"pool":      pool,
		},
	}})
	if err := m.client.Apply(ctx, "", store.AsList()); err != nil {
		return fmt.Errorf("applying reservation: %w", err)
	}
	return nil
}

// waitForBind polls the reservation until the operator records a bound
// namespace in its status.
func (m *Manager) waitForBind(ctx context.Context, name string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return "", fmt.Errorf("%w: no time budget remaining", ErrTimedOut)
	}

	var nsName string
	err := wait.PollUntilContextTimeout(ctx, m.pollInterval, timeout, true,
		func(ctx context.Context) (bool, error) {
			res, err := m.client.Get(ctx, "namespacereservation", cluster.GetOptions{Name: name})
			if err != nil {
				// read failures are retried until the budget runs out
				logx.Logger().Debug("reservation read failed, retrying", "reservation", name, "err", err)
				return false, nil
			}
			if res == nil {
				return false, nil
			}
			bound, _, _ := unstructured.NestedString(res.Object, "status", "namespace")
			if bound == "" {
				return false, nil
			}
			nsName = bound
			return true, nil
		})
	if err != nil {
		return "", fmt.Errorf("%w: reservation %s after %s", ErrTimedOut, name, timeout)
	}
	return nsName, nil
}

// reservationFor finds the reservation bound to a namespace.
func (m *Manager) reservationFor(ctx context.Context, namespace string) (*unstructured.Unstructured, error) {
	reservations, err := m.client.List(ctx, "namespacereservation", cluster.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing reservations: %w", err)
	}
	for i := range reservations {
		bound, _, _ := unstructured.NestedString(reservations[i].Object, "status", "namespace")
		if bound == namespace {
			return &reservations[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no reservation bound to namespace %s", ErrReservationNotFound, namespace)
}

// Extend adds extra time to the reservation bound to a namespace. The new
// duration is the previous duration plus the extension; the operator
// recomputes the expiry from it. An expired reservation cannot be extended.
func (m *Manager) Extend(ctx context.Context, namespace, duration string) error {
	extra, err := ParseDuration(duration)
	if err != nil {
		return err
	}
	res, err := m.reservationFor(ctx, namespace)
	if err != nil {
		return err
	}

	state, _, _ := unstructured.NestedString(res.Object, "status", "state")
	if state == StateExpired {
		return fmt.Errorf("%w: namespace %s, reserve a new namespace instead", ErrReservationExpired, namespace)
	}

	current, _, _ := unstructured.NestedString(res.Object, "spec", "duration")
	prev, err := ParseDuration(current)
	if err != nil {
		return fmt.Errorf("reservation for %s has malformed duration %q: %w", namespace, current, err)
	}
	requester, _, _ := unstructured.NestedString(res.Object, "spec", "requester")
	pool, _, _ := unstructured.NestedString(res.Object, "spec", "pool")

	if err := m.submit(ctx, res.GetName(), requester, FormatDuration(prev+extra), pool); err != nil {
		return err
	}
	logx.Logger().Info("reservation extended", "namespace", namespace, "extended_by", duration)
	return nil
}

// Release resubmits the reservation bound to a namespace with duration
// "0s", which the operator treats as immediate expiry. Reclamation of the
// namespace itself happens on the next reconciliation pass.
func (m *Manager) Release(ctx context.Context, namespace string) error {
	res, err := m.reservationFor(ctx, namespace)
	if err != nil {
		return err
	}
	requester, _, _ := unstructured.NestedString(res.Object, "spec", "requester")
	pool, _, _ := unstructured.NestedString(res.Object, "spec", "pool")

	if err := m.submit(ctx, res.GetName(), requester, "0s", pool); err != nil {
		return err
	}
	logx.Logger().Info("releasing namespace", "namespace", namespace)
	return nil
}

// Namespace reads one governed namespace's current state.
func (m *Manager) Namespace(ctx context.Context, name string) (*Namespace, error) {
	obj, err := m.client.Get(ctx, "namespace", cluster.GetOptions{Name: name})
	if err != nil {
		return nil, fmt.Errorf("reading namespace %s: %w", name, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("namespace %s not found", name)
	}
	return NamespaceFromObject(obj)
}

// ListOptions filters List output.
type ListOptions struct {
	// Available keeps only namespaces that are ready and unreserved.
	Available bool

	// Requester keeps only namespaces reserved by this requester.
	Requester string
}

// List returns the governed namespaces, sorted by name.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*Namespace, error) {
	objs, err := m.client.List(ctx, "namespace", cluster.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing namespaces: %w", err)
	}

	var out []*Namespace
	for i := range objs {
		if !Governed(&objs[i]) {
			continue
		}
		ns, err := NamespaceFromObject(&objs[i])
		if err != nil {
			logx.Logger().Warn("skipping namespace with malformed tracking labels", "err", err)
			continue
		}
		if opts.Available && !ns.Available() {
			continue
		}
		if opts.Requester != "" && (!ns.Reserved || ns.Requester != opts.Requester) {
			continue
		}
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
