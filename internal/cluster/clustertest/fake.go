// Package clustertest provides an in-memory implementation of the cluster
// primitive for package tests, mirroring the contract-test fake pattern:
// tests seed objects, exercise the code under test, then inspect state.
package clustertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/emberops/ember/internal/cluster"
)

// Fake is an in-memory cluster. All methods are safe for concurrent use so
// reconciler and waiter fan-out tests behave like they would against a real
// API server.
type Fake struct {
	mu sync.Mutex

	// objects is keyed by canonical kind, then by "namespace/name"
	// ("<name>" for cluster-scoped kinds).
	objects map[string]map[string]*unstructured.Unstructured

	// Err, when non-nil, is returned by every call. Used to exercise
	// command-failure paths.
	Err error

	// Applied records each list handed to Apply, in order.
	Applied []map[string]any

	// Hook, when set, runs before each Get/List, outside the fake's lock,
	// and may call back into the fake to mutate state, simulating an
	// operator reacting to an earlier Apply.
	Hook func(f *Fake)
}

var _ cluster.Interface = (*Fake)(nil)

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{objects: map[string]map[string]*unstructured.Unstructured{}}
}

func objectKey(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "/" + name
}

// scopedNamespace drops the namespace for cluster-scoped kinds, matching
// the real client, which addresses them without namespacing regardless of
// the options passed.
func scopedNamespace(kind, namespace string) string {
	if namespaced, err := cluster.Namespaced(kind); err == nil && !namespaced {
		return ""
	}
	return namespace
}

// Seed inserts an object, inferring kind/name/namespace from its fields.
func (f *Fake) Seed(obj map[string]any) {
	u := &unstructured.Unstructured{Object: obj}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seedLocked(u)
}

func (f *Fake) seedLocked(u *unstructured.Unstructured) {
	kind, err := cluster.CanonicalKind(u.GetKind())
	if err != nil {
		panic("clustertest: seed with " + err.Error())
	}
	if f.objects[kind] == nil {
		f.objects[kind] = map[string]*unstructured.Unstructured{}
	}
	f.objects[kind][objectKey(u.GetNamespace(), u.GetName())] = u.DeepCopy()
}

// Object returns a deep copy of the stored object, or nil.
func (f *Fake) Object(kind, namespace, name string) *unstructured.Unstructured {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, err := cluster.CanonicalKind(kind)
	if err != nil {
		return nil
	}
	if obj, ok := f.objects[k][objectKey(namespace, name)]; ok {
		return obj.DeepCopy()
	}
	return nil
}

func (f *Fake) runHook() {
	if f.Hook != nil {
		f.Hook(f)
	}
}

// Get implements cluster.Interface.
func (f *Fake) Get(_ context.Context, kind string, opts cluster.GetOptions) (*unstructured.Unstructured, error) {
	f.runHook()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	k, err := cluster.CanonicalKind(kind)
	if err != nil {
		return nil, err
	}
	if obj, ok := f.objects[k][objectKey(scopedNamespace(k, opts.Namespace), opts.Name)]; ok {
		return obj.DeepCopy(), nil
	}
	return nil, nil
}

// List implements cluster.Interface. Label selectors support conjunctions
// of key=value terms, which covers every selector ember issues.
func (f *Fake) List(_ context.Context, kind string, opts cluster.GetOptions) ([]unstructured.Unstructured, error) {
	f.runHook()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	k, err := cluster.CanonicalKind(kind)
	if err != nil {
		return nil, err
	}
	ns := scopedNamespace(k, opts.Namespace)
	var out []unstructured.Unstructured
	for _, obj := range f.objects[k] {
		if ns != "" && obj.GetNamespace() != ns {
			continue
		}
		if !matchesSelector(obj, opts.Label) {
			continue
		}
		out = append(out, *obj.DeepCopy())
	}
	return out, nil
}

func matchesSelector(obj *unstructured.Unstructured, selector string) bool {
	if selector == "" {
		return true
	}
	labels := obj.GetLabels()
	for _, term := range strings.Split(selector, ",") {
		key, val, ok := strings.Cut(term, "=")
		if !ok || labels[key] != val {
			return false
		}
	}
	return true
}

// Apply implements cluster.Interface by upserting every list item.
func (f *Fake) Apply(_ context.Context, namespace string, list map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Applied = append(f.Applied, list)
	rawItems, _ := list["items"].([]any)
	for i, raw := range rawItems {
		obj, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("list item %d is not an object", i)
		}
		u := &unstructured.Unstructured{Object: obj}
		if ns := scopedNamespace(u.GetKind(), namespace); ns != "" && u.GetNamespace() == "" {
			u = u.DeepCopy()
			u.SetNamespace(ns)
		}
		f.seedLocked(u)
	}
	return nil
}

// Patch implements cluster.Interface for the JSON-patch subset ember emits:
// add, replace, and remove on object-field paths.
func (f *Fake) Patch(_ context.Context, kind, name, namespace string, ops []cluster.PatchOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	k, err := cluster.CanonicalKind(kind)
	if err != nil {
		return err
	}
	obj, ok := f.objects[k][objectKey(scopedNamespace(k, namespace), name)]
	if !ok {
		return fmt.Errorf("patch %s/%s: not found", kind, name)
	}
	for _, op := range ops {
		if err := applyPatchOp(obj.Object, op); err != nil {
			return fmt.Errorf("patch %s/%s: %w", kind, name, err)
		}
	}
	return nil
}

func applyPatchOp(root map[string]any, op cluster.PatchOp) error {
	segments := strings.Split(strings.TrimPrefix(op.Path, "/"), "/")
	for i, s := range segments {
		s = strings.ReplaceAll(s, "~1", "/")
		segments[i] = strings.ReplaceAll(s, "~0", "~")
	}
	cur := root
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			if op.Op == "remove" {
				return nil
			}
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	leaf := segments[len(segments)-1]
	switch op.Op {
	case "add", "replace":
		cur[leaf] = op.Value
	case "remove":
		delete(cur, leaf)
	default:
		return fmt.Errorf("unsupported patch op %q", op.Op)
	}
	return nil
}

// Delete implements cluster.Interface.
func (f *Fake) Delete(_ context.Context, kind, name, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	k, err := cluster.CanonicalKind(kind)
	if err != nil {
		return err
	}
	ns := scopedNamespace(k, namespace)
	if name == cluster.AllResources {
		for key, obj := range f.objects[k] {
			if ns == "" || obj.GetNamespace() == ns {
				delete(f.objects[k], key)
			}
		}
		return nil
	}
	delete(f.objects[k], objectKey(ns, name))
	return nil
}
