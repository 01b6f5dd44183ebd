package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"

	"github.com/emberops/ember/internal/logx"
)

// fieldManager identifies ember in server-side-apply managed fields.
const fieldManager = "ember"

// Client implements Interface on top of the dynamic client. One Client may
// be shared by concurrent goroutines; the underlying dynamic client is
// safe for concurrent use.
type Client struct {
	dyn dynamic.Interface
}

var _ Interface = (*Client)(nil)

// New builds a Client from a rest.Config.
func New(cfg *rest.Config) (*Client, error) {
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building dynamic client: %w", err)
	}
	return &Client{dyn: dyn}, nil
}

// NewWithDynamic wraps an existing dynamic client. Used by tests and by
// callers that construct the client themselves.
func NewWithDynamic(dyn dynamic.Interface) *Client {
	return &Client{dyn: dyn}
}

// resourceFor returns the namespaceable interface scoped per the kind's
// namespacing and the requested namespace.
func (c *Client) resourceFor(kind, namespace string) (dynamic.ResourceInterface, error) {
	info, err := infoFor(kind)
	if err != nil {
		return nil, err
	}
	nri := c.dyn.Resource(info.gvr)
	if info.namespaced && namespace != "" {
		return nri.Namespace(namespace), nil
	}
	return nri, nil
}

// Get implements Interface. NotFound is mapped to (nil, nil): read sites
// treat an absent object as data, not as a failure.
func (c *Client) Get(ctx context.Context, kind string, opts GetOptions) (*unstructured.Unstructured, error) {
	ri, err := c.resourceFor(kind, opts.Namespace)
	if err != nil {
		return nil, err
	}
	obj, err := ri.Get(ctx, opts.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", kind, opts.Name, err)
	}
	return obj, nil
}

// List implements Interface.
func (c *Client) List(ctx context.Context, kind string, opts GetOptions) ([]unstructured.Unstructured, error) {
	ri, err := c.resourceFor(kind, opts.Namespace)
	if err != nil {
		return nil, err
	}
	list, err := ri.List(ctx, metav1.ListOptions{LabelSelector: opts.Label})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return list.Items, nil
}

// Apply implements Interface with one server-side apply per list item.
// Items are applied in list order so resources that reference earlier
// siblings (e.g. a ClowdApp referencing a Secret) land after them.
func (c *Client) Apply(ctx context.Context, namespace string, list map[string]any) error {
	store, err := itemsOf(list)
	if err != nil {
		return err
	}
	for i := range store {
		item := &store[i]
		info, err := infoFor(item.GetKind())
		if err != nil {
			return fmt.Errorf("apply item %d: %w", i, err)
		}
		ns := namespace
		if !info.namespaced {
			ns = ""
		} else if ns == "" {
			ns = item.GetNamespace()
		}
		if info.namespaced {
			item.SetNamespace(ns)
		}
		ri, err := c.resourceFor(item.GetKind(), ns)
		if err != nil {
			return err
		}
		if _, err := ri.Apply(ctx, item.GetName(), item, metav1.ApplyOptions{
			FieldManager: fieldManager,
			Force:        true,
		}); err != nil {
			return fmt.Errorf("apply %s/%s: %w", item.GetKind(), item.GetName(), err)
		}
		logx.Logger().Debug("applied resource",
			"kind", item.GetKind(), "name", item.GetName(), "namespace", ns)
	}
	return nil
}

// Patch implements Interface using JSON-patch semantics.
func (c *Client) Patch(ctx context.Context, kind, name, namespace string, ops []PatchOp) error {
	ri, err := c.resourceFor(kind, namespace)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("marshaling patch ops: %w", err)
	}
	if _, err := ri.Patch(ctx, name, types.JSONPatchType, payload, metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("patch %s/%s: %w", kind, name, err)
	}
	return nil
}

// Delete implements Interface. AllResources deletes the whole collection.
func (c *Client) Delete(ctx context.Context, kind, name, namespace string) error {
	ri, err := c.resourceFor(kind, namespace)
	if err != nil {
		return err
	}
	if name == AllResources {
		err = ri.DeleteCollection(ctx, metav1.DeleteOptions{}, metav1.ListOptions{})
	} else {
		err = ri.Delete(ctx, name, metav1.DeleteOptions{})
	}
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, name, err)
	}
	return nil
}

// itemsOf extracts the items of a v1 List envelope as unstructured objects.
func itemsOf(list map[string]any) ([]unstructured.Unstructured, error) {
	raw, _ := list["items"].([]any)
	items := make([]unstructured.Unstructured, 0, len(raw))
	for i, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("list item %d is not an object", i)
		}
		items = append(items, unstructured.Unstructured{Object: obj})
	}
	return items, nil
}
