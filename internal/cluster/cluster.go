// Package cluster defines the command primitive the rest of ember uses to
// read and mutate cluster state, together with a dynamic-client-backed
// implementation. Callers treat read failures as loggable and mutation
// failures as fatal for the operation in flight.
package cluster

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// AllResources is the name value passed to Delete to remove every resource
// of a kind in a namespace.
const AllResources = "--all"

// GetOptions narrows a Get or List call. Name selects a single object;
// Label is a label selector in "key=value" form. Namespace may be empty for
// cluster-scoped kinds or cross-namespace listing.
type GetOptions struct {
	Name      string
	Namespace string
	Label     string
}

// PatchOp is one JSON-patch operation. Patches are modeled as values and
// serialized only at the cluster boundary.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Interface is the cluster command primitive. Implementations must be safe
// for concurrent use: the reconciler issues calls from one goroutine per
// namespace.
type Interface interface {
	// Get fetches a single object by kind and name. Returns (nil, nil)
	// when the object does not exist.
	Get(ctx context.Context, kind string, opts GetOptions) (*unstructured.Unstructured, error)

	// List fetches all objects of a kind matching opts. An empty result is
	// not an error.
	List(ctx context.Context, kind string, opts GetOptions) ([]unstructured.Unstructured, error)

	// Apply creates or updates every item of a v1 List envelope. When
	// namespace is non-empty it overrides the namespace of namespaced items.
	Apply(ctx context.Context, namespace string, list map[string]any) error

	// Patch applies JSON-patch operations to the named object.
	Patch(ctx context.Context, kind, name, namespace string, ops []PatchOp) error

	// Delete removes the named object, or every object of the kind in the
	// namespace when name is AllResources. Deleting an absent object is
	// not an error.
	Delete(ctx context.Context, kind, name, namespace string) error
}
