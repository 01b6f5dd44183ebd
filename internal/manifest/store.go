// Package manifest holds the ordered list of rendered resources passed
// between resolution stages and handed to the cluster for application.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/emberops/ember/internal/logx"
)

// Store is an ordered, append-only collection of manifest items. It is the
// universal currency between the catalog resolver, the dependency resolver,
// and the apply/wait stages. A Store is not safe for concurrent use; one
// resolution run owns one Store.
type Store struct {
	items []unstructured.Unstructured
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Append adds items to the end of the store, preserving order.
func (s *Store) Append(items ...unstructured.Unstructured) {
	s.items = append(s.items, items...)
}

// Items returns the backing slice. Callers must treat it as read-only;
// mutation helpers on Store exist for the sanctioned rewrites.
func (s *Store) Items() []unstructured.Unstructured {
	return s.items
}

// Len returns the number of items in the store.
func (s *Store) Len() int {
	return len(s.items)
}

// AsList renders the store as the v1 List envelope that apply expects:
//
//	{"kind": "List", "apiVersion": "v1", "metadata": {}, "items": [...]}
func (s *Store) AsList() map[string]any {
	items := make([]any, 0, len(s.items))
	for i := range s.items {
		items = append(items, s.items[i].Object)
	}
	return map[string]any{
		"kind":       "List",
		"apiVersion": "v1",
		"metadata":   map[string]any{},
		"items":      items,
	}
}

// FromList parses a v1 List envelope back into a Store. Items that are not
// objects are rejected.
func FromList(list map[string]any) (*Store, error) {
	rawItems, _ := list["items"].([]any)
	s := New()
	for i, raw := range rawItems {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("list item %d is not an object", i)
		}
		s.Append(unstructured.Unstructured{Object: obj})
	}
	return s, nil
}

// imageTagRE builds the pattern matching any current tag of the given image.
// The image name itself is quoted so registry hosts with dots match literally.
func imageTagRE(image string) (*regexp.Regexp, error) {
	return regexp.Compile(regexp.QuoteMeta(image) + `:[-\w.]+`)
}

// SubstituteImageTags rewrites every occurrence of image:<anytag> to
// image:<tag> for each override pair, anywhere in the serialized batch (not
// just image fields — environment variables and command arguments routinely
// embed image references too). Returns the substitution count per image.
func (s *Store) SubstituteImageTags(overrides map[string]string) (map[string]int, error) {
	if len(overrides) == 0 {
		return map[string]int{}, nil
	}

	content, err := json.Marshal(s.AsList())
	if err != nil {
		return nil, fmt.Errorf("serializing manifest items: %w", err)
	}

	counts := make(map[string]int, len(overrides))
	for image, tag := range overrides {
		re, err := imageTagRE(image)
		if err != nil {
			return nil, fmt.Errorf("building pattern for image %q: %w", image, err)
		}
		matches := re.FindAll(content, -1)
		counts[image] = len(matches)
		if len(matches) == 0 {
			continue
		}
		content = re.ReplaceAll(content, []byte(image+":"+tag))
		logx.Logger().Info("replaced image tag occurrences",
			"image", image, "tag", tag, "count", len(matches))
	}

	var list map[string]any
	if err := json.Unmarshal(content, &list); err != nil {
		return nil, fmt.Errorf("deserializing manifest items after substitution: %w", err)
	}
	replaced, err := FromList(list)
	if err != nil {
		return nil, err
	}
	s.items = replaced.items
	return counts, nil
}
