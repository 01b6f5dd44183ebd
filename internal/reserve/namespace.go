// Package reserve manages the lifecycle of pooled ephemeral namespaces:
// creating, extending, and releasing reservation records, and reading the
// tracking labels that record each namespace's state on the cluster.
package reserve

import (
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/emberops/ember/internal/cluster"
)

// TimeFormat is the UTC timestamp format used in reservation status and
// namespace tracking labels.
const TimeFormat = "2006-01-02T15:04:05Z"

// Tracking labels stamped onto governed namespaces. All values are strings;
// booleans are "true"/"false" and timestamps use TimeFormat.
const (
	LabelPool          = "pool"
	LabelReserved      = "reserved"
	LabelReady         = "ready"
	LabelRequester     = "requester"
	LabelRequesterName = "requester-display-name"
	LabelDuration      = "duration"
	LabelExpires       = "expires"
)

// Namespace is the decoded state of one governed namespace, read from its
// tracking labels. Fields reflect cluster state at read time; they are not
// kept in sync afterwards.
type Namespace struct {
	Name      string
	Pool      string
	Reserved  bool
	Ready     bool
	Requester string

	// RequesterName is the human-readable form of Requester, when the
	// operator recorded one. Requester itself is label-sanitized.
	RequesterName string

	Duration string
	Expires  time.Time
}

// Available reports whether the namespace can be handed out.
func (n *Namespace) Available() bool {
	return !n.Reserved && n.Ready
}

// Expired reports whether the namespace's reservation expiry has passed.
// A namespace without an expiry stamp is never expired.
func (n *Namespace) Expired(now time.Time) bool {
	return !n.Expires.IsZero() && n.Expires.Before(now)
}

// ExpiresIn renders the remaining reservation time for display. A reserved
// namespace the reconciler has not stamped yet shows "TBD".
func (n *Namespace) ExpiresIn(now time.Time) string {
	if n.Expires.IsZero() {
		return "TBD"
	}
	if n.Expires.Before(now) {
		return "expired"
	}
	return FormatDuration(n.Expires.Sub(now))
}

// NamespaceFromObject decodes a namespace object's tracking labels.
func NamespaceFromObject(obj *unstructured.Unstructured) (*Namespace, error) {
	labels := obj.GetLabels()
	ns := &Namespace{
		Name:          obj.GetName(),
		Pool:          labels[LabelPool],
		Reserved:      labels[LabelReserved] == "true",
		Ready:         labels[LabelReady] == "true",
		Requester:     labels[LabelRequester],
		RequesterName: labels[LabelRequesterName],
		Duration:      labels[LabelDuration],
	}
	if raw := labels[LabelExpires]; raw != "" {
		expires, err := time.Parse(TimeFormat, raw)
		if err != nil {
			return nil, fmt.Errorf("namespace %s has malformed expires label %q: %w", ns.Name, raw, err)
		}
		ns.Expires = expires
	}
	return ns, nil
}

// Governed reports whether a namespace object carries the pool label, i.e.
// is managed by the namespace operator and subject to reconciliation.
func Governed(obj *unstructured.Unstructured) bool {
	_, ok := obj.GetLabels()[LabelPool]
	return ok
}

// NamespacePatch is one state transition of a namespace's tracking labels.
// Nil fields are left untouched; the Clear flags remove a label entirely.
// It is serialized to JSON-patch operations only at the cluster boundary.
type NamespacePatch struct {
	Reserved  *bool
	Ready     *bool
	Requester *string
	Duration  *string
	Expires   *time.Time

	ClearRequester     bool
	ClearRequesterName bool
	ClearDuration      bool
	ClearExpires       bool
}

// Ops serializes the patch against the namespace's current labels. Removals
// of labels that are already absent are skipped, since a JSON-patch remove
// on a missing path is rejected by the API server.
func (p NamespacePatch) Ops(current map[string]string) []cluster.PatchOp {
	var ops []cluster.PatchOp

	set := func(label, value string) {
		ops = append(ops, cluster.PatchOp{Op: "add", Path: labelPath(label), Value: value})
	}
	clear := func(label string) {
		if _, ok := current[label]; ok {
			ops = append(ops, cluster.PatchOp{Op: "remove", Path: labelPath(label)})
		}
	}

	if p.Reserved != nil {
		set(LabelReserved, boolLabel(*p.Reserved))
	}
	if p.Ready != nil {
		set(LabelReady, boolLabel(*p.Ready))
	}
	if p.Requester != nil {
		set(LabelRequester, *p.Requester)
	}
	if p.Duration != nil {
		set(LabelDuration, *p.Duration)
	}
	if p.Expires != nil {
		set(LabelExpires, p.Expires.UTC().Format(TimeFormat))
	}
	if p.ClearRequester {
		clear(LabelRequester)
	}
	if p.ClearRequesterName {
		clear(LabelRequesterName)
	}
	if p.ClearDuration {
		clear(LabelDuration)
	}
	if p.ClearExpires {
		clear(LabelExpires)
	}
	return ops
}

func labelPath(label string) string {
	// JSON-pointer escaping, in case a label key ever carries '/' or '~'
	label = strings.ReplaceAll(label, "~", "~0")
	label = strings.ReplaceAll(label, "/", "~1")
	return "/metadata/labels/" + label
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// ParseDuration parses a reservation duration string such as "1h30m".
func ParseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q, expecting h/m/s string such as '1h30m'", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q, must not be negative", s)
	}
	return d, nil
}

// FormatDuration renders a duration as the h/m/s string the reservation
// record uses, e.g. "1h30m0s" or "45m10s".
func FormatDuration(d time.Duration) string {
	seconds := int(d.Seconds())
	hours, seconds := seconds/3600, seconds%3600
	minutes, seconds := seconds/60, seconds%60
	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
