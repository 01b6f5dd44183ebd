package reserve

import (
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/emberops/ember/internal/cluster"
)

func nsObject(name string, labels map[string]any) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "Namespace",
		"metadata": map[string]any{
			"name":   name,
			"labels": labels,
		},
	}}
}

func TestNamespaceFromObject(t *testing.T) {
	t.Parallel()

	obj := nsObject("ns-1", map[string]any{
		LabelPool:          "default",
		LabelReserved:      "true",
		LabelReady:         "true",
		LabelRequester:     "alice",
		LabelRequesterName: "Alice Smith",
		LabelDuration:      "1h0m0s",
		LabelExpires:       "2026-08-31T12:00:00Z",
	})
	ns, err := NamespaceFromObject(obj)
	if err != nil {
		t.Fatalf("NamespaceFromObject() error: %v", err)
	}

	if ns.Name != "ns-1" || ns.Pool != "default" || !ns.Reserved || !ns.Ready {
		t.Errorf("decoded namespace = %+v", ns)
	}
	if ns.Requester != "alice" || ns.RequesterName != "Alice Smith" || ns.Duration != "1h0m0s" {
		t.Errorf("decoded namespace = %+v", ns)
	}
	want := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	if !ns.Expires.Equal(want) {
		t.Errorf("Expires = %v, want %v", ns.Expires, want)
	}
}

func TestNamespaceFromObject_MalformedExpires(t *testing.T) {
	t.Parallel()

	obj := nsObject("ns-1", map[string]any{
		LabelPool:    "default",
		LabelExpires: "yesterday",
	})
	if _, err := NamespaceFromObject(obj); err == nil {
		t.Error("expected an error for a malformed expires label")
	}
}

func TestNamespaceStateHelpers(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		ns        Namespace
		available bool
		expired   bool
		expiresIn string
	}{
		"ready and unreserved": {
			ns:        Namespace{Ready: true},
			available: true,
			expiresIn: "TBD",
		},
		"reserved with future expiry": {
			ns:        Namespace{Ready: true, Reserved: true, Expires: now.Add(90 * time.Minute)},
			expiresIn: "1h30m0s",
		},
		"reserved not yet stamped": {
			ns:        Namespace{Ready: true, Reserved: true},
			expiresIn: "TBD",
		},
		"expired": {
			ns:        Namespace{Ready: true, Reserved: true, Expires: now.Add(-time.Minute)},
			expired:   true,
			expiresIn: "expired",
		},
		"not ready": {
			ns:        Namespace{},
			expiresIn: "TBD",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := tc.ns.Available(); got != tc.available {
				t.Errorf("Available() = %v, want %v", got, tc.available)
			}
			if got := tc.ns.Expired(now); got != tc.expired {
				t.Errorf("Expired() = %v, want %v", got, tc.expired)
			}
			if got := tc.ns.ExpiresIn(now); got != tc.expiresIn {
				t.Errorf("ExpiresIn() = %q, want %q", got, tc.expiresIn)
			}
		})
	}
}

func TestGoverned(t *testing.T) {
	t.Parallel()

	if !Governed(nsObject("ns-1", map[string]any{LabelPool: "default"})) {
		t.Error("namespace with pool label not recognised as governed")
	}
	if Governed(nsObject("kube-system", map[string]any{"app": "x"})) {
		t.Error("namespace without pool label recognised as governed")
	}
}

func TestNamespacePatchOps(t *testing.T) {
	t.Parallel()

	boolPtr := func(v bool) *bool { return &v }
	strPtr := func(v string) *string { return &v }

	expires := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	patch := NamespacePatch{
		Reserved:  boolPtr(true),
		Requester: strPtr("alice"),
		Expires:   &expires,
	}
	ops := patch.Ops(map[string]string{LabelPool: "default"})

	want := []cluster.PatchOp{
		{Op: "add", Path: "/metadata/labels/reserved", Value: "true"},
		{Op: "add", Path: "/metadata/labels/requester", Value: "alice"},
		{Op: "add", Path: "/metadata/labels/expires", Value: "2026-08-31T12:00:00Z"},
	}
	if len(ops) != len(want) {
		t.Fatalf("Ops() = %+v, want %+v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("op %d = %+v, want %+v", i, ops[i], want[i])
		}
	}
}

func TestNamespacePatchOps_SkipsRemovalOfAbsentLabels(t *testing.T) {
	t.Parallel()

	patch := NamespacePatch{
		ClearRequester:     true,
		ClearRequesterName: true,
		ClearDuration:      true,
		ClearExpires:       true,
	}

	current := map[string]string{LabelRequester: "alice"}
	ops := patch.Ops(current)
	if len(ops) != 1 {
		t.Fatalf("Ops() = %+v, want only the present label removed", ops)
	}
	if ops[0].Op != "remove" || ops[0].Path != "/metadata/labels/requester" {
		t.Errorf("op = %+v, want remove of requester", ops[0])
	}

	if got := patch.Ops(map[string]string{}); len(got) != 0 {
		t.Errorf("Ops() on empty labels = %+v, want none", got)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		"hours and minutes": {in: "1h30m", want: 90 * time.Minute},
		"zero":              {in: "0s", want: 0},
		"bare number":       {in: "90", wantErr: true},
		"negative":          {in: "-5m", wantErr: true},
		"empty":             {in: "", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDuration(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Error("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDuration() error: %v", err)
			}
			if got != tc.want {
				t.Errorf("ParseDuration() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		in   time.Duration
		want string
	}{
		"hours":        {in: 90 * time.Minute, want: "1h30m0s"},
		"minutes":      {in: 45*time.Minute + 10*time.Second, want: "45m10s"},
		"seconds only": {in: 30 * time.Second, want: "30s"},
		"zero":         {in: 0, want: "0s"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := FormatDuration(tc.in); got != tc.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
