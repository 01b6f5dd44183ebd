package readiness

import (
	"testing"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func resource(kind, name string, generation int64, spec, status map[string]any) *unstructured.Unstructured {
	meta := map[string]any{"name": name}
	if generation != 0 {
		meta["generation"] = generation
	}
	obj := map[string]any{
		"kind":     kind,
		"metadata": meta,
	}
	if spec != nil {
		obj["spec"] = spec
	}
	if status != nil {
		obj["status"] = status
	}
	return &unstructured.Unstructured{Object: obj}
}

func conditions(pairs ...string) map[string]any {
	var conds []any
	for i := 0; i+1 < len(pairs); i += 2 {
		conds = append(conds, map[string]any{"type": pairs[i], "status": pairs[i+1]})
	}
	return map[string]any{"conditions": conds}
}

func TestResourceReady(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		kind  string
		obj   *unstructured.Unstructured
		ready bool
	}{
		"deployment fully rolled out": {
			kind: "Deployment",
			obj: resource("Deployment", "d", 0,
				map[string]any{"replicas": int64(3)},
				map[string]any{"availableReplicas": int64(3), "updatedReplicas": int64(3)}),
			ready: true,
		},
		"deployment still rolling": {
			kind: "Deployment",
			obj: resource("Deployment", "d", 0,
				map[string]any{"replicas": int64(3)},
				map[string]any{"availableReplicas": int64(3), "updatedReplicas": int64(2)}),
		},
		"deployment defaults to one replica": {
			kind: "Deployment",
			obj: resource("Deployment", "d", 0, nil,
				map[string]any{"availableReplicas": int64(1), "updatedReplicas": int64(1)}),
			ready: true,
		},
		"deploymentconfig fully rolled out": {
			kind: "DeploymentConfig",
			obj: resource("DeploymentConfig", "d", 0,
				map[string]any{"replicas": int64(2)},
				map[string]any{"availableReplicas": int64(2), "updatedReplicas": int64(2)}),
			ready: true,
		},
		"deploymentconfig still rolling": {
			kind: "DeploymentConfig",
			obj: resource("DeploymentConfig", "d", 0,
				map[string]any{"replicas": int64(2)},
				map[string]any{"availableReplicas": int64(1), "updatedReplicas": int64(2)}),
		},
		"statefulset ready": {
			kind: "StatefulSet",
			obj: resource("StatefulSet", "s", 0,
				map[string]any{"replicas": int64(2)},
				map[string]any{"readyReplicas": int64(2)}),
			ready: true,
		},
		"daemonset ready": {
			kind: "DaemonSet",
			obj: resource("DaemonSet", "d", 0, nil,
				map[string]any{"numberAvailable": int64(2), "desiredNumberScheduled": int64(2)}),
			ready: true,
		},
		"daemonset behind": {
			kind: "DaemonSet",
			obj: resource("DaemonSet", "d", 0, nil,
				map[string]any{"numberAvailable": int64(1), "desiredNumberScheduled": int64(2)}),
		},
		"running pod": {
			kind:  "Pod",
			obj:   resource("Pod", "p", 0, nil, map[string]any{"phase": "Running"}),
			ready: true,
		},
		"pending pod": {
			kind: "Pod",
			obj:  resource("Pod", "p", 0, nil, map[string]any{"phase": "Pending"}),
		},
		"clowdapp with both conditions": {
			kind: "ClowdApp",
			obj: resource("ClowdApp", "a", 0, nil,
				conditions("DeploymentsReady", "True", "ReconciliationSuccessful", "True")),
			ready: true,
		},
		"clowdapp condition casing tolerated": {
			kind: "ClowdApp",
			obj: resource("ClowdApp", "a", 0, nil,
				conditions("deploymentsReady", "true", "reconciliationSuccessful", "true")),
			ready: true,
		},
		"clowdapp missing a condition": {
			kind: "ClowdApp",
			obj:  resource("ClowdApp", "a", 0, nil, conditions("DeploymentsReady", "True")),
		},
		"kafka ready": {
			kind:  "Kafka",
			obj:   resource("Kafka", "k", 0, nil, conditions("Ready", "True")),
			ready: true,
		},
		"empty status": {
			kind: "Deployment",
			obj:  resource("Deployment", "d", 0, nil, nil),
		},
		"stale generation": {
			kind: "ClowdApp",
			obj: func() *unstructured.Unstructured {
				obj := resource("ClowdApp", "a", 2, nil,
					conditions("DeploymentsReady", "True", "ReconciliationSuccessful", "True"))
				status := obj.Object["status"].(map[string]any)
				status["observedGeneration"] = int64(1)
				return obj
			}(),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, err := resourceReady(tc.kind, tc.obj)
			if err != nil {
				t.Fatalf("resourceReady() error: %v", err)
			}
			if got != tc.ready {
				t.Errorf("resourceReady() = %v, want %v", got, tc.ready)
			}
		})
	}
}

func TestResourceReady_UnsupportedKind(t *testing.T) {
	t.Parallel()

	if _, err := resourceReady("Secret", resource("Secret", "s", 0, nil, nil)); err == nil {
		t.Error("expected an error for an unsupported kind")
	}
}

func TestResourceTerminal(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		kind     string
		obj      *unstructured.Unstructured
		terminal bool
	}{
		"failed pod": {
			kind:     "Pod",
			obj:      resource("Pod", "p", 0, nil, map[string]any{"phase": "Failed"}),
			terminal: true,
		},
		"running pod": {
			kind: "Pod",
			obj:  resource("Pod", "p", 0, nil, map[string]any{"phase": "Running"}),
		},
		"clowdapp reconciliation failed": {
			kind:     "ClowdApp",
			obj:      resource("ClowdApp", "a", 0, nil, conditions("ReconciliationFailed", "True")),
			terminal: true,
		},
		"kafka not ready": {
			kind:     "Kafka",
			obj:      resource("Kafka", "k", 0, nil, conditions("NotReady", "True")),
			terminal: true,
		},
		"kafka not ready but spec still pending": {
			kind: "Kafka",
			obj: func() *unstructured.Unstructured {
				obj := resource("Kafka", "k", 2, nil, conditions("NotReady", "True"))
				status := obj.Object["status"].(map[string]any)
				status["observedGeneration"] = int64(1)
				return obj
			}(),
		},
		"deployment is never terminal": {
			kind: "Deployment",
			obj:  resource("Deployment", "d", 0, nil, map[string]any{"availableReplicas": int64(0)}),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := resourceTerminal(tc.kind, tc.obj); got != tc.terminal {
				t.Errorf("resourceTerminal() = %v, want %v", got, tc.terminal)
			}
		})
	}
}

func TestConditionSummaries(t *testing.T) {
	t.Parallel()

	obj := resource("ClowdApp", "a", 0, nil, map[string]any{
		"conditions": []any{
			map[string]any{"type": "DeploymentsReady", "status": "False", "message": "2 of 3 available"},
			map[string]any{"type": "ReconciliationFailed", "status": "True", "reason": "BadConfig"},
			map[string]any{"type": "Bare", "status": "True"},
		},
	})

	got := conditionSummaries(obj)
	want := []string{
		"DeploymentsReady: False (2 of 3 available)",
		"ReconciliationFailed: True (BadConfig)",
		"Bare: True",
	}
	if len(got) != len(want) {
		t.Fatalf("conditionSummaries() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("summary %d = %q, want %q", i, got[i], want[i])
		}
	}
}
