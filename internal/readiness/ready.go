package readiness

import (
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// checkableKinds are the kinds whose status this package knows how to
// parse, in the order phase 3 sweeps them.
var checkableKinds = []string{
	"deployment",
	"deploymentconfig",
	"statefulset",
	"daemonset",
	"clowdapp",
	"clowdenvironment",
	"clowdjobinvocation",
	"kafka",
	"kafkaconnect",
	"pod",
}

// namespaceSweepKinds are the kinds phase 3 lists inside a namespace. Pods
// are excluded: they are observed through their owners, and bare pods churn
// too much to gate readiness on. ClowdEnvironments are cluster-scoped and
// handled by phase 1.
var namespaceSweepKinds = []string{
	"deployment",
	"deploymentconfig",
	"statefulset",
	"daemonset",
	"clowdapp",
	"clowdjobinvocation",
	"kafka",
	"kafkaconnect",
}

func isCheckable(kind string) bool {
	kind = strings.ToLower(kind)
	for _, k := range checkableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// generationCurrent reports whether the resource's status reflects its
// latest spec generation. Resources without generation tracking pass.
func generationCurrent(obj *unstructured.Unstructured) bool {
	generation := obj.GetGeneration()
	if generation == 0 {
		return true
	}
	observed, found, _ := unstructured.NestedInt64(obj.Object, "status", "observedGeneration")
	if !found {
		observed, found, _ = unstructured.NestedInt64(obj.Object, "status", "generation")
	}
	return !found || observed == generation
}

// hasCondition reports whether a status condition of the given type carries
// the given value. Comparison is case-insensitive: operators disagree on
// the casing of both fields.
func hasCondition(obj *unstructured.Unstructured, condType, value string) bool {
	conditions, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	for _, raw := range conditions {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		t, _ := c["type"].(string)
		v, _ := c["status"].(string)
		if strings.EqualFold(t, condType) && strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// resourceReady reports whether one resource has converged. The kind must
// be checkable.
func resourceReady(kind string, obj *unstructured.Unstructured) (bool, error) {
	kind = strings.ToLower(kind)
	if !isCheckable(kind) {
		return false, fmt.Errorf("checking status of %q resources is not supported", kind)
	}

	status, found, _ := unstructured.NestedMap(obj.Object, "status")
	if !found || len(status) == 0 {
		return false, nil
	}
	if !generationCurrent(obj) {
		return false, nil
	}

	switch kind {
	case "deployment":
		var d appsv1.Deployment
		if err := fromUnstructured(obj, &d); err != nil {
			return false, err
		}
		want := int32(1)
		if d.Spec.Replicas != nil {
			want = *d.Spec.Replicas
		}
		return d.Status.AvailableReplicas == want && d.Status.UpdatedReplicas == want, nil

	case "deploymentconfig":
		// OpenShift type, no struct in k8s.io/api; read the counters raw.
		want, found, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
		if !found {
			want = 1
		}
		available, _, _ := unstructured.NestedInt64(obj.Object, "status", "availableReplicas")
		updated, _, _ := unstructured.NestedInt64(obj.Object, "status", "updatedReplicas")
		return available == want && updated == want, nil

	case "statefulset":
		var s appsv1.StatefulSet
		if err := fromUnstructured(obj, &s); err != nil {
			return false, err
		}
		want := int32(1)
		if s.Spec.Replicas != nil {
			want = *s.Spec.Replicas
		}
		return s.Status.ReadyReplicas == want, nil

	case "daemonset":
		var d appsv1.DaemonSet
		if err := fromUnstructured(obj, &d); err != nil {
			return false, err
		}
		return d.Status.NumberAvailable == d.Status.DesiredNumberScheduled, nil

	case "pod":
		var p corev1.Pod
		if err := fromUnstructured(obj, &p); err != nil {
			return false, err
		}
		return p.Status.Phase == corev1.PodRunning, nil

	case "clowdapp", "clowdenvironment":
		return hasCondition(obj, "DeploymentsReady", "true") &&
			hasCondition(obj, "ReconciliationSuccessful", "true"), nil

	case "clowdjobinvocation":
		return hasCondition(obj, "JobInvocationComplete", "true") &&
			hasCondition(obj, "ReconciliationSuccessful", "true"), nil

	case "kafka", "kafkaconnect":
		return hasCondition(obj, "Ready", "true"), nil
	}
	return false, nil
}

// resourceTerminal reports whether the resource has reached a state it will
// not recover from, making further waiting pointless.
func resourceTerminal(kind string, obj *unstructured.Unstructured) bool {
	switch strings.ToLower(kind) {
	case "pod":
		phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase")
		return strings.EqualFold(phase, "Failed")
	case "clowdapp", "clowdenvironment", "clowdjobinvocation":
		return hasCondition(obj, "ReconciliationFailed", "true")
	case "kafka", "kafkaconnect":
		return hasCondition(obj, "NotReady", "true") && !generationPending(obj)
	}
	return false
}

// generationPending reports whether the operator has yet to observe the
// latest spec, in which case a failure condition may be stale.
func generationPending(obj *unstructured.Unstructured) bool {
	return !generationCurrent(obj)
}

// conditionSummaries renders a resource's status conditions for error
// detail output.
func conditionSummaries(obj *unstructured.Unstructured) []string {
	conditions, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	var out []string
	for _, raw := range conditions {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		t, _ := c["type"].(string)
		v, _ := c["status"].(string)
		txt := fmt.Sprintf("%s: %s", t, v)
		msg, _ := c["message"].(string)
		if msg == "" {
			msg, _ = c["reason"].(string)
		}
		if msg != "" {
			txt += " (" + msg + ")"
		}
		out = append(out, txt)
	}
	return out
}

func fromUnstructured(obj *unstructured.Unstructured, into any) error {
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, into); err != nil {
		return fmt.Errorf("converting %s/%s: %w", obj.GetKind(), obj.GetName(), err)
	}
	return nil
}
