package cluster

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// kindInfo records how a kind maps onto the API surface. ember touches a
// fixed set of kinds, so the mapping is static rather than discovered.
type kindInfo struct {
	gvr        schema.GroupVersionResource
	namespaced bool
}

// kinds maps lowercased kind names to their resource coordinates. The
// cloud.redhat.com entries are the Clowder and namespace-operator custom
// resources; the rest are core/apps kinds the readiness waiter inspects.
var kinds = map[string]kindInfo{
	"namespace":            {schema.GroupVersionResource{Version: "v1", Resource: "namespaces"}, false},
	"secret":               {schema.GroupVersionResource{Version: "v1", Resource: "secrets"}, true},
	"configmap":            {schema.GroupVersionResource{Version: "v1", Resource: "configmaps"}, true},
	"pod":                  {schema.GroupVersionResource{Version: "v1", Resource: "pods"}, true},
	"service":              {schema.GroupVersionResource{Version: "v1", Resource: "services"}, true},
	"deployment":           {schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}, true},
	"deploymentconfig":     {schema.GroupVersionResource{Group: "apps.openshift.io", Version: "v1", Resource: "deploymentconfigs"}, true},
	"statefulset":          {schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "statefulsets"}, true},
	"daemonset":            {schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "daemonsets"}, true},
	"job":                  {schema.GroupVersionResource{Group: "batch", Version: "v1", Resource: "jobs"}, true},
	"clowdapp":             {schema.GroupVersionResource{Group: "cloud.redhat.com", Version: "v1alpha1", Resource: "clowdapps"}, true},
	"clowdenvironment":     {schema.GroupVersionResource{Group: "cloud.redhat.com", Version: "v1alpha1", Resource: "clowdenvironments"}, false},
	"clowdjobinvocation":   {schema.GroupVersionResource{Group: "cloud.redhat.com", Version: "v1alpha1", Resource: "clowdjobinvocations"}, true},
	"namespacereservation": {schema.GroupVersionResource{Group: "cloud.redhat.com", Version: "v1alpha1", Resource: "namespacereservations"}, false},
	"namespacepool":        {schema.GroupVersionResource{Group: "cloud.redhat.com", Version: "v1alpha1", Resource: "namespacepools"}, false},
	"kafka":                {schema.GroupVersionResource{Group: "kafka.strimzi.io", Version: "v1beta2", Resource: "kafkas"}, true},
	"kafkaconnect":         {schema.GroupVersionResource{Group: "kafka.strimzi.io", Version: "v1beta2", Resource: "kafkaconnects"}, true},
}

// kindAliases maps shorthand names accepted at call sites to canonical kinds.
var kindAliases = map[string]string{
	"reservation": "namespacereservation",
	"app":         "clowdapp",
	"env":         "clowdenvironment",
	"cji":         "clowdjobinvocation",
	"pool":        "namespacepool",
}

// CanonicalKind resolves a kind name or alias to its canonical lowercase
// form, or an error for kinds ember does not know how to address.
func CanonicalKind(kind string) (string, error) {
	k := strings.ToLower(kind)
	if alias, ok := kindAliases[k]; ok {
		k = alias
	}
	if _, ok := kinds[k]; !ok {
		return "", fmt.Errorf("unknown resource kind: %s", kind)
	}
	return k, nil
}

// Namespaced reports whether a kind's resources live inside a namespace.
func Namespaced(kind string) (bool, error) {
	info, err := infoFor(kind)
	if err != nil {
		return false, err
	}
	return info.namespaced, nil
}

// infoFor returns the resource coordinates for a kind name or alias.
func infoFor(kind string) (kindInfo, error) {
	k, err := CanonicalKind(kind)
	if err != nil {
		return kindInfo{}, err
	}
	return kinds[k], nil
}
