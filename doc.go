// Package ember deploys application stacks into pooled ephemeral Kubernetes
// namespaces.
//
// ember resolves app configurations from a remote catalog (optionally merged
// with local overrides), renders each component's deploy template at the
// right git ref, walks transitive dependencies, and applies the result into
// a namespace reserved from an operator-managed pool. It then waits for the
// deployed resources to converge.
//
// # Basic Usage
//
//	import "github.com/emberops/ember"
//
//	ctx := context.Background()
//
//	client, err := ember.New(restCfg,
//	    ember.WithCatalog(catalogURL, catalogToken),
//	    ember.WithRequester("ci"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Reserve a namespace, deploy into it, wait for readiness. The
//	// namespace is released again if the deploy fails.
//	namespace, err := client.Deploy(ctx, ember.DeployOptions{
//	    ProcessOptions: ember.ProcessOptions{Apps: []string{"my-app"}},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Release(ctx, namespace)
//
// # Rendering Without a Cluster
//
// Process performs the same resolution as Deploy but stops at the rendered
// manifest list, for inspection or GitOps-style pipelines:
//
//	list, err := client.Process(ctx, ember.ProcessOptions{
//	    Apps:           []string{"my-app"},
//	    SingleReplicas: true,
//	})
//
// # Pool Reconciliation
//
// Reconcile runs one pass over every governed namespace: expired
// reservations are reclaimed, released namespaces are wiped and re-prepped
// with the base secrets and environment template, and fresh reservations
// get their expiry stamped. It is intended to run on a schedule (e.g. a
// CronJob) next to the namespace operator.
package ember
