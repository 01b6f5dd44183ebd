package ember

import "time"

// Default configuration values for New.
// These constants are exported so callers can reference the defaults
// when building custom configurations relative to them (e.g.,
// 2 * DefaultDeployTimeout).
const (
	// DefaultPool is the namespace pool reservations are drawn from when
	// no pool is configured.
	DefaultPool = "default"

	// DefaultDuration is how long an auto-reserved namespace is held.
	DefaultDuration = "1h"

	// DefaultReserveTimeout bounds the wait for the namespace operator to
	// bind a reservation to a concrete namespace.
	DefaultReserveTimeout = 10 * time.Minute

	// DefaultDeployTimeout bounds the readiness wait of one deploy run,
	// covering every resource applied into the namespace.
	DefaultDeployTimeout = 15 * time.Minute

	// DefaultCatalogEnv is the environment queried from the remote app
	// catalog when resolving app configurations.
	DefaultCatalogEnv = "ephemeral"

	// DefaultCacheTTL is how long cached catalog query results stay fresh.
	// Only used when a cache path is configured via WithCatalogCache.
	DefaultCacheTTL = 6 * time.Hour
)
