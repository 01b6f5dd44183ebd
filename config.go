package ember

import "time"

// clientConfig holds the settings a Client is constructed with. It is
// materialized from the defaults and mutated by the With* options before
// New wires the internal components.
type clientConfig struct {
	// Remote app catalog.
	catalogURL   string
	catalogToken string
	catalogEnv   string

	// Local catalog cache. An empty cachePath disables caching.
	cachePath string
	cacheTTL  time.Duration

	// Local override config file. Empty means no overrides.
	localConfigPath string

	// Catalog scoping.
	rootApps       []string
	refEnv         string
	fallbackRefEnv string

	// Reservation defaults.
	pool           string
	requester      string
	duration       string
	reserveTimeout time.Duration

	// Deploy defaults.
	deployTimeout     time.Duration
	deferStatusErrors bool
}
