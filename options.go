package ember

import (
	"fmt"
	"time"
)

// requirePositive panics if v <= 0 with a descriptive message.
func requirePositive[T int | time.Duration](name string, v T) {
	if v <= 0 {
		panic(fmt.Sprintf("ember: %s must be greater than 0, got %v", name, v))
	}
}

// requireNonEmpty panics if s is empty with a descriptive message.
func requireNonEmpty(name, s string) {
	if s == "" {
		panic(fmt.Sprintf("ember: %s must not be empty", name))
	}
}

// Option configures a Client during construction via New.
// Each With* function returns an Option that sets a specific field.
//
// Several With* functions panic on invalid input (empty paths, non-positive
// durations). These panics are intentional: option values are typically
// compile-time constants or package-level variables, so an invalid value
// indicates a programmer error rather than a runtime condition. The pattern
// mirrors [regexp.MustCompile] — fail fast during initialization instead of
// returning errors that would be universally fatal anyway.
type Option func(*clientConfig)

// WithCatalog sets the remote app catalog endpoint and its bearer token.
// The token may be empty for unauthenticated catalogs.
// Panics if url is empty.
func WithCatalog(url, token string) Option {
	requireNonEmpty("catalog URL", url)
	return func(c *clientConfig) {
		c.catalogURL = url
		c.catalogToken = token
	}
}

// WithCatalogEnv sets the environment queried from the remote catalog when
// resolving app configurations.
//
// Default: "ephemeral".
//
// Panics if env is empty.
func WithCatalogEnv(env string) Option {
	requireNonEmpty("catalog environment", env)
	return func(c *clientConfig) {
		c.catalogEnv = env
	}
}

// WithCatalogCache enables the local catalog cache at the given path.
// Catalog query results are persisted there and reused until ttl elapses,
// so repeated resolutions skip the remote round trip. The cache is safe to
// share between processes.
//
// Panics if path is empty or ttl <= 0.
func WithCatalogCache(path string, ttl time.Duration) Option {
	requireNonEmpty("catalog cache path", path)
	requirePositive("catalog cache TTL", ttl)
	return func(c *clientConfig) {
		c.cachePath = path
		c.cacheTTL = ttl
	}
}

// WithLocalConfig sets a local override config file, merged over the remote
// catalog before every resolution. See the catalog documentation for the
// merge semantics.
// Panics if path is empty.
func WithLocalConfig(path string) Option {
	requireNonEmpty("local config path", path)
	return func(c *clientConfig) {
		c.localConfigPath = path
	}
}

// WithRootApps restricts catalog resolution to applications whose parent
// app is one of the given names. An empty list (the default) admits every
// application.
func WithRootApps(apps ...string) Option {
	return func(c *clientConfig) {
		c.rootApps = apps
	}
}

// WithRefEnvs sets the environments template refs are substituted from
// during resolution: refEnv is preferred, fallbackRefEnv is consulted for
// components refEnv does not pin. Either may be empty.
func WithRefEnvs(refEnv, fallbackRefEnv string) Option {
	return func(c *clientConfig) {
		c.refEnv = refEnv
		c.fallbackRefEnv = fallbackRefEnv
	}
}

// WithPool sets the namespace pool reservations are drawn from.
//
// Default: "default".
//
// Panics if pool is empty.
func WithPool(pool string) Option {
	requireNonEmpty("pool", pool)
	return func(c *clientConfig) {
		c.pool = pool
	}
}

// WithRequester sets the requester name stamped onto reservations.
// If not set, the current OS user name is used.
// Panics if requester is empty.
func WithRequester(requester string) Option {
	requireNonEmpty("requester", requester)
	return func(c *clientConfig) {
		c.requester = requester
	}
}

// WithDuration sets the default reservation duration, e.g. "4h".
// Panics if duration is empty.
func WithDuration(duration string) Option {
	requireNonEmpty("duration", duration)
	return func(c *clientConfig) {
		c.duration = duration
	}
}

// WithReserveTimeout sets the total timeout for namespace reservation,
// covering the wait for the operator to bind a namespace.
//
// Default: 10 minutes.
//
// Panics if d <= 0.
func WithReserveTimeout(d time.Duration) Option {
	requirePositive("reserve timeout", d)
	return func(c *clientConfig) {
		c.reserveTimeout = d
	}
}

// WithDeployTimeout sets the total timeout for the readiness wait of one
// deploy run.
//
// Default: 15 minutes.
//
// Panics if d <= 0.
func WithDeployTimeout(d time.Duration) Option {
	requirePositive("deploy timeout", d)
	return func(c *clientConfig) {
		c.deployTimeout = d
	}
}

// WithDeferredStatusErrors keeps readiness waits going past terminal
// resource statuses, reporting them together at the end instead of aborting
// on the first one.
func WithDeferredStatusErrors() Option {
	return func(c *clientConfig) {
		c.deferStatusErrors = true
	}
}
