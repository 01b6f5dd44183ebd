package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/emberops/ember/internal/logx"
)

// fileLockRetryInterval is the interval between consecutive attempts to
// acquire the cache file lock while another process refreshes the cache.
const fileLockRetryInterval = 50 * time.Millisecond

// Cache entry names, one per catalog query.
const (
	cacheKeyEnvironments = "environments"
	cacheKeyApplications = "applications"
)

// CachedQuerier wraps a Querier with an on-disk cache so repeated
// invocations within the TTL skip the remote round trips. The cache file
// may be shared between processes; refreshes are serialized through a file
// lock, and a refresh completed by another process while waiting for the
// lock is reused instead of repeated.
//
// Like the underlying Querier, CachedQuerier is not safe for concurrent
// use within a process.
type CachedQuerier struct {
	inner Querier
	path  string
	ttl   time.Duration
}

// NewCachedQuerier wraps inner with a cache stored in the sqlite database
// at path. Entries older than ttl are refreshed from inner.
func NewCachedQuerier(inner Querier, path string, ttl time.Duration) *CachedQuerier {
	return &CachedQuerier{inner: inner, path: path, ttl: ttl}
}

// Environments implements Querier, serving from the cache when fresh.
func (c *CachedQuerier) Environments(ctx context.Context) ([]Environment, error) {
	var envs []Environment
	err := c.cached(ctx, cacheKeyEnvironments, &envs, func() (any, error) {
		fresh, err := c.inner.Environments(ctx)
		return fresh, err
	})
	return envs, err
}

// Applications implements Querier, serving from the cache when fresh.
func (c *CachedQuerier) Applications(ctx context.Context) ([]Application, error) {
	var apps []Application
	err := c.cached(ctx, cacheKeyApplications, &apps, func() (any, error) {
		fresh, err := c.inner.Applications(ctx)
		return fresh, err
	})
	return apps, err
}

// cached loads the named entry into out if it is fresh, otherwise fetches a
// new payload, stores it, and decodes it into out. The fetch runs under the
// cache file lock so concurrent processes refresh at most once.
func (c *CachedQuerier) cached(ctx context.Context, name string, out any, fetch func() (any, error)) error {
	db, err := c.open()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logx.Logger().Debug("failed to close cache db", "path", c.path, "err", closeErr)
		}
	}()

	if ok, err := c.load(ctx, db, name, out); err != nil {
		return err
	} else if ok {
		logx.Logger().Debug("using cached catalog query", "query", name, "cache_path", c.path)
		return nil
	}

	lock, err := acquireFileLock(ctx, c.path+".lock")
	if err != nil {
		return err
	}
	defer releaseFileLock(logx.Logger(), lock)

	// Another process may have refreshed the entry while we waited.
	if ok, err := c.load(ctx, db, name, out); err != nil {
		return err
	} else if ok {
		logx.Logger().Debug("using catalog query refreshed while waiting for lock", "query", name)
		return nil
	}

	logx.Logger().Debug("refreshing catalog query cache", "query", name)
	fresh, err := fetch()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(fresh)
	if err != nil {
		return fmt.Errorf("encoding %s cache entry: %w", name, err)
	}
	if err := c.store(ctx, db, name, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

// open opens the cache database, creating the containing directory and the
// entries table as needed.
func (c *CachedQuerier) open() (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	db, err := sql.Open("sqlite", c.path)
	if err != nil {
		return nil, fmt.Errorf("opening cache db %s: %w", c.path, err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS query_cache (
		name       TEXT PRIMARY KEY,
		payload    BLOB NOT NULL,
		fetched_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing cache db %s: %w", c.path, err)
	}
	return db, nil
}

// load decodes the named entry into out and reports whether a fresh entry
// was found.
func (c *CachedQuerier) load(ctx context.Context, db *sql.DB, name string, out any) (bool, error) {
	var payload []byte
	var fetchedAt int64
	row := db.QueryRowContext(ctx, `SELECT payload, fetched_at FROM query_cache WHERE name = ?`, name)
	if err := row.Scan(&payload, &fetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("reading %s cache entry: %w", name, err)
	}
	if time.Since(time.Unix(fetchedAt, 0)) > c.ttl {
		return false, nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		// A corrupt entry is treated as a miss and overwritten on refresh.
		logx.Logger().Warn("discarding corrupt cache entry", "query", name, "err", err)
		return false, nil
	}
	return true, nil
}

// store upserts the named entry with the current timestamp.
func (c *CachedQuerier) store(ctx context.Context, db *sql.DB, name string, payload []byte) error {
	const upsert = `INSERT INTO query_cache (name, payload, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at`
	if _, err := db.ExecContext(ctx, upsert, name, payload, time.Now().Unix()); err != nil {
		return fmt.Errorf("writing %s cache entry: %w", name, err)
	}
	return nil
}

// acquireFileLock acquires an exclusive lock on the given file path,
// retrying at fileLockRetryInterval until successful or the context is done.
func acquireFileLock(ctx context.Context, lockPath string) (*flock.Flock, error) {
	fl := flock.New(lockPath)

	locked, err := fl.TryLockContext(ctx, fileLockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("acquiring file lock %s: %w", lockPath, err)
	}
	if !locked {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquiring file lock %s: %w", lockPath, ctx.Err())
		}
		return nil, fmt.Errorf("acquiring file lock %s: lock not acquired", lockPath)
	}
	return fl, nil
}

// releaseFileLock releases the file lock and closes its descriptor. The
// lock file stays on disk so removal cannot race a concurrent acquisition.
func releaseFileLock(logger *slog.Logger, fl *flock.Flock) {
	if fl != nil {
		if err := fl.Close(); err != nil {
			logger.Debug("failed to release file lock", "path", fl.Path(), "err", err)
		}
	}
}
