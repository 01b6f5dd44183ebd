// Package logx holds the process-wide logger shared by all ember packages.
package logx

import (
	"log/slog"
	"sync/atomic"
)

// logger is the package-level logger, stored as an atomic pointer to allow
// safe concurrent reads and writes. A nil value means no custom logger has
// been set; Logger() falls back to a cached default derived from
// slog.Default().
var logger atomic.Pointer[slog.Logger]

// defaultLogger caches the default-derived logger (slog.Default() with the
// ember component attribute) so it is not re-created on every Logger() call.
// If slog.SetDefault() is called after the first Logger() call, the cached
// logger will not reflect the change; calling SetLogger(nil) clears the
// cache, letting the next Logger() call pick up the new slog.Default().
var defaultLogger atomic.Pointer[slog.Logger]

// Logger returns the current package-level logger. If no custom logger has
// been set via SetLogger, it returns a cached logger derived from
// slog.Default() with the ember component attribute. Safe to call from
// multiple goroutines.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := slog.Default().With("component", "ember")
	// CompareAndSwap so a concurrently cached value is not overwritten.
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	// Re-load the winner's value; fall back to our local logger if a
	// concurrent SetLogger cleared the cache between the CAS and the load,
	// so we never return nil.
	if l2 := defaultLogger.Load(); l2 != nil {
		return l2
	}
	return l
}

// SetLogger replaces the package-level logger. If l is nil, the logger
// resets to the default: slog.Default() with the ember component attribute,
// re-derived on the next Logger() call and then cached.
//
// SetLogger is safe to call concurrently with other ember operations.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
	defaultLogger.Store(nil)
}
