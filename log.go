package ember

import (
	"log/slog"

	"github.com/emberops/ember/internal/logx"
)

// SetLogger replaces the package-level logger used by ember.
// This allows applications to integrate ember logging with their own
// logging infrastructure. The provided logger should already have any
// desired attributes; ember will not add additional attributes.
//
// If l is nil, the logger resets to the default: slog.Default() with
// "component" attribute, re-derived on the next use and then cached.
// Call SetLogger(nil) after slog.SetDefault() to pick up changes.
//
// Thread safety: SetLogger is safe to call concurrently with other ember
// operations. Both the custom logger and the cached default are stored as
// atomic pointers, so loads and stores are data-race-free. For a strict
// happens-before guarantee, call SetLogger before starting goroutines that
// use the library (e.g., in TestMain before m.Run).
//
// Example:
//
//	ember.SetLogger(myLogger.With("component", "ember"))
func SetLogger(l *slog.Logger) {
	logx.SetLogger(l)
}
