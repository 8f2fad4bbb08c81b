// Package diag is the heap walker's diagnostic side channel: a thin wrapper
// over glog so every first-detection error point in the engine logs the
// same way without each package importing glog directly.
package diag

import "github.com/golang/glog"

// Level mirrors glog.Level for callers that want to gate verbose tracing
// (region-selection decisions, drain cycle counts) without paying for it by
// default.
type Level = glog.Level

// Warningf logs a recoverable condition: a region skipped, a best-effort
// teardown step that failed.
func Warningf(format string, args ...any) {
	glog.Warningf(format, args...)
}

// Errorf logs a hard failure at the point it is first detected, before it
// propagates up as a false/error return.
func Errorf(format string, args ...any) {
	glog.Errorf(format, args...)
}

// V reports whether verbose logging at the given level is enabled, mirroring
// glog.V so call sites read glog.V(2).Infof(...) exactly as the rest of this
// corpus does.
func V(level Level) glog.Verbose {
	return glog.V(level)
}

// Flush flushes any pending log I/O; callers invoke this before process exit.
func Flush() {
	glog.Flush()
}
