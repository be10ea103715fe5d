// Package pkg provides shared utilities for the softqmi stack.
//
// This package contains common functionality used by the HAL, transport,
// QMI core and daemon packages:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for the QMI client layer and the USB control channel
//   - Component identifiers for log filtering
//   - Lazy hex dumps of wire frames for debug logging
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentDevice, "device ready", "after", elapsed)
//
// # Errors
//
// Errors are sentinel values compared with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrDeviceGone) {
//	    // The modem went away; every further call fails the same way.
//	}
package pkg
