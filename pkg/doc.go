// Package pkg provides shared utilities for the softehci driver.
//
// This package contains common functionality used by the controller driver,
// its HAL adapter and the register backends, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for driver and USB transfer errors
//   - The transfer status taxonomy reported to completion callbacks
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with driver component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentSchedule, "interrupt endpoint placed", "frame", 3)
//
// # Errors
//
// Synchronous errors are sentinel values, usually wrapped:
//
//	if errors.Is(err, pkg.ErrBandwidth) {
//	    // Periodic admission failed
//	}
//
// Asynchronous outcomes arrive as a [TransferStatus], whose Error method maps
// back to the matching sentinel.
package pkg
