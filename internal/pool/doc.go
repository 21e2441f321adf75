// Package pool lends a bounded set of expensive handles to callers.
//
// The pool is generic over the handle type and delegates the handle
// lifecycle to a Factory:
//
//   - pool.go: Pool type, Acquire/Release/Execute/Discard/Shutdown.
//   - config.go: Config and package defaults.
//   - errors.go: error kinds and classifiers (IsAcquireTimeout, IsCreationFailed).
//   - health.go: periodic eviction and validation of idle handles.
//
// Waiters are served strictly FIFO: a released handle goes straight to the
// longest-waiting caller instead of back to the idle set.
package pool
