// Package log wraps zerolog with the helpers rsbackup's components share:
// a global Logger configured once via Init, and a set of WithX
// constructors that attach the host/volume/device identifying a log line
// so operators can grep a single host's run out of a multi-host sweep.
//
// # Warning channels
//
// The original implementation gates warnings behind a bitmask of named
// channels (store, database, unreachable-host, deprecated-option, ...) so
// an operator can silence one class of warning without losing the rest.
// WithChannel models the same idea as a zerolog sub-logger keyed by
// component name: each channel can be filtered by level independently,
// which composes with zerolog's existing level machinery instead of
// requiring a second, bespoke suppression mechanism.
package log
