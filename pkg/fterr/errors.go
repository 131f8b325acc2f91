// Package fterr holds the error classes of the fault-tolerance subsystem.
//
// Callers test membership with Class.Contains(err). Errors of a class are
// built with Class.New and foreign errors are attached with Class.Wrap, so
// the class survives as long as nobody re-wraps with fmt.Errorf.
package fterr

import (
	"github.com/spacemonkeygo/errors"
)

// Error groups every class below; do not instantiate directly.
var Error = errors.NewClass("FTError")

// OrderingError is a protocol violation: a checkpoint index that does not
// increase, or a history base moving backwards. Never retried.
var OrderingError = Error.NewClass("OrderingError")

// Malformed marks an update whose declared range does not match its payload.
var Malformed = Error.NewClass("Malformed")

// NotFound is returned for unknown or unregistered bodies.
var NotFound = Error.NewClass("NotFound")

// NoCheckpointAvailable aborts a recovery attempted before the body ever
// stored a checkpoint.
var NoCheckpointAvailable = Error.NewClass("NoCheckpointAvailable")

// NoResourceAvailable is returned by the allocator when no host is free.
var NoResourceAvailable = Error.NewClass("NoResourceAvailable")

// InstantiationError wraps engine failures while restoring an incarnation.
var InstantiationError = Error.NewClass("InstantiationError")

// StaleLocation tells a sender its cached address is no longer current and
// it must resolve again.
var StaleLocation = Error.NewClass("StaleLocation")

// StaleIncarnation rejects writes from an incarnation that was superseded
// by a recovery.
var StaleIncarnation = Error.NewClass("StaleIncarnation")

// ProbeMissed is a soft liveness failure (timeout, not serving).
var ProbeMissed = Error.NewClass("ProbeMissed")

// Unreachable is a hard liveness failure (e.g. connection refused).
var Unreachable = ProbeMissed.NewClass("Unreachable")

// Closed is returned by components used after shutdown.
var Closed = Error.NewClass("Closed")
