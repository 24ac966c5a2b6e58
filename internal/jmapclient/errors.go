package jmapclient

import "github.com/pkg/errors"

// Sentinel errors for the recoverable conditions spec.md §7 distinguishes,
// grounded on the teacher's one-sentinel-per-condition pattern
// (gmail.ErrMessageNotFound).
var (
	// ErrAuthentication is returned for any 401 response. It is never
	// retried.
	ErrAuthentication = errors.New("jmap: authentication failed")

	// ErrStateExpired corresponds to the JMAP "cannotCalculateChanges"
	// error, returned by Email/changes when the server can no longer
	// compute a delta from the given state. The caller downgrades to a
	// full Query-based rediscovery.
	ErrStateExpired = errors.New("jmap: server cannot calculate changes since state")

	// ErrRetriesExhausted is returned once a call's configured retry
	// budget is spent without a successful attempt.
	ErrRetriesExhausted = errors.New("jmap: retries exhausted")
)
