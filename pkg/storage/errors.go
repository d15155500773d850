package storage

import "errors"

// Errors specific to the storage-plugin boundary. Cross-cutting
// conditions (not found, conflict, service unavailable) use the
// registry package's taxonomy instead, so callers can type-switch
// consistently regardless of which plugin produced the error.
var (
	// errLockBusy is wrapped into registry.InternalError once the lock
	// retry budget is exhausted (spec §4.3: "EAGAIN on lock contention
	// surfaces as INTERNAL_ERROR").
	errLockBusy = errors.New("resource temporarily unavailable")
)
