package designsync

import (
	"errors"
	"fmt"
)

// ErrStorageUnavailable reports that the local durable medium could not be
// used. The store handles it internally by degrading to memory-only
// operation; it never crosses the SDK boundary as a crash.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// ErrNotFound reports a missing record in the local cache or state.
var ErrNotFound = errors.New("record not found")

// RemoteOperationFailed reports a single failed remote call made while
// online. It is surfaced to the caller, who decides whether to retry or
// queue; the gateway never silently falls back to offline mode.
type RemoteOperationFailed struct {
	Collection string
	Op         Op
	Status     int // HTTP status; 0 for transport errors and timeouts
	Remote     *RemoteError
	Err        error
}

func (e *RemoteOperationFailed) Error() string {
	msg := fmt.Sprintf("remote %s on %s failed", e.Op, e.Collection)
	if e.Status > 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Remote != nil {
		return msg + ": " + e.Remote.Error()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteOperationFailed) Unwrap() error {
	if e.Remote != nil {
		return e.Remote
	}
	return e.Err
}

// Permanent reports whether the remote definitively rejected the operation
// (a 4xx response). Transport errors, timeouts and 5xx responses are
// transient: replaying the same mutation later may succeed.
func (e *RemoteOperationFailed) Permanent() bool {
	return e.Status >= 400 && e.Status < 500
}

// SyncPartialFailure reports a drain that stopped partway. Applied entries
// are gone from the queue; the remainder is retained intact, in order, and
// is retried from the same point on the next reconnect.
type SyncPartialFailure struct {
	Applied   int
	Remaining int
	Err       error
}

func (e *SyncPartialFailure) Error() string {
	return fmt.Sprintf("sync drained %d mutations, %d remaining: %v", e.Applied, e.Remaining, e.Err)
}

func (e *SyncPartialFailure) Unwrap() error { return e.Err }

// SubscriptionError reports a dropped or failed realtime channel. The
// realtime layer resubscribes with backoff; it does not stop silently.
type SubscriptionError struct {
	ProjectID string
	Err       error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("realtime subscription for project %s: %v", e.ProjectID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
