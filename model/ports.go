package model

import (
	"context"
	"math"
	"time"
)

// NoExpectedVersion disables Append's optimistic-concurrency check.
// Every value above it is a real expectation: -1 means the stream must
// be empty, n >= 0 means the stream's head must be exactly n.
const NoExpectedVersion = math.MinInt

// DataStore is the append-only event-stream collaborator. Implementations
// live outside this package (e.g. a bbolt-backed store); the core only
// depends on this shape.
type DataStore interface {
	// Read returns events for doc's stream with version in
	// [startVersion, untilVersion] (untilVersion<0 means "to head").
	Read(ctx context.Context, doc ObjectDocument, startVersion, untilVersion int) ([]Event, error)
	// Append writes events to doc's active stream, or to
	// targetStreamOverride when non-empty, in a single atomic batch.
	// Unless expectedVersion is NoExpectedVersion, Append fails with a
	// conflict error if the stream's current version does not match it
	// (-1 expects an empty stream).
	Append(ctx context.Context, doc ObjectDocument, targetStreamOverride string, expectedVersion int, events []Event) error
	// Head returns the current version of the named stream, or -1 if
	// the stream has never had anything appended.
	Head(ctx context.Context, streamIdentifier string) (int, error)
}

// DocumentStore is the object-document collaborator, backed by a
// revisioned document database in the reference implementation.
type DocumentStore interface {
	Get(ctx context.Context, objectName, objectID string) (ObjectDocument, error)
	// Set writes doc, conditional on doc.PrevHash matching the stored
	// revision when PrevHash is non-empty. Returns the new Hash.
	Set(ctx context.Context, doc ObjectDocument) (string, error)
}

// Lock is a held distributed lock scoped to one executor invocation.
type Lock interface {
	ID() string
	Key() string
	AcquiredAt() time.Time
	ExpiresAt() time.Time
	IsValid(ctx context.Context) bool
	Renew(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	// StartHeartbeat launches a background renewal loop; onLost is
	// invoked at most once, from the heartbeat goroutine, the first
	// time a renew observes the lease is gone. A zero interval is a
	// no-op (no heartbeat requested).
	StartHeartbeat(interval time.Duration, onLost func())
	// StopHeartbeat cancels any running heartbeat and waits for it to exit.
	StopHeartbeat()
}

// DistributedLockProvider acquires named locks with a timeout.
type DistributedLockProvider interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (Lock, error)
}

// LeasedLockProvider is implemented by providers whose lease duration
// can be set per acquisition independently of the acquire timeout. The
// Executor uses it when LockOptions.Lease is set; otherwise providers
// fall back to their own default (typically the acquire timeout).
type LeasedLockProvider interface {
	AcquireWithLease(ctx context.Context, key string, timeout, lease time.Duration) (Lock, error)
}

// BackupContext is passed to a BackupProvider.Backup call.
type BackupContext struct {
	Document      ObjectDocument
	Configuration BackupConfiguration
	Events        []Event
}

// RestoreContext is passed to a BackupProvider.Restore call.
type RestoreContext struct {
	Target    ObjectDocument
	Overwrite bool
}

// BackupProvider snapshots a stream before mutation and can restore it.
type BackupProvider interface {
	ProviderName() string
	Backup(ctx context.Context, bctx BackupContext, progress func(string)) (BackupHandle, error)
	Restore(ctx context.Context, handle BackupHandle, rctx RestoreContext, progress func(string)) error
	Validate(ctx context.Context, handle BackupHandle) (bool, error)
	Delete(ctx context.Context, handle BackupHandle) error
}
