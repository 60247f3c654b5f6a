// Package registry implements the Migration Registry: a process-local,
// concurrent-safe directory of active migrations keyed by migration id,
// supporting inspection, cooperative pause/resume, and cancellation.
package registry

import (
	"context"
	"fmt"
	"sync"

	"streamforge.dev/migrator/migrateerr"
	"streamforge.dev/migrator/model"
)

// entry is one tracked migration.
type entry struct {
	handle      model.TrackerHandle
	cancel      context.CancelFunc
	subscribers []chan model.MigrationProgress
}

// Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds migrationID to the directory, bound to handle (normally
// the Executor's internal Tracker, delivered via
// model.MigrationContext.OnTrackerReady). cancel, if non-nil, is invoked
// by Cancel to actually abort the in-flight run; a nil cancel means
// Cancel can only mark the record, not stop the work.
func (r *Registry) Register(migrationID string, handle model.TrackerHandle, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[migrationID] = &entry{handle: handle, cancel: cancel}
}

// Unregister removes migrationID and closes any open subscriber
// channels. Safe to call even if migrationID was never registered.
func (r *Registry) Unregister(migrationID string) {
	r.mu.Lock()
	e, ok := r.entries[migrationID]
	if ok {
		delete(r.entries, migrationID)
	}
	r.mu.Unlock()
	if ok {
		for _, ch := range e.subscribers {
			close(ch)
		}
	}
}

// Get returns the current progress snapshot for migrationID.
func (r *Registry) Get(migrationID string) (model.MigrationProgress, bool) {
	r.mu.RLock()
	e, ok := r.entries[migrationID]
	r.mu.RUnlock()
	if !ok {
		return model.MigrationProgress{}, false
	}
	return e.handle.GetProgress(), true
}

// List returns a snapshot of every tracked migration's progress, in no
// particular order.
func (r *Registry) List() []model.MigrationProgress {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.MigrationProgress, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.handle.GetProgress())
	}
	return out
}

// Pause sets the paused flag observed cooperatively by the Executor's
// copy loop. It only succeeds from a pausable status (InProgress).
func (r *Registry) Pause(migrationID string) error {
	e, err := r.find(migrationID)
	if err != nil {
		return err
	}
	status := e.handle.GetProgress().Status
	if !model.IsPausable(status) {
		return migrateerr.New(migrateerr.PreconditionViolated,
			fmt.Sprintf("migration %s cannot be paused from status %s", migrationID, status), nil)
	}
	e.handle.SetPaused(true)
	e.handle.SetStatus(model.StatusPaused)
	r.notify(e)
	return nil
}

// Resume clears the paused flag. It only succeeds from Paused.
func (r *Registry) Resume(migrationID string) error {
	e, err := r.find(migrationID)
	if err != nil {
		return err
	}
	status := e.handle.GetProgress().Status
	if !model.IsResumable(status) {
		return migrateerr.New(migrateerr.PreconditionViolated,
			fmt.Sprintf("migration %s cannot be resumed from status %s", migrationID, status), nil)
	}
	e.handle.SetPaused(false)
	e.handle.SetStatus(model.StatusInProgress)
	r.notify(e)
	return nil
}

// Cancel invokes the registered cancel func (if any), marks the record
// Cancelled, notifies subscribers, and removes it from the directory.
// It refuses a migration that has already reached a terminal status.
func (r *Registry) Cancel(migrationID string) error {
	e, err := r.find(migrationID)
	if err != nil {
		return err
	}
	status := e.handle.GetProgress().Status
	if model.IsTerminal(status) {
		return migrateerr.New(migrateerr.PreconditionViolated,
			fmt.Sprintf("migration %s is already terminal (%s)", migrationID, status), nil)
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.handle.SetStatus(model.StatusCancelled)
	r.notify(e)
	r.Unregister(migrationID)
	return nil
}

// Subscribe returns a channel that receives a progress snapshot when
// Pause/Resume/Cancel changes migrationID's status. The channel buffers
// one snapshot; a snapshot is dropped if the previous one has not been
// received yet. The channel is closed when the migration is unregistered. ok is false if migrationID
// is not currently tracked.
func (r *Registry) Subscribe(migrationID string) (ch <-chan model.MigrationProgress, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.entries[migrationID]
	if !found {
		return nil, false
	}
	sub := make(chan model.MigrationProgress, 1)
	e.subscribers = append(e.subscribers, sub)
	return sub, true
}

func (r *Registry) find(migrationID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[migrationID]
	if !ok {
		return nil, migrateerr.New(migrateerr.Internal, fmt.Sprintf("migration %s is not registered", migrationID), nil)
	}
	return e, nil
}

func (r *Registry) notify(e *entry) {
	snap := e.handle.GetProgress()
	r.mu.RLock()
	subs := make([]chan model.MigrationProgress, len(e.subscribers))
	copy(subs, e.subscribers)
	r.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
