// Package saga implements the Migration Executor: the primary
// orchestrator driving the ordered phases (backup, analyze,
// copy+transform, verify, cutover, book-close) with compensation on
// failure.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"streamforge.dev/migrator/migrateerr"
	"streamforge.dev/migrator/model"
	"streamforge.dev/migrator/plan"
	"streamforge.dev/migrator/progress"
	"streamforge.dev/migrator/verify"
)

// Executor drives one MigrationContext to completion. It holds no
// per-invocation state itself; everything mutable lives on the tracker
// and the context passed to Execute.
type Executor struct {
	LockProvider   model.DistributedLockProvider
	BackupProvider model.BackupProvider
	Metrics        *progress.Metrics
	Logger         *logrus.Entry
}

// New constructs an Executor. LockProvider/BackupProvider are optional;
// a nil LockProvider means the migration runs without mutual exclusion,
// a nil BackupProvider means Backup/Rollback-to-snapshot are unavailable.
func New(lockProvider model.DistributedLockProvider, backupProvider model.BackupProvider, logger *logrus.Entry) *Executor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{LockProvider: lockProvider, BackupProvider: backupProvider, Logger: logger}
}

// WithMetrics attaches a shared progress.Metrics collector; every
// migration this Executor runs (including bulk fan-out, which reuses
// one Executor across items) samples its gauges there, labeled by
// migration id.
func (ex *Executor) WithMetrics(m *progress.Metrics) *Executor {
	ex.Metrics = m
	return ex
}

// Execute runs mctx to a terminal MigrationResult. It never panics out
// to the caller for ordinary failures; compensation runs inline.
func (ex *Executor) Execute(ctx context.Context, mctx *model.MigrationContext) model.MigrationResult {
	logger := ex.Logger.WithField("migrationId", mctx.MigrationID)
	tracker := progress.New(mctx.MigrationID, progressConfig(mctx), logger)
	if ex.Metrics != nil {
		tracker.WithMetrics(ex.Metrics)
	}
	tracker.SetCapabilities(mctx.SupportsPause, mctx.SupportsRollback)
	tracker.SetStatus(model.StatusPending)
	if mctx.OnTrackerReady != nil {
		mctx.OnTrackerReady(tracker)
	}

	stats := model.MigrationStatistics{StartedAt: mctx.StartedAt}
	if stats.StartedAt.IsZero() {
		stats.StartedAt = time.Now()
	}

	if err := validatePreconditions(mctx); err != nil {
		return ex.fail(mctx, tracker, stats, err)
	}

	tracker.SetStatus(model.StatusInProgress)

	if mctx.IsDryRun {
		return ex.runDryRun(ctx, mctx, tracker, stats)
	}

	return ex.runMigration(ctx, mctx, tracker, stats)
}

func progressConfig(mctx *model.MigrationContext) model.ProgressConfiguration {
	if mctx.Progress != nil {
		return *mctx.Progress
	}
	return model.ProgressConfiguration{}
}

func validatePreconditions(mctx *model.MigrationContext) error {
	if mctx.SourceStreamID == mctx.TargetStreamID {
		return migrateerr.New(migrateerr.PreconditionViolated, "source and target stream identifiers must differ", nil)
	}
	if !mctx.IsDryRun && mctx.DocumentStore == nil {
		return migrateerr.New(migrateerr.PreconditionViolated, "DocumentStore is required outside dry-run", nil)
	}
	if mctx.DataStore == nil {
		return migrateerr.New(migrateerr.PreconditionViolated, "DataStore is required", nil)
	}
	return nil
}

func (ex *Executor) runDryRun(ctx context.Context, mctx *model.MigrationContext, tracker *progress.Tracker, stats model.MigrationStatistics) model.MigrationResult {
	p := plan.New()
	sampleSize := 0
	if mctx.Verification != nil {
		sampleSize = mctx.Verification.SampleSize
	}
	result, err := p.Plan(ctx, mctx.SourceDoc, mctx.DataStore, mctx.EffectiveTransformer(), mctx.Backup != nil, sampleSize)
	if err != nil {
		return ex.fail(mctx, tracker, stats, err)
	}

	stats.CompletedAt = time.Now()
	tracker.SetStatus(model.StatusCompleted)
	return model.MigrationResult{
		MigrationID: mctx.MigrationID,
		Success:     result.IsFeasible,
		Status:      model.StatusCompleted,
		Progress:    tracker.GetProgress(),
		Plan:        &result,
		Duration:    stats.CompletedAt.Sub(stats.StartedAt),
		Statistics:  stats,
	}
}

func (ex *Executor) runMigration(ctx context.Context, mctx *model.MigrationContext, tracker *progress.Tracker, stats model.MigrationStatistics) model.MigrationResult {
	var lock model.Lock
	if mctx.LockOptions != nil && ex.LockProvider != nil {
		acquired, err := ex.acquireLock(ctx, mctx, tracker)
		if err != nil {
			return ex.fail(mctx, tracker, stats, err)
		}
		lock = acquired
		defer func() {
			lock.StopHeartbeat()
			_ = lock.Release(context.Background())
		}()
	}

	var backupHandle *model.BackupHandle
	if mctx.Backup != nil && ex.BackupProvider != nil {
		tracker.SetStatus(model.StatusBackingUp)
		handle, err := ex.backup(ctx, mctx, tracker)
		if err != nil {
			return ex.rollbackOrFail(ctx, mctx, tracker, stats, nil, err)
		}
		backupHandle = &handle
		stats.SnapshotCreated = true
		tracker.SetStatus(model.StatusInProgress)
	}

	var sourceEvents, targetEvents []model.Event
	var err error

	if mctx.SkipCopy {
		// The Live-Migration Executor's catch-up loop has already
		// written every target event; re-read both sides for
		// statistics/verification purposes only, and never append again.
		sourceEvents, err = mctx.DataStore.Read(ctx, mctx.SourceDoc, 0, -1)
		if err != nil {
			return ex.rollbackOrFail(ctx, mctx, tracker, stats, backupHandle,
				migrateerr.New(migrateerr.ReadFailed, "read source events", err))
		}
		targetDoc := model.ObjectDocument{Active: model.StreamInfo{StreamIdentifier: mctx.TargetStreamID}}
		targetEvents, err = mctx.DataStore.Read(ctx, targetDoc, 0, -1)
		if err != nil {
			return ex.rollbackOrFail(ctx, mctx, tracker, stats, backupHandle,
				migrateerr.New(migrateerr.ReadFailed, "read target events", err))
		}
		stats.TotalEvents = int64(len(sourceEvents))
		tracker.SetTotal(stats.TotalEvents)
		tracker.IncrementProcessed(stats.TotalEvents)
		for _, e := range targetEvents {
			stats.TotalBytes += int64(len(e.Payload))
		}
	} else {
		sourceEvents, err = mctx.DataStore.Read(ctx, mctx.SourceDoc, 0, -1)
		if err != nil {
			return ex.rollbackOrFail(ctx, mctx, tracker, stats, backupHandle,
				migrateerr.New(migrateerr.ReadFailed, "read source events", err))
		}
		stats.TotalEvents = int64(len(sourceEvents))
		tracker.SetTotal(stats.TotalEvents)

		if lock != nil && !lock.IsValid(ctx) {
			return ex.rollbackOrFail(ctx, mctx, tracker, stats, backupHandle, migrateerr.ErrLockLost)
		}

		var transformed, failures int64
		targetEvents, transformed, failures, err = copyAndTransform(ctx, mctx, sourceEvents, tracker)
		if err != nil {
			return ex.rollbackOrFail(ctx, mctx, tracker, stats, backupHandle, err)
		}
		stats.EventsTransformed = transformed
		stats.TransformationFailures = failures
		for _, e := range targetEvents {
			stats.TotalBytes += int64(len(e.Payload))
		}

		if len(targetEvents) > 0 {
			if err := mctx.DataStore.Append(ctx, mctx.SourceDoc, mctx.TargetStreamID, model.NoExpectedVersion, targetEvents); err != nil {
				return ex.rollbackOrFail(ctx, mctx, tracker, stats, backupHandle,
					migrateerr.New(migrateerr.AppendFailed, "append target events", err))
			}
		}
	}

	if mctx.Verification != nil {
		tracker.SetStatus(model.StatusVerifying)
		vresult, verr := ex.verify(ctx, mctx, sourceEvents, targetEvents)
		if verr != nil {
			return ex.rollbackOrFailWithVerification(ctx, mctx, tracker, stats, backupHandle, &vresult, verr)
		}
		if lock != nil && !lock.IsValid(ctx) {
			return ex.rollbackOrFail(ctx, mctx, tracker, stats, backupHandle, migrateerr.ErrLockLost)
		}
		tracker.SetStatus(model.StatusInProgress)
		return ex.cutoverAndClose(ctx, mctx, tracker, stats, backupHandle, &vresult)
	}

	return ex.cutoverAndClose(ctx, mctx, tracker, stats, backupHandle, nil)
}

func (ex *Executor) acquireLock(ctx context.Context, mctx *model.MigrationContext, tracker *progress.Tracker) (model.Lock, error) {
	key := mctx.LockOptions.Key
	if key == "" {
		key = mctx.SourceDoc.ObjectID
	}
	var lock model.Lock
	var err error
	if leased, ok := ex.LockProvider.(model.LeasedLockProvider); ok && mctx.LockOptions.Lease > 0 {
		lock, err = leased.AcquireWithLease(ctx, key, mctx.LockOptions.Timeout, mctx.LockOptions.Lease)
	} else {
		lock, err = ex.LockProvider.Acquire(ctx, key, mctx.LockOptions.Timeout)
	}
	if err != nil {
		return nil, err
	}
	if mctx.LockOptions.HeartbeatInterval > 0 {
		lock.StartHeartbeat(mctx.LockOptions.HeartbeatInterval, func() {
			tracker.SetError(migrateerr.ErrLockLost)
		})
	}
	return lock, nil
}

func (ex *Executor) backup(ctx context.Context, mctx *model.MigrationContext, tracker *progress.Tracker) (model.BackupHandle, error) {
	events, err := mctx.DataStore.Read(ctx, mctx.SourceDoc, 0, -1)
	if err != nil {
		return model.BackupHandle{}, migrateerr.New(migrateerr.ReadFailed, "read source for backup", err)
	}
	bctx := model.BackupContext{Document: mctx.SourceDoc, Configuration: *mctx.Backup, Events: events}
	handle, err := ex.BackupProvider.Backup(ctx, bctx, func(msg string) {
		tracker.Report()
		ex.Logger.WithField("migrationId", mctx.MigrationID).Debug(msg)
	})
	if err != nil {
		return model.BackupHandle{}, migrateerr.New(migrateerr.Internal, "backup failed", err)
	}
	return handle, nil
}

// copyAndTransform reads source events in order, applies the effective
// transformer to each, and accumulates target events. On a transformer
// error it increments failures and either aborts (FailFast) or skips
// the event.
func copyAndTransform(ctx context.Context, mctx *model.MigrationContext, sourceEvents []model.Event, tracker *progress.Tracker) (target []model.Event, transformed int64, failures int64, err error) {
	transformer := mctx.EffectiveTransformer()
	failFast := mctx.Verification != nil && mctx.Verification.FailFast

	target = make([]model.Event, 0, len(sourceEvents))
	for _, ev := range sourceEvents {
		select {
		case <-ctx.Done():
			return nil, transformed, failures, migrateerr.New(migrateerr.Cancelled, "copy cancelled", ctx.Err())
		default:
		}

		if mctx.SupportsPause {
			if err := waitWhilePaused(ctx, tracker); err != nil {
				return nil, transformed, failures, err
			}
		}

		out := ev
		if transformer != nil {
			t, terr := transformer.Transform(ctx, ev)
			if terr != nil {
				failures++
				if failFast {
					return nil, transformed, failures, migrateerr.New(migrateerr.TransformationFailed,
						fmt.Sprintf("event version %d", ev.EventVersion), terr)
				}
				continue
			}
			out = t
			transformed++
		}
		target = append(target, out)
		tracker.IncrementProcessed(1)
		tracker.Report()
	}

	// Re-index target versions densely from 0: skipped events must not
	// leave gaps in the target stream's version sequence.
	for i := range target {
		target[i].EventVersion = i
	}
	return target, transformed, failures, nil
}

// waitWhilePaused observes tracker.IsPaused() at this copy-loop boundary
// and suspends with bounded back-off until it clears or ctx is
// cancelled. Pause is purely cooperative: nothing preempts the event
// currently mid-flight, only the next one.
func waitWhilePaused(ctx context.Context, tracker *progress.Tracker) error {
	if !tracker.IsPaused() {
		return nil
	}
	backoff := 100 * time.Millisecond
	const maxBackoff = 2 * time.Second
	for tracker.IsPaused() {
		select {
		case <-ctx.Done():
			return migrateerr.New(migrateerr.Cancelled, "cancelled while paused", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
	return nil
}

func (ex *Executor) verify(ctx context.Context, mctx *model.MigrationContext, source, target []model.Event) (model.VerificationResult, error) {
	v := verify.New()
	return v.Run(ctx, verify.VerificationContext{
		Source:      source,
		Target:      target,
		Transformer: mctx.EffectiveTransformer(),
	}, *mctx.Verification)
}
