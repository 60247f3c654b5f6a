package saga

import (
	"context"
	"fmt"
	"time"

	"streamforge.dev/migrator/migrateerr"
	"streamforge.dev/migrator/model"
	"streamforge.dev/migrator/progress"
)

// cutoverAndClose re-fetches the document, performs cutover, then
// book-close when configured, then constructs the success result. The
// re-fetch immediately before each document write (rather than reusing
// mctx.SourceDoc throughout) gives the document store's revision-based
// CAS an actual chance to detect a concurrent external writer.
func (ex *Executor) cutoverAndClose(ctx context.Context, mctx *model.MigrationContext, tracker *progress.Tracker, stats model.MigrationStatistics, backupHandle *model.BackupHandle, vresult *model.VerificationResult) model.MigrationResult {
	tracker.SetStatus(model.StatusCuttingOver)
	current, err := mctx.DocumentStore.Get(ctx, mctx.SourceDoc.ObjectName, mctx.SourceDoc.ObjectID)
	if err != nil {
		return ex.rollbackOrFailWithVerification(ctx, mctx, tracker, stats, backupHandle, vresult,
			migrateerr.New(migrateerr.ReadFailed, "re-read document before cutover", err))
	}

	updated := cutover(current, mctx.SourceStreamID, mctx.TargetStreamID)
	updated.PrevHash = current.Hash
	newHash, err := mctx.DocumentStore.Set(ctx, updated)
	if err != nil {
		return ex.rollbackOrFailWithVerification(ctx, mctx, tracker, stats, backupHandle, vresult,
			migrateerr.New(migrateerr.DocumentWriteFailed, "cutover write", err))
	}
	updated.Hash = newHash

	if mctx.BookClose != nil {
		tracker.SetPhase(model.PhaseBookClosed)
		current, err = mctx.DocumentStore.Get(ctx, mctx.SourceDoc.ObjectName, mctx.SourceDoc.ObjectID)
		if err != nil {
			return ex.rollbackOrFailWithVerification(ctx, mctx, tracker, stats, backupHandle, vresult,
				migrateerr.New(migrateerr.ReadFailed, "re-read document before book-close", err))
		}
		closed := bookClose(current, mctx.SourceStreamID, *mctx.BookClose)
		closed.PrevHash = current.Hash
		if _, err := mctx.DocumentStore.Set(ctx, closed); err != nil {
			return ex.rollbackOrFailWithVerification(ctx, mctx, tracker, stats, backupHandle, vresult,
				migrateerr.New(migrateerr.DocumentWriteFailed, "book-close write", err))
		}
		if mctx.BookClose.CreateSnapshot {
			stats.SnapshotCreated = true
		}
	}

	stats.CompletedAt = time.Now()
	finalizeStats(&stats)
	tracker.SetStatus(model.StatusCompleted)

	result := model.MigrationResult{
		MigrationID:        mctx.MigrationID,
		Success:            true,
		Status:             model.StatusCompleted,
		Progress:           tracker.GetProgress(),
		VerificationResult: vresult,
		Duration:           stats.CompletedAt.Sub(stats.StartedAt),
		Statistics:         stats,
	}
	tracker.ReportCompleted(result)
	return result
}

// cutover builds the new StreamInfo for targetStreamID mirroring
// source's routing, and records the former source as a terminated
// stream continuing into it.
func cutover(doc model.ObjectDocument, sourceStreamID, targetStreamID string) model.ObjectDocument {
	out := doc.Clone()
	newActive := doc.Active
	newActive.StreamIdentifier = targetStreamID
	// currentVersion mirrors the source's at the moment of cutover; the
	// copy step already wrote events densely from 0 onto the target.
	out.TerminatedStreams = append(out.TerminatedStreams, model.TerminatedStream{
		StreamIdentifier:     sourceStreamID,
		Reason:               fmt.Sprintf("Migrated to %s", targetStreamID),
		ContinuationStreamID: targetStreamID,
		TerminationDate:      time.Now(),
		StreamVersion:        doc.Active.CurrentVersion,
		Deleted:              false,
	})
	out.Active = newActive
	return out
}

// bookClose locates the terminated-stream entry for sourceStreamID and
// overlays the configured reason/deleted/metadata/archive-location.
func bookClose(doc model.ObjectDocument, sourceStreamID string, cfg model.BookCloseConfiguration) model.ObjectDocument {
	out := doc.Clone()
	for i, ts := range out.TerminatedStreams {
		if ts.StreamIdentifier != sourceStreamID {
			continue
		}
		if cfg.Reason != "" {
			ts.Reason = cfg.Reason
		}
		ts.Deleted = cfg.Deleted
		if ts.Metadata == nil {
			ts.Metadata = make(map[string]string)
		}
		for k, v := range cfg.Metadata {
			ts.Metadata[k] = v
		}
		if cfg.ArchiveLocation != "" {
			ts.Metadata["archiveLocation"] = cfg.ArchiveLocation
		}
		out.TerminatedStreams[i] = ts
		break
	}
	return out
}

func finalizeStats(stats *model.MigrationStatistics) {
	if d := stats.CompletedAt.Sub(stats.StartedAt); d > 0 {
		stats.AverageEventsPerSecond = float64(stats.TotalEvents) / d.Seconds()
	}
}

// rollbackOrFail runs compensation when mctx.SupportsRollback is set,
// otherwise marks Failed directly.
func (ex *Executor) rollbackOrFail(ctx context.Context, mctx *model.MigrationContext, tracker *progress.Tracker, stats model.MigrationStatistics, backupHandle *model.BackupHandle, cause error) model.MigrationResult {
	return ex.rollbackOrFailWithVerification(ctx, mctx, tracker, stats, backupHandle, nil, cause)
}

func (ex *Executor) rollbackOrFailWithVerification(ctx context.Context, mctx *model.MigrationContext, tracker *progress.Tracker, stats model.MigrationStatistics, backupHandle *model.BackupHandle, vresult *model.VerificationResult, cause error) model.MigrationResult {
	if !mctx.SupportsRollback {
		return ex.failWithVerification(mctx, tracker, stats, vresult, cause)
	}

	tracker.SetStatus(model.StatusRollingBack)
	if backupHandle != nil && ex.BackupProvider != nil {
		rctx := model.RestoreContext{Target: mctx.SourceDoc, Overwrite: true}
		if err := ex.BackupProvider.Restore(ctx, *backupHandle, rctx, func(string) {}); err != nil {
			ex.Logger.WithField("migrationId", mctx.MigrationID).WithError(err).
				Warn("rollback restore failed; original failure remains the surfaced cause")
		}
	}
	// No handle: target writes may remain. Cleanup is the provider's
	// domain; the core does not attempt target deletion.

	stats.RolledBack = true
	stats.CompletedAt = time.Now()
	finalizeStats(&stats)
	tracker.SetStatus(model.StatusRolledBack)

	result := model.MigrationResult{
		MigrationID:        mctx.MigrationID,
		Success:            false,
		Status:             model.StatusRolledBack,
		ErrorMessage:       cause.Error(),
		Error:              cause,
		Progress:           tracker.GetProgress(),
		VerificationResult: vresult,
		Duration:           stats.CompletedAt.Sub(stats.StartedAt),
		Statistics:         stats,
	}
	tracker.ReportFailed(cause)
	return result
}

func (ex *Executor) fail(mctx *model.MigrationContext, tracker *progress.Tracker, stats model.MigrationStatistics, cause error) model.MigrationResult {
	return ex.failWithVerification(mctx, tracker, stats, nil, cause)
}

func (ex *Executor) failWithVerification(mctx *model.MigrationContext, tracker *progress.Tracker, stats model.MigrationStatistics, vresult *model.VerificationResult, cause error) model.MigrationResult {
	stats.CompletedAt = time.Now()
	finalizeStats(&stats)
	tracker.ReportFailed(cause)

	result := model.MigrationResult{
		MigrationID:        mctx.MigrationID,
		Success:            false,
		Status:             model.StatusFailed,
		ErrorMessage:       cause.Error(),
		Error:              cause,
		Progress:           tracker.GetProgress(),
		VerificationResult: vresult,
		Duration:           stats.CompletedAt.Sub(stats.StartedAt),
		Statistics:         stats,
	}
	return result
}
