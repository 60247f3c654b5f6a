// Package live implements the Live-Migration Executor: a catch-up loop
// that copies a stream whose source keeps accepting writes, re-polling
// until nothing new arrives, then closes the source atomically at the
// converged version using optimistic concurrency.
package live

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"streamforge.dev/migrator/migrateerr"
	"streamforge.dev/migrator/model"
	"streamforge.dev/migrator/progress"
	"streamforge.dev/migrator/saga"
)

// Executor runs the catch-up-then-close loop ahead of handing off to
// saga.Executor's cutover step once the source is closed.
type Executor struct {
	Saga   *saga.Executor
	Logger *logrus.Entry
}

func New(sagaExecutor *saga.Executor, logger *logrus.Entry) *Executor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{Saga: sagaExecutor, Logger: logger}
}

// Execute runs the loop described in the component design: copy
// anything new, reread the head, and attempt an optimistic-concurrency
// close; any writes that land during the close attempt force another
// catch-up pass. On convergence it hands off to the saga Executor's
// cutover (the same document mutation as an ordinary migration).
func (ex *Executor) Execute(ctx context.Context, mctx *model.MigrationContext) model.MigrationResult {
	logger := ex.Logger.WithField("migrationId", mctx.MigrationID)
	tracker := progress.New(mctx.MigrationID, progressConfigOf(mctx), logger)
	if ex.Saga != nil && ex.Saga.Metrics != nil {
		tracker.WithMetrics(ex.Saga.Metrics)
	}
	tracker.SetCapabilities(mctx.SupportsPause, mctx.SupportsRollback)
	tracker.SetStatus(model.StatusInProgress)

	if mctx.Live == nil {
		return failResult(mctx, tracker, migrateerr.New(migrateerr.PreconditionViolated, "live migration invoked without LiveMigrationOptions", nil))
	}
	if mctx.SourceStreamID == mctx.TargetStreamID {
		return failResult(mctx, tracker, migrateerr.New(migrateerr.PreconditionViolated, "source and target stream identifiers must differ", nil))
	}

	maxIterations := mctx.Live.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 100
	}
	sleep := mctx.Live.MinSleepBetweenIterations

	transformer := mctx.EffectiveTransformer()
	lastCopiedVersion := -1

	for iteration := 0; iteration < maxIterations; iteration++ {
		select {
		case <-ctx.Done():
			return failResult(mctx, tracker, migrateerr.New(migrateerr.Cancelled, "live migration cancelled", ctx.Err()))
		default:
		}

		head, err := mctx.DataStore.Head(ctx, mctx.SourceStreamID)
		if err != nil {
			return failResult(mctx, tracker, migrateerr.New(migrateerr.ReadFailed, "read source head", err))
		}

		if head > lastCopiedVersion {
			batch, err := mctx.DataStore.Read(ctx, mctx.SourceDoc, lastCopiedVersion+1, head)
			if err != nil {
				return failResult(mctx, tracker, migrateerr.New(migrateerr.ReadFailed, "read catch-up batch", err))
			}
			targetBatch, err := transformBatch(ctx, transformer, batch, lastCopiedVersion+1)
			if err != nil {
				return failResult(mctx, tracker, err)
			}
			if len(targetBatch) > 0 {
				if err := mctx.DataStore.Append(ctx, mctx.SourceDoc, mctx.TargetStreamID, model.NoExpectedVersion, targetBatch); err != nil {
					return failResult(mctx, tracker, migrateerr.New(migrateerr.AppendFailed, "append catch-up batch", err))
				}
			}
			tracker.IncrementProcessed(int64(len(batch)))
			tracker.Report()
			lastCopiedVersion = head

			if sleep > 0 {
				select {
				case <-ctx.Done():
					return failResult(mctx, tracker, migrateerr.New(migrateerr.Cancelled, "live migration cancelled", ctx.Err()))
				case <-time.After(sleep):
				}
			}
			continue // verify sync: reread head next iteration before attempting close
		}

		// Source head unchanged since the last catch-up pass: attempt
		// to close at lastCopiedVersion with optimistic concurrency.
		// lastCopiedVersion is -1 when the source was empty throughout,
		// which the store checks as "must still be empty", so a writer
		// racing the close of an empty stream still conflicts.
		closeCtx := ctx
		var cancel context.CancelFunc
		if mctx.Live.CloseTimeout > 0 {
			closeCtx, cancel = context.WithTimeout(ctx, mctx.Live.CloseTimeout)
		}
		err = mctx.DataStore.Append(closeCtx, mctx.SourceDoc, mctx.SourceStreamID, lastCopiedVersion, nil)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if migrateerr.KindOf(err) == migrateerr.AppendConflict {
				// Conflict: new writes arrived between the head check
				// and the close attempt. Go around again.
				continue
			}
			return failResult(mctx, tracker, migrateerr.New(migrateerr.AppendFailed, "close source stream", err))
		}

		return ex.Saga.Execute(ctx, cutoverContext(mctx))
	}

	return failResult(mctx, tracker, migrateerr.New(migrateerr.LiveMigrationNoConverge,
		"iteration budget exhausted without convergence", nil))
}

func progressConfigOf(mctx *model.MigrationContext) model.ProgressConfiguration {
	if mctx.Progress != nil {
		return *mctx.Progress
	}
	return model.ProgressConfiguration{}
}

func transformBatch(ctx context.Context, transformer model.Transformer, batch []model.Event, baseVersion int) ([]model.Event, error) {
	out := make([]model.Event, 0, len(batch))
	for i, ev := range batch {
		cur := ev
		if transformer != nil {
			t, err := transformer.Transform(ctx, ev)
			if err != nil {
				return nil, migrateerr.New(migrateerr.TransformationFailed, "live catch-up transform", err)
			}
			cur = t
		}
		cur.EventVersion = baseVersion + i
		out = append(out, cur)
	}
	return out, nil
}

// cutoverContext builds the MigrationContext the saga Executor needs to
// perform only the cutover/book-close tail: the copy itself was already
// done by the catch-up loop, so it carries no transformer/verification
// of its own (the live loop already applied transforms and the caller
// may have verified separately).
func cutoverContext(mctx *model.MigrationContext) *model.MigrationContext {
	clone := *mctx
	clone.Live = nil
	clone.Verification = nil
	clone.Transformer = nil
	clone.Pipeline = nil
	clone.SkipCopy = true
	return &clone
}

func failResult(mctx *model.MigrationContext, tracker *progress.Tracker, cause error) model.MigrationResult {
	tracker.ReportFailed(cause)
	return model.MigrationResult{
		MigrationID:  mctx.MigrationID,
		Success:      false,
		Status:       model.StatusFailed,
		ErrorMessage: cause.Error(),
		Error:        cause,
		Progress:     tracker.GetProgress(),
	}
}
