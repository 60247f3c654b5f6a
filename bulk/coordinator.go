// Package bulk implements the Bulk Coordinator: bounded-concurrency
// fan-out of the Migration Executor over a caller-supplied document
// set, a buffered semaphore channel gating concurrent Executor runs,
// with per-item failure isolation.
package bulk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"streamforge.dev/migrator/migrateerr"
	"streamforge.dev/migrator/model"
	"streamforge.dev/migrator/saga"
)

// defaultMaxConcurrency is used when Options.MaxConcurrency <= 0.
const defaultMaxConcurrency = 4

// maxReportedFailures bounds how many individual failures are
// concatenated into Result.ErrorMessage.
const maxReportedFailures = 3

// Recipe is the shared per-item configuration the Coordinator forwards
// into every per-document model.MigrationContext it builds. Pipeline is
// owned by the recipe and passed straight through unmodified.
//
// Live is deliberately absent: live migration is not supported in bulk
// and there is no field for a caller to populate one with.
type Recipe struct {
	Strategy         string
	Transformer      model.Transformer
	Pipeline         *model.Pipeline
	LockOptions      *model.LockOptions
	Backup           *model.BackupConfiguration
	Verification     *model.VerificationConfiguration
	BookClose        *model.BookCloseConfiguration
	Progress         *model.ProgressConfiguration
	SupportsPause    bool
	SupportsRollback bool

	DataStore     model.DataStore
	DocumentStore model.DocumentStore
}

// Failure isolates one item's error from the rest of a bulk run.
type Failure struct {
	ObjectID   string `json:"objectId"`
	ObjectName string `json:"objectName"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

// Result is the aggregate outcome of one Coordinator.Run call.
type Result struct {
	Results      []model.MigrationResult   `json:"results"`
	Failures     []Failure                 `json:"failures"`
	Statistics   model.MigrationStatistics `json:"statistics"`
	StartedAt    time.Time                 `json:"startedAt"`
	CompletedAt  time.Time                 `json:"completedAt"`
	RolledBack   bool                      `json:"rolledBack"`
	ErrorMessage string                    `json:"errorMessage,omitempty"`
}

// Coordinator runs one Executor invocation per document under a bounded
// semaphore, isolating per-item failures from one another.
type Coordinator struct {
	Executor *saga.Executor
	Logger   *logrus.Entry
}

// New constructs a Coordinator. executor is reused across every item;
// it holds no per-invocation state of its own.
func New(executor *saga.Executor, logger *logrus.Entry) *Coordinator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{Executor: executor, Logger: logger}
}

// Run migrates every document in docs under recipe, bounded by
// opts.MaxConcurrency. It always returns a Result; it never panics out
// to the caller for a single item's failure.
func (c *Coordinator) Run(ctx context.Context, docs []model.ObjectDocument, recipe Recipe, opts model.BulkOptions) Result {
	start := time.Now()

	if len(docs) == 0 {
		return Result{StartedAt: start, CompletedAt: time.Now()}
	}

	targetIDs, err := resolveTargetIDs(docs, opts.TargetIDFactory)
	if err != nil {
		return Result{
			StartedAt:    start,
			CompletedAt:  time.Now(),
			ErrorMessage: err.Error(),
			Failures:     []Failure{{Message: err.Error(), Err: err}},
		}
	}

	maxConcurrency := opts.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := &runState{total: len(docs), continueOnError: opts.ContinueOnError, onProgress: opts.OnProgress, cancel: cancel}

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for _, doc := range docs {
		doc := doc

		select {
		case <-runCtx.Done():
			// A prior failure already cancelled the run
			// (ContinueOnError=false); skip scheduling the rest.
			continue
		default:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.runOne(runCtx, doc, targetIDs[doc.ObjectID], recipe, run)
		}()
	}
	wg.Wait()

	return aggregate(run.results, run.failures, start)
}

// runState is the shared, mutex-guarded bookkeeping one Run call
// accumulates across its concurrent per-item executors.
type runState struct {
	mu              sync.Mutex
	total           int
	processed       int
	successful      int
	failed          int
	continueOnError bool
	onProgress      func(model.BulkMigrationProgress)
	cancel          context.CancelFunc
	results         []model.MigrationResult
	failures        []Failure
}

func (c *Coordinator) runOne(ctx context.Context, doc model.ObjectDocument, targetID string, recipe Recipe, run *runState) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	mctx := buildContext(doc, targetID, recipe)
	res := c.Executor.Execute(ctx, mctx)

	run.mu.Lock()
	defer run.mu.Unlock()
	run.processed++
	run.results = append(run.results, res)
	if res.Success {
		run.successful++
	} else {
		run.failed++
		run.failures = append(run.failures, Failure{ObjectID: doc.ObjectID, ObjectName: doc.ObjectName, Message: res.ErrorMessage, Err: res.Error})
		if !run.continueOnError {
			run.cancel()
		}
	}
	if run.onProgress != nil {
		run.onProgress(model.BulkMigrationProgress{
			Total:      run.total,
			Processed:  run.processed,
			Successful: run.successful,
			Failed:     run.failed,
			CurrentID:  doc.ObjectID,
		})
	}
}

func buildContext(doc model.ObjectDocument, targetID string, recipe Recipe) *model.MigrationContext {
	return &model.MigrationContext{
		MigrationID:      uuid.NewString(),
		SourceDoc:        doc,
		SourceStreamID:   doc.Active.StreamIdentifier,
		TargetStreamID:   targetID,
		Strategy:         recipe.Strategy,
		Transformer:      recipe.Transformer,
		Pipeline:         recipe.Pipeline,
		LockOptions:      recipe.LockOptions,
		Backup:           recipe.Backup,
		Verification:     recipe.Verification,
		BookClose:        recipe.BookClose,
		Progress:         recipe.Progress,
		SupportsPause:    recipe.SupportsPause,
		SupportsRollback: recipe.SupportsRollback,
		DataStore:        recipe.DataStore,
		DocumentStore:    recipe.DocumentStore,
		StartedAt:        time.Now(),
	}
}

// resolveTargetIDs computes each document's target stream id up front
// and rejects a factory that produces a non-distinct id across more
// than one document; a constant factory would otherwise silently route
// several sources into one target stream.
func resolveTargetIDs(docs []model.ObjectDocument, factory func(model.ObjectDocument) string) (map[string]string, error) {
	if factory == nil {
		factory = defaultTargetID
	}
	ids := make(map[string]string, len(docs))
	seen := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		id := factory(d)
		if id == "" || id == d.Active.StreamIdentifier {
			return nil, migrateerr.New(migrateerr.PreconditionViolated,
				fmt.Sprintf("target stream id for object %s is empty or equal to its source stream", d.ObjectID), nil)
		}
		if _, dup := seen[id]; dup && len(docs) > 1 {
			return nil, migrateerr.New(migrateerr.PreconditionViolated,
				"target id factory produced a non-distinct id across documents", nil)
		}
		seen[id] = struct{}{}
		ids[d.ObjectID] = id
	}
	return ids, nil
}

func defaultTargetID(doc model.ObjectDocument) string {
	return fmt.Sprintf("%s-migrated-%s", doc.ObjectID, uuid.NewString())
}

// aggregate sums per-item statistics, spans earliest-start/latest-complete
// across all items, and concatenates the first few failure messages.
func aggregate(results []model.MigrationResult, failures []Failure, start time.Time) Result {
	var stats model.MigrationStatistics
	var earliestStart, latestComplete time.Time
	rolledBack := false

	for _, r := range results {
		stats.TotalEvents += r.Statistics.TotalEvents
		stats.EventsTransformed += r.Statistics.EventsTransformed
		stats.TransformationFailures += r.Statistics.TransformationFailures
		stats.TotalBytes += r.Statistics.TotalBytes
		if r.Statistics.RolledBack {
			rolledBack = true
		}
		if r.Statistics.SnapshotCreated {
			stats.SnapshotCreated = true
		}
		if !r.Statistics.StartedAt.IsZero() && (earliestStart.IsZero() || r.Statistics.StartedAt.Before(earliestStart)) {
			earliestStart = r.Statistics.StartedAt
		}
		if r.Statistics.CompletedAt.After(latestComplete) {
			latestComplete = r.Statistics.CompletedAt
		}
	}

	stats.StartedAt = earliestStart
	stats.CompletedAt = latestComplete
	stats.RolledBack = rolledBack
	if elapsed := latestComplete.Sub(earliestStart); elapsed > 0 {
		stats.AverageEventsPerSecond = float64(stats.TotalEvents) / elapsed.Seconds()
	}

	msgs := make([]string, 0, maxReportedFailures)
	for i, f := range failures {
		if i >= maxReportedFailures {
			break
		}
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.ObjectID, f.Message))
	}

	return Result{
		Results:      results,
		Failures:     failures,
		Statistics:   stats,
		StartedAt:    start,
		CompletedAt:  time.Now(),
		RolledBack:   rolledBack,
		ErrorMessage: strings.Join(msgs, "; "),
	}
}
