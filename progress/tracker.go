// Package progress implements the Progress Tracker: thread-safe,
// monotonic migration counters with throttled callback reporting and
// optional Prometheus gauge export. One Tracker serves one migration
// invocation.
package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"streamforge.dev/migrator/model"
)

// Tracker accumulates counters for a single migration and produces
// consistent MigrationProgress snapshots on demand.
type Tracker struct {
	migrationID string
	startedAt   time.Time
	logger      *logrus.Entry

	processed atomic.Int64
	total     atomic.Int64

	mu            sync.RWMutex
	status        model.MigrationStatus
	phase         model.StreamPhase
	paused        bool
	errorMessage  string
	canPause      bool
	canRollback   bool
	customMetrics map[string]func() (float64, error)

	cfg model.ProgressConfiguration

	lastReport atomic.Int64 // unix nano of last delivered report

	metrics *Metrics
}

// New constructs a Tracker for migrationID. cfg may be the zero value
// (no callbacks, default 5s report interval).
func New(migrationID string, cfg model.ProgressConfiguration, logger *logrus.Entry) *Tracker {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		migrationID:   migrationID,
		startedAt:     time.Now(),
		logger:        logger.WithField("migrationId", migrationID),
		status:        model.StatusPending,
		phase:         model.PhaseNormal,
		customMetrics: cfg.CustomMetrics,
		cfg:           cfg,
	}
}

// WithMetrics attaches a shared Metrics collector; Report and the
// terminal report paths set this migration's gauge samples on it.
func (t *Tracker) WithMetrics(m *Metrics) *Tracker {
	t.metrics = m
	return t
}

func (t *Tracker) SetStatus(s model.MigrationStatus) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *Tracker) SetPhase(p model.StreamPhase) {
	t.mu.Lock()
	t.phase = p
	t.mu.Unlock()
}

func (t *Tracker) SetPaused(paused bool) {
	t.mu.Lock()
	t.paused = paused
	t.mu.Unlock()
}

func (t *Tracker) IsPaused() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.paused
}

func (t *Tracker) SetCapabilities(canPause, canRollback bool) {
	t.mu.Lock()
	t.canPause = canPause
	t.canRollback = canRollback
	t.mu.Unlock()
}

func (t *Tracker) SetError(err error) {
	t.mu.Lock()
	if err != nil {
		t.errorMessage = err.Error()
	} else {
		t.errorMessage = ""
	}
	t.mu.Unlock()
}

// SetTotal sets the denominator used for percent/ETA computation.
func (t *Tracker) SetTotal(total int64) { t.total.Store(total) }

// IncrementProcessed advances the processed counter by n (n=1 if n<=0
// is not assumed; callers pass the exact increment).
func (t *Tracker) IncrementProcessed(n int64) { t.processed.Add(n) }

func (t *Tracker) SetCustomMetric(name string, fn func() (float64, error)) {
	t.mu.Lock()
	if t.customMetrics == nil {
		t.customMetrics = make(map[string]func() (float64, error))
	}
	t.customMetrics[name] = fn
	t.mu.Unlock()
}

// GetProgress builds a consistent snapshot of current counters.
func (t *Tracker) GetProgress() model.MigrationProgress {
	t.mu.RLock()
	status, phase, paused, canPause, canRollback, errMsg := t.status, t.phase, t.paused, t.canPause, t.canRollback, t.errorMessage
	metrics := t.customMetrics
	t.mu.RUnlock()

	processed := t.processed.Load()
	total := t.total.Load()
	elapsed := time.Since(t.startedAt)

	var percent float64
	if total > 0 {
		percent = float64(processed) / float64(total) * 100
	}

	var rate float64
	if elapsed.Seconds() > 0 {
		rate = float64(processed) / elapsed.Seconds()
	}

	var remaining time.Duration
	if rate > 0 && total > processed {
		remaining = time.Duration(float64(total-processed)/rate) * time.Second
	}

	var custom map[string]float64
	if len(metrics) > 0 {
		custom = make(map[string]float64, len(metrics))
		for name, fn := range metrics {
			v, err := safeCollect(fn)
			if err != nil {
				continue
			}
			custom[name] = v
		}
	}

	return model.MigrationProgress{
		MigrationID:        t.migrationID,
		Status:             status,
		Phase:              phase,
		Percent:            percent,
		EventsProcessed:    processed,
		TotalEvents:        total,
		EventsPerSecond:    rate,
		Elapsed:            elapsed,
		EstimatedRemaining: remaining,
		IsPaused:           paused,
		CanPause:           canPause,
		CanRollback:        canRollback,
		CustomMetrics:      custom,
		ErrorMessage:       errMsg,
	}
}

// safeCollect isolates a user-supplied metric collector: any panic or
// error drops the metric from the snapshot rather than failing it.
func safeCollect(fn func() (float64, error)) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errPanic
		}
	}()
	return fn()
}

var errPanic = panicError{}

type panicError struct{}

func (panicError) Error() string { return "custom metric collector panicked" }

// Report invokes the configured OnProgress callback, throttled to at
// most once per ReportInterval; the first call after the interval
// boundary fires. Call sites decide when Report is due (copy loop,
// phase boundaries); Report itself only enforces the throttle.
func (t *Tracker) Report() {
	now := time.Now().UnixNano()
	last := t.lastReport.Load()
	if last != 0 && time.Duration(now-last) < t.cfg.ReportInterval {
		return
	}
	if !t.lastReport.CompareAndSwap(last, now) {
		return
	}
	snap := t.GetProgress()
	if t.metrics != nil {
		t.metrics.set(t.migrationID, snap)
	}
	if t.cfg.EnableLogging {
		t.logger.WithFields(logrus.Fields{
			"status":    snap.Status,
			"percent":   snap.Percent,
			"processed": snap.EventsProcessed,
			"total":     snap.TotalEvents,
		}).Info("migration progress")
	}
	if t.cfg.OnProgress != nil {
		t.cfg.OnProgress(snap)
	}
}

// ReportCompleted forces an unthrottled final report via OnCompleted.
func (t *Tracker) ReportCompleted(result model.MigrationResult) {
	if t.metrics != nil {
		t.metrics.set(t.migrationID, t.GetProgress())
	}
	if t.cfg.OnCompleted != nil {
		t.cfg.OnCompleted(result)
	}
}

// ReportFailed sets errorMessage and, unless the tracker already holds
// a terminal status (e.g. RolledBack, set by the saga's compensation
// path immediately before calling this), moves status to Failed. Then
// it invokes OnFailed unthrottled.
func (t *Tracker) ReportFailed(err error) {
	t.mu.Lock()
	if !model.IsTerminal(t.status) {
		t.status = model.StatusFailed
	}
	t.mu.Unlock()
	t.SetError(err)
	if t.metrics != nil {
		t.metrics.set(t.migrationID, t.GetProgress())
	}
	if t.cfg.OnFailed != nil {
		t.cfg.OnFailed(err)
	}
}
