package model

import (
	"context"
	"time"
)

// MigrationProgress is an immutable snapshot produced on demand by the
// Progress Tracker. Two snapshots taken in sequence for the same
// migration never show eventsProcessed decreasing.
type MigrationProgress struct {
	MigrationID        string             `json:"migrationId"`
	Status             MigrationStatus    `json:"status"`
	Phase              StreamPhase        `json:"phase"`
	Percent            float64            `json:"percent"`
	EventsProcessed    int64              `json:"eventsProcessed"`
	TotalEvents        int64              `json:"totalEvents"`
	EventsPerSecond    float64            `json:"eventsPerSecond"`
	Elapsed            time.Duration      `json:"elapsed"`
	EstimatedRemaining time.Duration      `json:"estimatedRemaining,omitempty"`
	IsPaused           bool               `json:"isPaused"`
	CanPause           bool               `json:"canPause"`
	CanRollback        bool               `json:"canRollback"`
	CustomMetrics      map[string]float64 `json:"customMetrics,omitempty"`
	ErrorMessage       string             `json:"errorMessage,omitempty"`
}

// MigrationStatistics accumulates counters over the lifetime of one
// executor invocation.
type MigrationStatistics struct {
	TotalEvents            int64     `json:"totalEvents"`
	EventsTransformed      int64     `json:"eventsTransformed"`
	TransformationFailures int64     `json:"transformationFailures"`
	AverageEventsPerSecond float64   `json:"averageEventsPerSecond"`
	TotalBytes             int64     `json:"totalBytes"`
	StartedAt              time.Time `json:"startedAt"`
	CompletedAt            time.Time `json:"completedAt,omitempty"`
	RolledBack             bool      `json:"rolledBack"`
	SnapshotCreated        bool      `json:"snapshotCreated"`
}

// VerificationCheck is a single named result within a VerificationResult.
type VerificationCheck struct {
	Name    string         `json:"name"`
	Passed  bool           `json:"passed"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// VerificationResult is the structured output of the Verifier.
type VerificationResult struct {
	Passed  bool                `json:"passed"`
	Summary string              `json:"summary"`
	Checks  []VerificationCheck `json:"checks"`
}

// Prerequisite is a single feasibility requirement checked by the planner.
type Prerequisite struct {
	Name string `json:"name"`
	Met  bool   `json:"met"`
}

// Risk is a single feasibility risk raised by the planner.
type Risk struct {
	Category   string   `json:"category"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Mitigation string   `json:"mitigation,omitempty"`
}

// TransformationFailureSample records one failed sample transformation
// observed during dry-run analysis.
type TransformationFailureSample struct {
	EventVersion int    `json:"eventVersion"`
	EventType    string `json:"eventType"`
	Message      string `json:"message"`
}

// StreamAnalysis is the source-read portion of a dry-run plan.
type StreamAnalysis struct {
	EventCount         int64          `json:"eventCount"`
	EstimatedSizeBytes int64          `json:"estimatedSizeBytes"`
	TypeDistribution   map[string]int `json:"typeDistribution"`
	CurrentVersion     int            `json:"currentVersion"`
}

// TransformationSimulation is the sampled-transform portion of a dry-run
// plan, populated only when a transformer is configured.
type TransformationSimulation struct {
	Sampled        int                           `json:"sampled"`
	Successes      int                           `json:"successes"`
	Failures       int                           `json:"failures"`
	FailureRate    float64                       `json:"failureRate"`
	FailureSamples []TransformationFailureSample `json:"failureSamples,omitempty"`
}

// ResourceEstimate is the planner's conservative throughput projection.
type ResourceEstimate struct {
	EstimatedDuration       time.Duration `json:"estimatedDuration"`
	EstimatedBandwidthBytes int64         `json:"estimatedBandwidthBytes"`
}

// MigrationPlan is the output of the Dry-Run Planner.
type MigrationPlan struct {
	PlanID                   string                    `json:"planId"`
	SourceAnalysis           StreamAnalysis            `json:"sourceAnalysis"`
	TransformationSimulation *TransformationSimulation `json:"transformationSimulation,omitempty"`
	ResourceEstimate         ResourceEstimate          `json:"resourceEstimate"`
	Prerequisites            []Prerequisite            `json:"prerequisites"`
	Risks                    []Risk                    `json:"risks"`
	RecommendedPhases        []string                  `json:"recommendedPhases"`
	IsFeasible               bool                      `json:"isFeasible"`
}

// BackupHandle identifies a snapshot taken by a BackupProvider before
// mutation, retained for rollback.
type BackupHandle struct {
	BackupID      string         `json:"backupId"`
	ProviderName  string         `json:"providerName"`
	Location      string         `json:"location"`
	CreatedAt     time.Time      `json:"createdAt"`
	ObjectID      string         `json:"objectId"`
	StreamVersion int            `json:"streamVersion"`
	EventCount    int64          `json:"eventCount"`
	SizeBytes     int64          `json:"sizeBytes"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// MigrationResult is the single return value of one executor invocation.
type MigrationResult struct {
	MigrationID        string              `json:"migrationId"`
	Success            bool                `json:"success"`
	Status             MigrationStatus     `json:"status"`
	ErrorMessage       string              `json:"errorMessage,omitempty"`
	Error              error               `json:"-"`
	Progress           MigrationProgress   `json:"progress"`
	VerificationResult *VerificationResult `json:"verificationResult,omitempty"`
	Plan               *MigrationPlan      `json:"plan,omitempty"`
	Duration           time.Duration       `json:"duration"`
	Statistics         MigrationStatistics `json:"statistics"`
}

// Transformer maps one event to its migrated form. A nil Transformer
// means events are copied unchanged.
type Transformer interface {
	Transform(ctx context.Context, ev Event) (Event, error)
}

// TransformerFunc adapts a plain function to a Transformer.
type TransformerFunc func(ctx context.Context, ev Event) (Event, error)

func (f TransformerFunc) Transform(ctx context.Context, ev Event) (Event, error) {
	return f(ctx, ev)
}

// Pipeline is a sequential composition of Transformers, applied in
// order; it satisfies Transformer itself so callers never need to
// distinguish a single transformer from a pipeline.
type Pipeline struct {
	Stages []Transformer
}

func (p Pipeline) Transform(ctx context.Context, ev Event) (Event, error) {
	cur := ev
	for _, stage := range p.Stages {
		var err error
		cur, err = stage.Transform(ctx, cur)
		if err != nil {
			return Event{}, err
		}
	}
	return cur, nil
}
