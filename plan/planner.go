// Package plan implements the Dry-Run Planner: a read-only analysis
// pass over the source stream that classifies event types, samples
// transformations, and emits a feasibility plan without mutating any
// state.
package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"streamforge.dev/migrator/model"
)

// throughputEventsPerSecond is the conservative estimate used for the
// resource-estimate duration projection.
const throughputEventsPerSecond = 1000

// Planner builds a MigrationPlan from a source read.
type Planner struct{}

func New() *Planner { return &Planner{} }

// Plan reads source via dataStore, analyzes it, and (when transformer
// is non-nil) samples up to min(sampleSize, count) transformations.
func (p *Planner) Plan(ctx context.Context, doc model.ObjectDocument, dataStore model.DataStore, transformer model.Transformer, backupConfigured bool, sampleSize int) (model.MigrationPlan, error) {
	events, err := dataStore.Read(ctx, doc, 0, -1)
	if err != nil {
		return model.MigrationPlan{}, err
	}

	analysis := analyze(events, doc.Active.CurrentVersion)

	var sim *model.TransformationSimulation
	if transformer != nil {
		s := sampleSize
		if s <= 0 {
			s = 100
		}
		sim = simulate(ctx, transformer, events, s)
	}

	estimate := model.ResourceEstimate{
		EstimatedDuration:       time.Duration(float64(analysis.EventCount)/throughputEventsPerSecond) * time.Second,
		EstimatedBandwidthBytes: analysis.EstimatedSizeBytes * 2,
	}

	prereqs := []model.Prerequisite{
		{Name: "DataStore configured", Met: dataStore != nil},
		{Name: "DocumentStore configured", Met: true},
	}

	var risks []model.Risk
	if analysis.EventCount > 10000 {
		risks = append(risks, model.Risk{
			Category:   "Performance",
			Severity:   model.SeverityMedium,
			Message:    fmt.Sprintf("source stream has %d events; copy may take longer than a typical maintenance window", analysis.EventCount),
			Mitigation: "consider live migration to avoid a long maintenance lock",
		})
	}
	if sim != nil && sim.Failures > 0 {
		severity := model.SeverityMedium
		if sim.FailureRate > 0.10 {
			severity = model.SeverityHigh
		}
		risks = append(risks, model.Risk{
			Category:   "Transformation",
			Severity:   severity,
			Message:    fmt.Sprintf("%d of %d sampled events failed transformation (%.1f%%)", sim.Failures, sim.Sampled, sim.FailureRate*100),
			Mitigation: "review failure samples before running the real migration",
		})
	}
	if !backupConfigured {
		risks = append(risks, model.Risk{
			Category:   "Data-Safety",
			Severity:   model.SeverityHigh,
			Message:    "no backup configured: a failed migration cannot be rolled back to a snapshot",
			Mitigation: "configure a BackupProvider before running",
		})
	}

	met := true
	for _, pr := range prereqs {
		if !pr.Met {
			met = false
		}
	}
	hasHigh := false
	for _, r := range risks {
		if r.Severity == model.SeverityHigh {
			hasHigh = true
		}
	}
	feasible := met && (!hasHigh || backupConfigured)

	return model.MigrationPlan{
		PlanID:                   uuid.NewString(),
		SourceAnalysis:           analysis,
		TransformationSimulation: sim,
		ResourceEstimate:         estimate,
		Prerequisites:            prereqs,
		Risks:                    risks,
		RecommendedPhases:        recommendedPhases(transformer, backupConfigured),
		IsFeasible:               feasible,
	}, nil
}

func analyze(events []model.Event, currentVersion int) model.StreamAnalysis {
	dist := make(map[string]int)
	for _, e := range events {
		dist[e.EventType]++
	}
	return model.StreamAnalysis{
		EventCount:         int64(len(events)),
		EstimatedSizeBytes: int64(len(events)) * 1024,
		TypeDistribution:   dist,
		CurrentVersion:     currentVersion,
	}
}

func simulate(ctx context.Context, transformer model.Transformer, events []model.Event, sampleSize int) *model.TransformationSimulation {
	n := sampleSize
	if n > len(events) {
		n = len(events)
	}
	var failures []model.TransformationFailureSample
	successes := 0
	for i := 0; i < n; i++ {
		if _, err := transformer.Transform(ctx, events[i]); err != nil {
			failures = append(failures, model.TransformationFailureSample{
				EventVersion: events[i].EventVersion,
				EventType:    events[i].EventType,
				Message:      err.Error(),
			})
			continue
		}
		successes++
	}
	var rate float64
	if n > 0 {
		rate = float64(len(failures)) / float64(n)
	}
	return &model.TransformationSimulation{
		Sampled:        n,
		Successes:      successes,
		Failures:       len(failures),
		FailureRate:    rate,
		FailureSamples: failures,
	}
}

func recommendedPhases(transformer model.Transformer, backupConfigured bool) []string {
	phases := []string{"1. analyze"}
	if backupConfigured {
		phases = append(phases, "2. backup")
	}
	if transformer != nil {
		phases = append(phases, fmt.Sprintf("%d. copy and transform", len(phases)+1))
	} else {
		phases = append(phases, fmt.Sprintf("%d. copy", len(phases)+1))
	}
	phases = append(phases, fmt.Sprintf("%d. verify", len(phases)+1))
	phases = append(phases, fmt.Sprintf("%d. cutover", len(phases)+1))
	phases = append(phases, fmt.Sprintf("%d. book-close", len(phases)+1))
	return phases
}
