// Package verify implements the Verifier: stream-equivalence checks
// (count, checksum, sampled transformation replay, sequencing
// integrity, user-supplied custom validations) producing a structured
// model.VerificationResult.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"streamforge.dev/migrator/migrateerr"
	"streamforge.dev/migrator/model"
)

// VerificationContext bundles the already-copied source/target events
// and the transformer (if any) so sampled-transformation replay can
// re-run it without touching the data store again.
type VerificationContext struct {
	Source      []model.Event
	Target      []model.Event
	Transformer model.Transformer
	Statistics  model.MigrationStatistics
}

// Verifier runs the configured checks against a VerificationContext.
type Verifier struct{}

// New constructs a Verifier. It holds no state: every call is
// independent, taking its inputs from VerificationContext.
func New() *Verifier { return &Verifier{} }

// Run executes every check enabled in cfg and returns the aggregate
// result. When cfg.FailFast is set and any check fails, Run still
// finishes the remaining checks but also returns a *migrateerr.Error
// alongside the result so the caller can short-circuit the enclosing
// saga.
func (v *Verifier) Run(ctx context.Context, vctx VerificationContext, cfg model.VerificationConfiguration) (model.VerificationResult, error) {
	var checks []model.VerificationCheck

	if cfg.CompareEventCounts {
		checks = append(checks, checkEventCounts(vctx))
	}
	if cfg.CompareChecksums {
		checks = append(checks, checkChecksums(vctx))
	}
	if cfg.ValidateTransformations {
		sampleSize := cfg.SampleSize
		if sampleSize <= 0 {
			sampleSize = 100
		}
		checks = append(checks, checkSampledTransformations(ctx, vctx, sampleSize))
	}
	if cfg.VerifyStreamIntegrity {
		checks = append(checks, checkSequencing("source", vctx.Source))
		checks = append(checks, checkSequencing("target", vctx.Target))
	}
	for _, cv := range cfg.CustomValidations {
		passed, message := cv.Run(vctx.Source, vctx.Target)
		checks = append(checks, model.VerificationCheck{Name: cv.Name, Passed: passed, Message: message})
	}

	passed := true
	for _, c := range checks {
		if !c.Passed {
			passed = false
			break
		}
	}

	result := model.VerificationResult{
		Passed:  passed,
		Summary: summarize(passed, checks),
		Checks:  checks,
	}

	if !passed && cfg.FailFast {
		return result, migrateerr.New(migrateerr.VerificationFailed, result.Summary, nil)
	}
	return result, nil
}

func summarize(passed bool, checks []model.VerificationCheck) string {
	if passed {
		return fmt.Sprintf("all %d checks passed", len(checks))
	}
	failed := 0
	for _, c := range checks {
		if !c.Passed {
			failed++
		}
	}
	return fmt.Sprintf("%d of %d checks failed", failed, len(checks))
}

func checkEventCounts(vctx VerificationContext) model.VerificationCheck {
	sc, tc := len(vctx.Source), len(vctx.Target)
	passed := sc == tc
	return model.VerificationCheck{
		Name:    "event_counts",
		Passed:  passed,
		Message: fmt.Sprintf("source=%d target=%d", sc, tc),
		Details: map[string]any{"sourceCount": sc, "targetCount": tc},
	}
}

// checksum computes the cryptographic digest over the concatenation of
// (eventType, eventVersion, payload) for every event in order.
func checksum(events []model.Event) string {
	h := sha256.New()
	for _, e := range events {
		h.Write([]byte(e.EventType))
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(e.EventVersion))
		h.Write(v[:])
		h.Write(e.Payload)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func checkChecksums(vctx VerificationContext) model.VerificationCheck {
	sourceSum := checksum(vctx.Source)
	targetSum := checksum(vctx.Target)

	if vctx.Transformer != nil {
		// A transformer changes payloads/types by design, so a direct
		// source==target checksum comparison is meaningless; only
		// require the target checksum to be non-empty. Equivalence is
		// instead established by the sampled-transformation check.
		passed := targetSum != checksum(nil)
		return model.VerificationCheck{
			Name:    "checksum",
			Passed:  passed,
			Message: "transformer configured: requiring non-empty target checksum",
			Details: map[string]any{"targetChecksum": targetSum},
		}
	}

	passed := sourceSum == targetSum
	return model.VerificationCheck{
		Name:    "checksum",
		Passed:  passed,
		Message: fmt.Sprintf("source=%s target=%s", sourceSum, targetSum),
		Details: map[string]any{"sourceChecksum": sourceSum, "targetChecksum": targetSum},
	}
}

func checkSampledTransformations(ctx context.Context, vctx VerificationContext, sampleSize int) model.VerificationCheck {
	if vctx.Transformer == nil {
		return model.VerificationCheck{Name: "sampled_transformations", Passed: true, Message: "no transformer configured"}
	}
	n := min(sampleSize, len(vctx.Source), len(vctx.Target))
	mismatches := 0
	var firstMismatch string
	for i := 0; i < n; i++ {
		want, err := vctx.Transformer.Transform(ctx, vctx.Source[i])
		if err != nil {
			mismatches++
			if firstMismatch == "" {
				firstMismatch = fmt.Sprintf("index %d: transform error: %v", i, err)
			}
			continue
		}
		if want.EventType != vctx.Target[i].EventType {
			mismatches++
			if firstMismatch == "" {
				firstMismatch = fmt.Sprintf("index %d: expected type %q, got %q", i, want.EventType, vctx.Target[i].EventType)
			}
		}
	}
	passed := mismatches == 0
	msg := fmt.Sprintf("sampled %d of %d pairs, %d mismatches", n, len(vctx.Source), mismatches)
	if firstMismatch != "" {
		msg += ": " + firstMismatch
	}
	return model.VerificationCheck{
		Name:    "sampled_transformations",
		Passed:  passed,
		Message: msg,
		Details: map[string]any{"sampled": n, "mismatches": mismatches},
	}
}

func checkSequencing(label string, events []model.Event) model.VerificationCheck {
	for i, e := range events {
		if e.EventVersion != i {
			return model.VerificationCheck{
				Name:    "sequencing_" + label,
				Passed:  false,
				Message: fmt.Sprintf("%s: expected version %d at index %d, got %d", label, i, i, e.EventVersion),
				Details: map[string]any{"index": i, "eventVersion": e.EventVersion},
			}
		}
	}
	return model.VerificationCheck{
		Name:    "sequencing_" + label,
		Passed:  true,
		Message: fmt.Sprintf("%s: %d events in order", label, len(events)),
	}
}
