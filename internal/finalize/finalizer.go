// Package finalize turns a job whose last item just retired into exactly one
// immutable batch summary and exactly one terminal event.
package finalize

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/progress"
)

// Options configures finalization.
type Options struct {
	// MinSuccessPercent is the completed share (0-100) under which a
	// finished batch is reported as failed. Zero keeps batches with partial
	// failures on the completed path.
	MinSuccessPercent int
	Logger            *infra.Logger
}

// Finalizer aggregates a finished job into its terminal summary. Multiple
// workers can observe "last item retired" near-simultaneously, so every
// entry point races through the store's set-once claim; losers return
// silently.
type Finalizer struct {
	store             progress.Store
	minSuccessPercent int
	logger            infra.Logger
}

func New(store progress.Store, opts Options) *Finalizer {
	logger := infra.Logger(zerolog.New(io.Discard))
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Finalizer{
		store:             store,
		minSuccessPercent: opts.MinSuccessPercent,
		logger:            logger,
	}
}

// Finalize claims the job's finalize slot and, on winning, writes the batch
// summary and publishes the single terminal event. Idempotent under
// concurrent invocation.
func (f *Finalizer) Finalize(ctx context.Context, jobID string) {
	claimed, err := f.store.ClaimFinalize(ctx, jobID)
	if err != nil {
		f.logger.Error().Err(err).Str("job_id", jobID).Msg("finalize: claim failed")
		return
	}
	if !claimed {
		return
	}

	snap, err := f.store.Snapshot(ctx, jobID)
	if err != nil {
		f.logger.Error().Err(err).Str("job_id", jobID).Msg("finalize: snapshot failed")
		return
	}

	summary := domain.BatchSummary{Total: len(snap.Items), Items: snap.Items}
	for _, it := range snap.Items {
		switch it.Status {
		case domain.ItemStatusCompleted:
			summary.Completed++
		case domain.ItemStatusFailed:
			summary.Failed++
		}
	}

	state, reason := f.verdict(summary)
	if err := f.store.WriteSummary(ctx, jobID, state, summary); err != nil {
		f.logger.Error().Err(err).Str("job_id", jobID).Msg("finalize: summary write failed")
		return
	}

	event := domain.ProgressEvent{
		JobID: jobID,
		// Counts only on the wire; the per-item list stays in the store.
		Summary: &domain.BatchSummary{Total: summary.Total, Completed: summary.Completed, Failed: summary.Failed},
	}
	if state == domain.JobStateCompleted {
		event.Kind = domain.EventBatchCompleted
	} else {
		event.Kind = domain.EventBatchFailed
		event.Reason = reason
	}
	if _, err := f.store.Publish(ctx, event); err != nil {
		f.logger.Error().Err(err).Str("job_id", jobID).Msg("finalize: terminal publish failed")
		return
	}

	f.logger.Info().
		Str("job_id", jobID).
		Str("state", string(state)).
		Int("total", summary.Total).
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Msg("finalize: job terminal")
}

func (f *Finalizer) verdict(summary domain.BatchSummary) (domain.JobState, string) {
	if summary.Total > 0 && summary.Completed == 0 {
		return domain.JobStateFailed, "all items failed"
	}
	if f.minSuccessPercent > 0 && summary.Completed*100 < f.minSuccessPercent*summary.Total {
		return domain.JobStateFailed, fmt.Sprintf("completed %d of %d items, below %d%% threshold",
			summary.Completed, summary.Total, f.minSuccessPercent)
	}
	return domain.JobStateCompleted, ""
}
