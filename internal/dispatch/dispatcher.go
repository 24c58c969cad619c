// Package dispatch accepts batch submissions and fans them out into the
// worker pool.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/pool"
	"batchgen/internal/progress"
)

// Options configures the dispatcher.
type Options struct {
	MaxBatchSize int
	// Finalize is triggered when a submission-time failure retires the
	// job's last item, mirroring the pool's trigger.
	Finalize pool.FinalizeFunc
	Logger   *infra.Logger
}

// Dispatcher creates job records and enqueues one task per item. Submit
// never blocks on provider work; validation is its only synchronous failure
// mode.
type Dispatcher struct {
	store        progress.Store
	pool         *pool.Pool
	finalize     pool.FinalizeFunc
	maxBatchSize int
	logger       infra.Logger
}

func New(store progress.Store, p *pool.Pool, opts Options) *Dispatcher {
	maxBatchSize := opts.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = 50
	}
	finalize := opts.Finalize
	if finalize == nil {
		finalize = func(context.Context, string) {}
	}
	logger := infra.Logger(zerolog.New(io.Discard))
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Dispatcher{store: store, pool: p, finalize: finalize, maxBatchSize: maxBatchSize, logger: logger}
}

// Submit validates the batch, records the job in pending state, enqueues
// every item and returns the job id immediately.
func (d *Dispatcher) Submit(ctx context.Context, refs []domain.ItemRef, params domain.Params) (string, error) {
	if len(refs) == 0 {
		return "", domain.ErrEmptyBatch
	}
	if len(refs) > d.maxBatchSize {
		return "", fmt.Errorf("%w: %d items, maximum %d", domain.ErrBatchTooLarge, len(refs), d.maxBatchSize)
	}

	items := make([]domain.Item, 0, len(refs))
	seen := make(map[string]struct{}, len(refs))
	for i, ref := range refs {
		itemID := ref.ItemID
		if itemID == "" {
			// Submission order drives default naming; processing order does
			// not depend on it.
			itemID = fmt.Sprintf("item-%03d", i+1)
		}
		if _, dup := seen[itemID]; dup {
			return "", fmt.Errorf("%w: %q", domain.ErrDuplicateItem, itemID)
		}
		seen[itemID] = struct{}{}
		items = append(items, domain.Item{
			ID:        itemID,
			SourceRef: ref.SourceRef,
			Status:    domain.ItemStatusQueued,
		})
	}

	job := domain.Job{
		ID:        uuid.NewString(),
		Params:    params,
		State:     domain.JobStatePending,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.store.CreateJob(ctx, job, items); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	for _, it := range items {
		task := pool.Task{JobID: job.ID, ItemID: it.ID, SourceRef: it.SourceRef, Params: params}
		if err := d.pool.Enqueue(task); err != nil {
			// The job record already exists, so keep its accounting honest:
			// an unenqueueable item is failed immediately rather than left
			// queued forever.
			d.logger.Error().Err(err).Str("job_id", job.ID).Str("item_id", it.ID).
				Msg("dispatch: enqueue failed")
			d.failUnqueued(ctx, job.ID, it.ID, err)
		}
	}

	d.logger.Info().Str("job_id", job.ID).Int("items", len(items)).Msg("dispatch: batch accepted")
	return job.ID, nil
}

// Cancel flags the job so the pool skips its not-yet-started items. Items
// already mid-flight at the provider finish naturally.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	if err := d.store.CancelJob(ctx, jobID); err != nil {
		return err
	}
	d.logger.Info().Str("job_id", jobID).Msg("dispatch: job cancelled")
	return nil
}

func (d *Dispatcher) failUnqueued(ctx context.Context, jobID, itemID string, cause error) {
	itemErr := domain.ItemError{Category: domain.CategoryInternal, Message: "enqueue failed: " + cause.Error()}
	remaining, changed, err := d.store.MarkItemFailed(ctx, jobID, itemID, itemErr)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Str("item_id", itemID).
			Msg("dispatch: failure write failed")
		return
	}
	if !changed {
		return
	}
	event := domain.ProgressEvent{JobID: jobID, ItemID: itemID, Kind: domain.EventItemFailed, Error: &itemErr}
	if _, err := d.store.Publish(ctx, event); err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("dispatch: publish failed")
	}
	if remaining == 0 {
		d.finalize(ctx, jobID)
	}
}
