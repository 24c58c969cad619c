// Package pool runs the bounded set of executors that drive items through
// the external provider and into the progress store.
package pool

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"batchgen/internal/backoff"
	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/progress"
	"batchgen/internal/provider"
)

// Task is one unit of work handed to the pool: a single item of a job.
// Tasks are handed off through a channel, so no two workers ever hold the
// same task instance.
type Task struct {
	JobID     string
	ItemID    string
	SourceRef string
	Params    domain.Params
}

// FinalizeFunc is invoked by the worker that retires a job's last
// outstanding item. Concurrent invocations for one job are expected; the
// finalizer's claim makes them safe.
type FinalizeFunc func(ctx context.Context, jobID string)

// Options configures the pool.
type Options struct {
	// Workers is the number of concurrent executors. The work is I/O bound,
	// so this is tuned for provider connection concurrency, not CPU cores.
	Workers       int
	QueueCapacity int
	// ItemTimeout is the absolute wall-clock budget for one provider call.
	ItemTimeout time.Duration
	Policy      backoff.Policy
	Logger      *infra.Logger
}

// Pool is the fixed-size worker pool over an internal task queue.
type Pool struct {
	store    progress.Store
	gen      provider.Generator
	finalize FinalizeFunc

	policy      backoff.Policy
	itemTimeout time.Duration
	logger      infra.Logger

	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs the pool and launches its workers.
func New(store progress.Store, gen provider.Generator, finalize FinalizeFunc, opts Options) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	itemTimeout := opts.ItemTimeout
	if itemTimeout <= 0 {
		itemTimeout = 3 * time.Minute
	}
	logger := infra.Logger(zerolog.New(io.Discard))
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	p := &Pool{
		store:       store,
		gen:         gen,
		finalize:    finalize,
		policy:      opts.Policy,
		itemTimeout: itemTimeout,
		logger:      logger,
		tasks:       make(chan Task, capacity),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.Info().Int("workers", workers).Int("queue_capacity", capacity).Msg("pool: started")
	return p
}

// Enqueue hands one task to the pool without blocking the caller.
func (p *Pool) Enqueue(task Task) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.tasks <- task:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Shutdown stops accepting retries, cancels in-flight provider calls and
// waits for the workers up to timeout.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info().Msg("pool: all workers exited cleanly")
	case <-time.After(timeout):
		p.logger.Error().Dur("timeout", timeout).Msg("pool: shutdown timed out")
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.tasks:
			p.process(task)
		}
	}
}

func (p *Pool) process(task Task) {
	attempt, cancelled, err := p.store.BeginAttempt(p.ctx, task.JobID, task.ItemID)
	switch {
	case errors.Is(err, domain.ErrItemTerminal), errors.Is(err, domain.ErrNotFound):
		return
	case err != nil:
		p.logger.Error().Err(err).Str("job_id", task.JobID).Str("item_id", task.ItemID).
			Msg("pool: begin attempt failed")
		p.fail(task, domain.ItemError{Category: domain.CategoryInternal, Message: "store write failed: " + err.Error()})
		return
	case cancelled:
		p.fail(task, domain.ItemError{Category: domain.CategoryCancelled, Message: "job cancelled before item started"})
		return
	}

	callCtx, cancel := context.WithTimeout(p.ctx, p.itemTimeout)
	outcome := p.gen.Generate(callCtx, provider.Request{
		JobID:       task.JobID,
		ItemID:      task.ItemID,
		SourceRef:   task.SourceRef,
		Detail:      task.Params.Detail,
		AspectRatio: task.Params.AspectRatio,
	}, p.sink(task))
	cancel()

	if outcome.OK {
		p.complete(task, outcome.ArtifactURL)
		return
	}

	decision := p.policy.Decide(outcome.Category, attempt, outcome.RetryAfter)
	if decision.Retry {
		p.logger.Debug().
			Str("job_id", task.JobID).
			Str("item_id", task.ItemID).
			Int("attempt", attempt).
			Str("category", string(outcome.Category)).
			Dur("delay", decision.Delay).
			Msg("pool: retrying item")
		p.requeueAfter(task, decision.Delay)
		return
	}
	p.fail(task, domain.ItemError{Category: outcome.Category, Message: outcome.Message})
}

// sink forwards provider progress through the store's set-if-greater write
// and publishes only values that actually increased, so subscribers never
// see a regression or a duplicate percentage.
func (p *Pool) sink(task Task) provider.ProgressSink {
	return func(percent int) {
		updated, err := p.store.SetItemProgress(p.ctx, task.JobID, task.ItemID, percent)
		if err != nil {
			p.logger.Error().Err(err).Str("job_id", task.JobID).Str("item_id", task.ItemID).
				Msg("pool: progress write failed")
			return
		}
		if !updated {
			return
		}
		p.publish(domain.ProgressEvent{
			JobID:   task.JobID,
			ItemID:  task.ItemID,
			Kind:    domain.EventItemProgress,
			Percent: percent,
		})
	}
}

// requeueAfter re-enqueues the task once the backoff delay elapses. The item
// stays in processing for the whole wait, so its visible status and progress
// never move backwards.
func (p *Pool) requeueAfter(task Task, delay time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(delay):
		}
		select {
		case <-p.ctx.Done():
		case p.tasks <- task:
		}
	}()
}

func (p *Pool) complete(task Task, artifactURL string) {
	remaining, changed, err := p.store.MarkItemCompleted(p.ctx, task.JobID, task.ItemID, artifactURL)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", task.JobID).Str("item_id", task.ItemID).
			Msg("pool: completion write failed")
		return
	}
	if !changed {
		return
	}
	p.publish(domain.ProgressEvent{
		JobID:       task.JobID,
		ItemID:      task.ItemID,
		Kind:        domain.EventItemCompleted,
		Percent:     100,
		ArtifactURL: artifactURL,
	})
	if remaining == 0 {
		p.finalize(p.ctx, task.JobID)
	}
}

func (p *Pool) fail(task Task, itemErr domain.ItemError) {
	remaining, changed, err := p.store.MarkItemFailed(p.ctx, task.JobID, task.ItemID, itemErr)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", task.JobID).Str("item_id", task.ItemID).
			Msg("pool: failure write failed")
		return
	}
	if !changed {
		return
	}
	p.publish(domain.ProgressEvent{
		JobID:  task.JobID,
		ItemID: task.ItemID,
		Kind:   domain.EventItemFailed,
		Error:  &itemErr,
	})
	if remaining == 0 {
		p.finalize(p.ctx, task.JobID)
	}
}

func (p *Pool) publish(event domain.ProgressEvent) {
	if _, err := p.store.Publish(p.ctx, event); err != nil {
		p.logger.Error().Err(err).Str("job_id", event.JobID).Str("kind", string(event.Kind)).
			Msg("pool: publish failed")
	}
}
