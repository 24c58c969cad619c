// Package progress holds the shared job/item state behind a narrow atomic
// interface. All mutation from concurrent workers goes through these
// primitives; no caller performs read-modify-write against the store.
package progress

import (
	"context"

	"batchgen/internal/domain"
)

// Store is the contract shared by the in-memory and Postgres
// implementations. Every write is atomic with respect to concurrent
// callers; writes that guard progress invariants (set-if-greater, set-once,
// remaining-count decrement) report whether this call was the one that took
// effect.
type Store interface {
	// CreateJob records a new job and its items in their initial states.
	CreateJob(ctx context.Context, job domain.Job, items []domain.Item) error

	// Snapshot returns the job and all item states as of the call.
	Snapshot(ctx context.Context, jobID string) (*domain.JobSnapshot, error)

	// BeginAttempt transitions the item into processing and increments its
	// attempt count; the first attempt of any item also flips the job from
	// pending to running. When the job was cancelled before the item ever
	// started, no transition happens and cancelled is reported instead.
	BeginAttempt(ctx context.Context, jobID, itemID string) (attempt int, cancelled bool, err error)

	// SetItemProgress applies percent with set-if-greater semantics and
	// reports whether the stored value actually increased.
	SetItemProgress(ctx context.Context, jobID, itemID string, percent int) (updated bool, err error)

	// MarkItemCompleted moves the item to its terminal completed state and
	// atomically decrements the job's remaining count. remaining is the
	// count after this call; changed is false when the item was already
	// terminal.
	MarkItemCompleted(ctx context.Context, jobID, itemID, artifactURL string) (remaining int, changed bool, err error)

	// MarkItemFailed is the failure counterpart of MarkItemCompleted.
	MarkItemFailed(ctx context.Context, jobID, itemID string, itemErr domain.ItemError) (remaining int, changed bool, err error)

	// ClaimFinalize atomically claims the finalize slot for the job and
	// reports whether this call won the claim.
	ClaimFinalize(ctx context.Context, jobID string) (claimed bool, err error)

	// WriteSummary records the job's terminal state and immutable summary.
	// Only the finalize claim winner calls it.
	WriteSummary(ctx context.Context, jobID string, state domain.JobState, summary domain.BatchSummary) error

	// CancelJob flags the job so not-yet-started items are skipped. It is a
	// no-op on terminal jobs.
	CancelJob(ctx context.Context, jobID string) error

	// Cancelled reports the job's cancel flag.
	Cancelled(ctx context.Context, jobID string) (bool, error)

	// Publish assigns the event's per-job sequence number and delivers it to
	// subscribers. Callers persist state before publishing, so a late
	// subscriber can always reconstruct from Snapshot.
	Publish(ctx context.Context, event domain.ProgressEvent) (sequence uint64, err error)

	// Subscribe opens a live event feed for one job.
	Subscribe(ctx context.Context, jobID string) (*Subscription, error)
}

// Subscription is one subscriber's feed of a job's events. The channel is
// closed when the subscriber falls too far behind or the subscription is
// closed; the publisher never blocks on a slow consumer. Receivers that see
// the channel close without a terminal event should resynchronize from
// Snapshot.
type Subscription struct {
	ch     chan domain.ProgressEvent
	cancel func()
}

// Events returns the receive side of the feed.
func (s *Subscription) Events() <-chan domain.ProgressEvent {
	return s.ch
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}
