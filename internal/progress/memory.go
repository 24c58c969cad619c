package progress

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
)

// MemoryOptions configures the in-memory store.
type MemoryOptions struct {
	// RetentionTTL bounds how long a job is kept after creation; abandoned
	// and finished jobs alike are reclaimed once it elapses.
	RetentionTTL time.Duration
	ReapInterval time.Duration
	// SubscriberBuffer is the per-subscriber channel capacity. A subscriber
	// that overflows it is disconnected rather than ever blocking a
	// publisher.
	SubscriberBuffer int
	Logger           *infra.Logger
}

// MemoryStore is the process-local Store implementation: the default when no
// DATABASE_URL is configured, and the substrate for package tests. A single
// mutex guards all state; every operation completes without blocking on I/O
// or on subscribers.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*memJob

	ttl    time.Duration
	buf    int
	logger infra.Logger

	done      chan struct{}
	closeOnce sync.Once
}

type memJob struct {
	job       domain.Job
	order     []string
	items     map[string]*domain.Item
	remaining int
	cancelled bool
	finalized bool
	lastSeq   uint64
	expiresAt time.Time
	subs      map[*Subscription]struct{}
}

// NewMemoryStore constructs the store and starts its retention janitor.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	ttl := opts.RetentionTTL
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	reap := opts.ReapInterval
	if reap <= 0 {
		reap = 10 * time.Minute
	}
	buf := opts.SubscriberBuffer
	if buf <= 0 {
		buf = 256
	}
	logger := infra.Logger(zerolog.New(io.Discard))
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	s := &MemoryStore{
		jobs:   make(map[string]*memJob),
		ttl:    ttl,
		buf:    buf,
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.janitor(reap)
	return s
}

// Close stops the janitor and disconnects every subscriber.
func (s *MemoryStore) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, j := range s.jobs {
			for sub := range j.subs {
				delete(j.subs, sub)
				close(sub.ch)
			}
		}
	})
}

func (s *MemoryStore) CreateJob(_ context.Context, job domain.Job, items []domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := &memJob{
		job:       job,
		items:     make(map[string]*domain.Item, len(items)),
		remaining: len(items),
		expiresAt: job.CreatedAt.Add(s.ttl),
		subs:      make(map[*Subscription]struct{}),
	}
	for i := range items {
		it := items[i]
		j.order = append(j.order, it.ID)
		j.items[it.ID] = &it
	}
	s.jobs[job.ID] = j
	return nil
}

func (s *MemoryStore) Snapshot(_ context.Context, jobID string) (*domain.JobSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.snapshot(), nil
}

func (j *memJob) snapshot() *domain.JobSnapshot {
	snap := &domain.JobSnapshot{Job: j.job, Items: make([]domain.Item, 0, len(j.order))}
	if j.job.Summary != nil {
		summary := *j.job.Summary
		snap.Job.Summary = &summary
	}
	for _, id := range j.order {
		snap.Items = append(snap.Items, *j.items[id])
	}
	return snap
}

func (s *MemoryStore) BeginAttempt(_ context.Context, jobID, itemID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return 0, false, domain.ErrNotFound
	}
	it, ok := j.items[itemID]
	if !ok {
		return 0, false, domain.ErrNotFound
	}
	if it.Status.Terminal() {
		return 0, false, domain.ErrItemTerminal
	}
	if j.cancelled && it.Status == domain.ItemStatusQueued {
		return 0, true, nil
	}

	it.Status = domain.ItemStatusProcessing
	it.AttemptCount++
	if j.job.State == domain.JobStatePending {
		j.job.State = domain.JobStateRunning
	}
	return it.AttemptCount, false, nil
}

func (s *MemoryStore) SetItemProgress(_ context.Context, jobID, itemID string, percent int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrNotFound
	}
	it, ok := j.items[itemID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if it.Status != domain.ItemStatusProcessing {
		return false, nil
	}
	if percent > 100 {
		percent = 100
	}
	if percent <= it.ProgressPercent {
		return false, nil
	}
	it.ProgressPercent = percent
	return true, nil
}

func (s *MemoryStore) MarkItemCompleted(_ context.Context, jobID, itemID, artifactURL string) (int, bool, error) {
	return s.markTerminal(jobID, itemID, func(it *domain.Item) {
		it.Status = domain.ItemStatusCompleted
		it.ProgressPercent = 100
		it.ArtifactURL = artifactURL
		it.Error = nil
	})
}

func (s *MemoryStore) MarkItemFailed(_ context.Context, jobID, itemID string, itemErr domain.ItemError) (int, bool, error) {
	return s.markTerminal(jobID, itemID, func(it *domain.Item) {
		it.Status = domain.ItemStatusFailed
		it.Error = &itemErr
	})
}

func (s *MemoryStore) markTerminal(jobID, itemID string, apply func(*domain.Item)) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return 0, false, domain.ErrNotFound
	}
	it, ok := j.items[itemID]
	if !ok {
		return 0, false, domain.ErrNotFound
	}
	if it.Status.Terminal() {
		return j.remaining, false, nil
	}
	apply(it)
	j.remaining--
	return j.remaining, true, nil
}

func (s *MemoryStore) ClaimFinalize(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if j.finalized {
		return false, nil
	}
	j.finalized = true
	return true, nil
}

func (s *MemoryStore) WriteSummary(_ context.Context, jobID string, state domain.JobState, summary domain.BatchSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.job.State = state
	j.job.Summary = &summary
	return nil
}

func (s *MemoryStore) CancelJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if j.job.State.Terminal() {
		return nil
	}
	j.cancelled = true
	return nil
}

func (s *MemoryStore) Cancelled(_ context.Context, jobID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrNotFound
	}
	return j.cancelled, nil
}

func (s *MemoryStore) Publish(_ context.Context, event domain.ProgressEvent) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[event.JobID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	j.lastSeq++
	event.Sequence = j.lastSeq

	for sub := range j.subs {
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber: disconnect instead of blocking the publisher.
			// The receiver resynchronizes from Snapshot.
			delete(j.subs, sub)
			close(sub.ch)
			s.logger.Warn().Str("job_id", event.JobID).Msg("progress: subscriber lagged, disconnected")
		}
	}
	return event.Sequence, nil
}

func (s *MemoryStore) Subscribe(_ context.Context, jobID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	sub := &Subscription{ch: make(chan domain.ProgressEvent, s.buf)}
	sub.cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := j.subs[sub]; ok {
			delete(j.subs, sub)
			close(sub.ch)
		}
	}
	j.subs[sub] = struct{}{}
	return sub, nil
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.reap(now)
		}
	}
}

func (s *MemoryStore) reap(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, j := range s.jobs {
		if now.Before(j.expiresAt) {
			continue
		}
		for sub := range j.subs {
			delete(j.subs, sub)
			close(sub.ch)
		}
		delete(s.jobs, id)
		s.logger.Debug().Str("job_id", id).Msg("progress: expired job reclaimed")
	}
}

var _ Store = (*MemoryStore)(nil)
