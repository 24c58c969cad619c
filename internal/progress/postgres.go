package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/sqlinline"
)

const notifyChannel = "batchgen_events"

// PGOptions configures the Postgres store.
type PGOptions struct {
	RetentionTTL     time.Duration
	SubscriberBuffer int
}

// PGStore is the Postgres-backed Store. The atomic primitives are single
// conditional statements (no read-then-write), and pub/sub rides on
// LISTEN/NOTIFY: Publish stitches the per-job sequence into the payload
// server-side, a dedicated listener connection fans notifications out to
// in-process subscribers.
type PGStore struct {
	runner *infra.SQLRunner
	pool   *pgxpool.Pool
	logger infra.Logger
	ttl    time.Duration
	buf    int

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}

	listenCtx context.Context
	stop      context.CancelFunc
	closeOnce sync.Once
}

// NewPGStore ensures the schema and starts the notification listener.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, logger infra.Logger, opts PGOptions) (*PGStore, error) {
	ttl := opts.RetentionTTL
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	buf := opts.SubscriberBuffer
	if buf <= 0 {
		buf = 256
	}

	s := &PGStore{
		runner: infra.NewSQLRunner(pool, logger),
		pool:   pool,
		logger: logger,
		ttl:    ttl,
		buf:    buf,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
	if _, err := s.runner.Exec(ctx, sqlinline.QEnsureSchema); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	s.listenCtx, s.stop = context.WithCancel(context.Background())
	go s.listen()
	return s, nil
}

// Close stops the listener and disconnects every subscriber.
func (s *PGStore) Close() {
	s.closeOnce.Do(func() {
		s.stop()
		s.mu.Lock()
		defer s.mu.Unlock()
		for jobID, subs := range s.subs {
			for sub := range subs {
				close(sub.ch)
			}
			delete(s.subs, jobID)
		}
	})
}

func (s *PGStore) CreateJob(ctx context.Context, job domain.Job, items []domain.Item) error {
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	expires := job.CreatedAt.Add(s.ttl)
	if _, err := s.runner.Exec(ctx, sqlinline.QInsertJob,
		job.ID, params, job.State, len(items), job.CreatedAt, expires); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	for i, it := range items {
		if _, err := s.runner.Exec(ctx, sqlinline.QInsertJobItem, job.ID, it.ID, i, it.SourceRef); err != nil {
			return fmt.Errorf("insert item %s: %w", it.ID, err)
		}
	}
	return nil
}

func (s *PGStore) Snapshot(ctx context.Context, jobID string) (*domain.JobSnapshot, error) {
	snap := &domain.JobSnapshot{}

	var params, summary []byte
	row := s.runner.QueryRow(ctx, sqlinline.QSelectJob, jobID)
	if err := row.Scan(&snap.Job.ID, &params, &snap.Job.State, &summary, &snap.Job.CreatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(params, &snap.Job.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if len(summary) > 0 {
		snap.Job.Summary = &domain.BatchSummary{}
		if err := json.Unmarshal(summary, snap.Job.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}

	rows, err := s.runner.Query(ctx, sqlinline.QSelectJobItems, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.Item
		var category, message *string
		if err := rows.Scan(&it.ID, &it.SourceRef, &it.Status, &it.AttemptCount,
			&it.ProgressPercent, &it.ArtifactURL, &category, &message); err != nil {
			return nil, err
		}
		if category != nil {
			it.Error = &domain.ItemError{Category: domain.Category(*category)}
			if message != nil {
				it.Error.Message = *message
			}
		}
		snap.Items = append(snap.Items, it)
	}
	return snap, rows.Err()
}

func (s *PGStore) BeginAttempt(ctx context.Context, jobID, itemID string) (int, bool, error) {
	var attempt *int
	var cancelled bool
	var status *string
	row := s.runner.QueryRow(ctx, sqlinline.QBeginAttempt, jobID, itemID)
	if err := row.Scan(&attempt, &cancelled, &status); err != nil {
		if infra.IsNoRows(err) {
			return 0, false, domain.ErrNotFound
		}
		return 0, false, err
	}
	if attempt != nil {
		return *attempt, false, nil
	}
	if status == nil {
		return 0, false, domain.ErrNotFound
	}
	if domain.ItemStatus(*status).Terminal() {
		return 0, false, domain.ErrItemTerminal
	}
	if cancelled {
		return 0, true, nil
	}
	return 0, false, fmt.Errorf("begin attempt refused for %s/%s in status %s", jobID, itemID, *status)
}

func (s *PGStore) SetItemProgress(ctx context.Context, jobID, itemID string, percent int) (bool, error) {
	if percent > 100 {
		percent = 100
	}
	tag, err := s.runner.Exec(ctx, sqlinline.QSetItemProgress, jobID, itemID, percent)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) MarkItemCompleted(ctx context.Context, jobID, itemID, artifactURL string) (int, bool, error) {
	var remaining int
	var changed bool
	row := s.runner.QueryRow(ctx, sqlinline.QMarkItemCompleted, jobID, itemID, artifactURL)
	if err := row.Scan(&remaining, &changed); err != nil {
		if infra.IsNoRows(err) {
			return 0, false, domain.ErrNotFound
		}
		return 0, false, err
	}
	return remaining, changed, nil
}

func (s *PGStore) MarkItemFailed(ctx context.Context, jobID, itemID string, itemErr domain.ItemError) (int, bool, error) {
	var remaining int
	var changed bool
	row := s.runner.QueryRow(ctx, sqlinline.QMarkItemFailed, jobID, itemID, string(itemErr.Category), itemErr.Message)
	if err := row.Scan(&remaining, &changed); err != nil {
		if infra.IsNoRows(err) {
			return 0, false, domain.ErrNotFound
		}
		return 0, false, err
	}
	return remaining, changed, nil
}

func (s *PGStore) ClaimFinalize(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.runner.Exec(ctx, sqlinline.QClaimFinalize, jobID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) WriteSummary(ctx context.Context, jobID string, state domain.JobState, summary domain.BatchSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = s.runner.Exec(ctx, sqlinline.QWriteSummary, jobID, state, payload)
	return err
}

func (s *PGStore) CancelJob(ctx context.Context, jobID string) error {
	tag, err := s.runner.Exec(ctx, sqlinline.QCancelJob, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Cancelling a terminal job is a no-op, a missing job is an error.
		if _, err := s.Cancelled(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) Cancelled(ctx context.Context, jobID string) (bool, error) {
	var cancelled bool
	row := s.runner.QueryRow(ctx, sqlinline.QSelectCancelled, jobID)
	if err := row.Scan(&cancelled); err != nil {
		if infra.IsNoRows(err) {
			return false, domain.ErrNotFound
		}
		return false, err
	}
	return cancelled, nil
}

func (s *PGStore) Publish(ctx context.Context, event domain.ProgressEvent) (uint64, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	var sequence uint64
	var notified int
	row := s.runner.QueryRow(ctx, sqlinline.QPublishEvent, event.JobID, payload, notifyChannel)
	if err := row.Scan(&sequence, &notified); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}
	return sequence, nil
}

func (s *PGStore) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	if _, err := s.Cancelled(ctx, jobID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &Subscription{ch: make(chan domain.ProgressEvent, s.buf)}
	sub.cancel = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.dropLocked(jobID, sub)
	}
	if s.subs[jobID] == nil {
		s.subs[jobID] = make(map[*Subscription]struct{})
	}
	s.subs[jobID][sub] = struct{}{}
	return sub, nil
}

// PurgeExpired reclaims jobs past their retention window. Run it
// periodically; cmd/reaper wraps it.
func (s *PGStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.runner.Exec(ctx, sqlinline.QPurgeExpired)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) dropLocked(jobID string, sub *Subscription) {
	subs := s.subs[jobID]
	if subs == nil {
		return
	}
	if _, ok := subs[sub]; ok {
		delete(subs, sub)
		close(sub.ch)
	}
	if len(subs) == 0 {
		delete(s.subs, jobID)
	}
}

// listen holds one dedicated connection on LISTEN and fans incoming
// notifications out to in-process subscribers, reconnecting on error.
func (s *PGStore) listen() {
	for {
		if s.listenCtx.Err() != nil {
			return
		}
		if err := s.listenOnce(); err != nil && s.listenCtx.Err() == nil {
			s.logger.Error().Err(err).Msg("progress: listener disconnected, retrying")
			select {
			case <-s.listenCtx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (s *PGStore) listenOnce() error {
	conn, err := s.pool.Acquire(s.listenCtx)
	if err != nil {
		return fmt.Errorf("acquire listener conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(s.listenCtx, "listen "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for {
		notification, err := conn.Conn().WaitForNotification(s.listenCtx)
		if err != nil {
			return err
		}
		var event domain.ProgressEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			s.logger.Warn().Err(err).Msg("progress: undecodable notification dropped")
			continue
		}
		s.fanout(event)
	}
}

func (s *PGStore) fanout(event domain.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs[event.JobID] {
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber: disconnect instead of blocking the listener.
			s.dropLocked(event.JobID, sub)
			s.logger.Warn().Str("job_id", event.JobID).Msg("progress: subscriber lagged, disconnected")
		}
	}
}

var _ Store = (*PGStore)(nil)
