package finalize

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"batchgen/internal/domain"
	"batchgen/internal/progress"
)

func seedRetiredJob(t *testing.T, store *progress.MemoryStore, jobID string, completed, failed int) {
	t.Helper()
	total := completed + failed
	items := make([]domain.Item, 0, total)
	for i := 0; i < total; i++ {
		items = append(items, domain.Item{
			ID:        "item-" + string(rune('a'+i)),
			SourceRef: "ref",
			Status:    domain.ItemStatusQueued,
		})
	}
	job := domain.Job{ID: jobID, State: domain.JobStatePending, CreatedAt: time.Now()}
	if err := store.CreateJob(context.Background(), job, items); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	ctx := context.Background()
	for i, it := range items {
		if _, _, err := store.BeginAttempt(ctx, jobID, it.ID); err != nil {
			t.Fatalf("BeginAttempt: %v", err)
		}
		if i < completed {
			if _, _, err := store.MarkItemCompleted(ctx, jobID, it.ID, "https://cdn.test/x.png"); err != nil {
				t.Fatalf("MarkItemCompleted: %v", err)
			}
		} else {
			itemErr := domain.ItemError{Category: domain.CategoryPermanent, Message: "rejected"}
			if _, _, err := store.MarkItemFailed(ctx, jobID, it.ID, itemErr); err != nil {
				t.Fatalf("MarkItemFailed: %v", err)
			}
		}
	}
}

func TestVerdicts(t *testing.T) {
	tests := []struct {
		name              string
		completed, failed int
		minSuccessPercent int
		wantState         domain.JobState
		wantKind          domain.EventKind
		wantReason        string
	}{
		{"all completed", 4, 0, 0, domain.JobStateCompleted, domain.EventBatchCompleted, ""},
		{"partial without threshold", 1, 3, 0, domain.JobStateCompleted, domain.EventBatchCompleted, ""},
		{"all failed", 0, 3, 0, domain.JobStateFailed, domain.EventBatchFailed, "all items failed"},
		{"below threshold", 1, 3, 50, domain.JobStateFailed, domain.EventBatchFailed, "below 50%"},
		{"at threshold", 2, 2, 50, domain.JobStateCompleted, domain.EventBatchCompleted, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := progress.NewMemoryStore(progress.MemoryOptions{RetentionTTL: time.Hour, ReapInterval: time.Hour})
			defer store.Close()
			seedRetiredJob(t, store, "job-1", tt.completed, tt.failed)

			sub, err := store.Subscribe(context.Background(), "job-1")
			if err != nil {
				t.Fatalf("Subscribe: %v", err)
			}
			defer sub.Close()

			f := New(store, Options{MinSuccessPercent: tt.minSuccessPercent})
			f.Finalize(context.Background(), "job-1")

			snap, err := store.Snapshot(context.Background(), "job-1")
			if err != nil {
				t.Fatalf("Snapshot: %v", err)
			}
			if snap.Job.State != tt.wantState {
				t.Fatalf("state = %s, want %s", snap.Job.State, tt.wantState)
			}
			if snap.Job.Summary == nil {
				t.Fatalf("summary not written")
			}
			if snap.Job.Summary.Completed != tt.completed || snap.Job.Summary.Failed != tt.failed {
				t.Fatalf("summary = %+v, want %d/%d", snap.Job.Summary, tt.completed, tt.failed)
			}

			select {
			case ev := <-sub.Events():
				if ev.Kind != tt.wantKind {
					t.Fatalf("event kind = %s, want %s", ev.Kind, tt.wantKind)
				}
				if tt.wantReason != "" && !strings.Contains(ev.Reason, tt.wantReason) {
					t.Fatalf("reason = %q, want substring %q", ev.Reason, tt.wantReason)
				}
				if ev.Summary == nil || len(ev.Summary.Items) != 0 {
					t.Fatalf("terminal event should carry counts only, got %+v", ev.Summary)
				}
			case <-time.After(time.Second):
				t.Fatalf("no terminal event published")
			}
		})
	}
}

func TestFinalizeIdempotentUnderConcurrency(t *testing.T) {
	store := progress.NewMemoryStore(progress.MemoryOptions{RetentionTTL: time.Hour, ReapInterval: time.Hour})
	defer store.Close()
	seedRetiredJob(t, store, "job-2", 2, 1)

	sub, err := store.Subscribe(context.Background(), "job-2")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	f := New(store, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Finalize(context.Background(), "job-2")
		}()
	}
	wg.Wait()

	terminal := 0
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind.Terminal() {
				terminal++
			}
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	if terminal != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", terminal)
	}
}

func TestFinalizeUnknownJobIsSilent(t *testing.T) {
	store := progress.NewMemoryStore(progress.MemoryOptions{RetentionTTL: time.Hour, ReapInterval: time.Hour})
	defer store.Close()

	// Reaped or never-created jobs must not panic the retiring worker.
	New(store, Options{}).Finalize(context.Background(), "gone")
}
