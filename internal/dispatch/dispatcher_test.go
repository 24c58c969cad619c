package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"batchgen/internal/backoff"
	"batchgen/internal/domain"
	"batchgen/internal/pool"
	"batchgen/internal/progress"
	"batchgen/internal/provider"
)

// blockedGen never returns until the test releases it; submissions must not
// wait on it either way.
type blockedGen struct {
	release chan struct{}
}

func (g *blockedGen) Generate(ctx context.Context, _ provider.Request, _ provider.ProgressSink) provider.Outcome {
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return provider.Success("https://cdn.test/a.png")
}

func newDispatcher(t *testing.T, maxBatch int) (*Dispatcher, *progress.MemoryStore, *blockedGen) {
	t.Helper()
	store := progress.NewMemoryStore(progress.MemoryOptions{RetentionTTL: time.Hour, ReapInterval: time.Hour})
	t.Cleanup(store.Close)

	gen := &blockedGen{release: make(chan struct{})}
	t.Cleanup(func() { close(gen.release) })

	p := pool.New(store, gen, func(context.Context, string) {}, pool.Options{
		Workers:       2,
		QueueCapacity: 64,
		ItemTimeout:   time.Second,
		Policy:        backoff.Policy{MaxAttempts: 1, Base: time.Millisecond, Max: time.Millisecond},
	})
	t.Cleanup(func() { p.Shutdown(2 * time.Second) })

	return New(store, p, Options{MaxBatchSize: maxBatch}), store, gen
}

func TestSubmitReturnsBeforeAnyItemFinishes(t *testing.T) {
	d, store, _ := newDispatcher(t, 10)

	done := make(chan string, 1)
	go func() {
		id, err := d.Submit(context.Background(), []domain.ItemRef{
			{SourceRef: "s3://in/a"},
			{SourceRef: "s3://in/b"},
		}, domain.Params{Detail: "high"})
		if err != nil {
			t.Errorf("Submit: %v", err)
		}
		done <- id
	}()

	var jobID string
	select {
	case jobID = <-done:
	case <-time.After(time.Second):
		t.Fatalf("Submit blocked on provider work")
	}

	snap, err := store.Snapshot(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Job.State.Terminal() {
		t.Fatalf("job already terminal right after submit: %s", snap.Job.State)
	}
	if len(snap.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(snap.Items))
	}
}

func TestSubmitValidation(t *testing.T) {
	d, _, _ := newDispatcher(t, 3)

	tests := []struct {
		name string
		refs []domain.ItemRef
		want error
	}{
		{"empty batch", nil, domain.ErrEmptyBatch},
		{"over limit", []domain.ItemRef{
			{SourceRef: "a"}, {SourceRef: "b"}, {SourceRef: "c"}, {SourceRef: "d"},
		}, domain.ErrBatchTooLarge},
		{"duplicate ids", []domain.ItemRef{
			{ItemID: "x", SourceRef: "a"}, {ItemID: "x", SourceRef: "b"},
		}, domain.ErrDuplicateItem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Submit(context.Background(), tt.refs, domain.Params{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Submit err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubmitAssignsDefaultItemIDs(t *testing.T) {
	d, store, _ := newDispatcher(t, 10)

	jobID, err := d.Submit(context.Background(), []domain.ItemRef{
		{SourceRef: "s3://in/a"},
		{ItemID: "custom", SourceRef: "s3://in/b"},
		{SourceRef: "s3://in/c"},
	}, domain.Params{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap, err := store.Snapshot(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got := []string{snap.Items[0].ID, snap.Items[1].ID, snap.Items[2].ID}
	want := []string{"item-001", "custom", "item-003"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("item ids = %v, want %v", got, want)
		}
	}
}

func TestCancelUnknownJob(t *testing.T) {
	d, _, _ := newDispatcher(t, 10)
	if err := d.Cancel(context.Background(), "no-such-job"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Cancel err = %v, want ErrNotFound", err)
	}
}
