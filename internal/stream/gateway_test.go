package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"batchgen/internal/domain"
	"batchgen/internal/progress"
)

func newStreamServer(t *testing.T, store *progress.MemoryStore, opts Options) *httptest.Server {
	t.Helper()
	g := New(store, opts)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialStream(t *testing.T, srv *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + jobID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (domain.ProgressEvent, bool) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev domain.ProgressEvent
	if err := conn.ReadJSON(&ev); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return domain.ProgressEvent{}, false
		}
		t.Fatalf("ReadJSON: %v", err)
	}
	return ev, true
}

func seedJob(t *testing.T, store *progress.MemoryStore, jobID string, itemIDs ...string) {
	t.Helper()
	items := make([]domain.Item, 0, len(itemIDs))
	for _, id := range itemIDs {
		items = append(items, domain.Item{ID: id, SourceRef: "ref", Status: domain.ItemStatusQueued})
	}
	job := domain.Job{ID: jobID, State: domain.JobStatePending, CreatedAt: time.Now()}
	if err := store.CreateJob(context.Background(), job, items); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
}

func TestStreamSendsSnapshotThenLiveEvents(t *testing.T) {
	store := progress.NewMemoryStore(progress.MemoryOptions{RetentionTTL: time.Hour, ReapInterval: time.Hour})
	defer store.Close()
	seedJob(t, store, "job-1", "i1")

	srv := newStreamServer(t, store, Options{})
	conn := dialStream(t, srv, "job-1")

	first, ok := readEvent(t, conn)
	if !ok || first.Kind != domain.EventSnapshot {
		t.Fatalf("first event = %+v, want snapshot", first)
	}
	if first.Snapshot == nil || len(first.Snapshot.Items) != 1 {
		t.Fatalf("snapshot payload = %+v, want 1 item", first.Snapshot)
	}

	ctx := context.Background()
	if _, _, err := store.BeginAttempt(ctx, "job-1", "i1"); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	if _, err := store.SetItemProgress(ctx, "job-1", "i1", 40); err != nil {
		t.Fatalf("SetItemProgress: %v", err)
	}
	if _, err := store.Publish(ctx, domain.ProgressEvent{
		JobID: "job-1", ItemID: "i1", Kind: domain.EventItemProgress, Percent: 40,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ev, ok := readEvent(t, conn)
	if !ok {
		t.Fatalf("stream closed before progress event")
	}
	if ev.Kind != domain.EventItemProgress || ev.Percent != 40 {
		t.Fatalf("event = %+v, want item_progress 40", ev)
	}
	if ev.Sequence == 0 {
		t.Fatalf("live event carried no sequence number")
	}
}

func TestStreamDropsStaleAndDuplicateEvents(t *testing.T) {
	store := progress.NewMemoryStore(progress.MemoryOptions{RetentionTTL: time.Hour, ReapInterval: time.Hour})
	defer store.Close()
	seedJob(t, store, "job-2", "i1")

	srv := newStreamServer(t, store, Options{})
	conn := dialStream(t, srv, "job-2")
	if _, ok := readEvent(t, conn); !ok {
		t.Fatalf("no snapshot")
	}

	ctx := context.Background()
	publish := func(kind domain.EventKind, percent int) {
		t.Helper()
		if _, err := store.Publish(ctx, domain.ProgressEvent{
			JobID: "job-2", ItemID: "i1", Kind: kind, Percent: percent,
		}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	publish(domain.EventItemProgress, 50)
	publish(domain.EventItemProgress, 30) // regressive, must be dropped
	publish(domain.EventItemProgress, 50) // no advance, must be dropped
	publish(domain.EventItemProgress, 80)

	ev, _ := readEvent(t, conn)
	if ev.Percent != 50 {
		t.Fatalf("first delivered percent = %d, want 50", ev.Percent)
	}
	ev, _ = readEvent(t, conn)
	if ev.Percent != 80 {
		t.Fatalf("second delivered percent = %d, want 80 (stale events leaked)", ev.Percent)
	}
}

func TestStreamClosesAfterTerminalEvent(t *testing.T) {
	store := progress.NewMemoryStore(progress.MemoryOptions{RetentionTTL: time.Hour, ReapInterval: time.Hour})
	defer store.Close()
	seedJob(t, store, "job-3", "i1")

	srv := newStreamServer(t, store, Options{})
	conn := dialStream(t, srv, "job-3")
	if _, ok := readEvent(t, conn); !ok {
		t.Fatalf("no snapshot")
	}

	if _, err := store.Publish(context.Background(), domain.ProgressEvent{
		JobID: "job-3", Kind: domain.EventBatchCompleted,
		Summary: &domain.BatchSummary{Total: 1, Completed: 1},
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ev, ok := readEvent(t, conn)
	if !ok || ev.Kind != domain.EventBatchCompleted {
		t.Fatalf("event = %+v, want batch_completed", ev)
	}
	if _, ok := readEvent(t, conn); ok {
		t.Fatalf("stream stayed open after terminal event")
	}
}

func TestLateClientGetsSnapshotOnlyThenClose(t *testing.T) {
	store := progress.NewMemoryStore(progress.MemoryOptions{RetentionTTL: time.Hour, ReapInterval: time.Hour})
	defer store.Close()
	seedJob(t, store, "job-4", "i1")

	ctx := context.Background()
	if _, _, err := store.BeginAttempt(ctx, "job-4", "i1"); err != nil {
		t.Fatalf("BeginAttempt: %v", err)
	}
	if _, _, err := store.MarkItemCompleted(ctx, "job-4", "i1", "https://cdn.test/a.png"); err != nil {
		t.Fatalf("MarkItemCompleted: %v", err)
	}
	summary := domain.BatchSummary{Total: 1, Completed: 1}
	if err := store.WriteSummary(ctx, "job-4", domain.JobStateCompleted, summary); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}

	srv := newStreamServer(t, store, Options{})
	conn := dialStream(t, srv, "job-4")

	ev, ok := readEvent(t, conn)
	if !ok || ev.Kind != domain.EventSnapshot {
		t.Fatalf("first event = %+v, want snapshot", ev)
	}
	if ev.Snapshot.Job.State != domain.JobStateCompleted {
		t.Fatalf("snapshot state = %s, want completed", ev.Snapshot.Job.State)
	}
	if _, ok := readEvent(t, conn); ok {
		t.Fatalf("terminal job stream delivered more than the snapshot")
	}
}

func TestStreamUnknownJobRejectedBeforeUpgrade(t *testing.T) {
	store := progress.NewMemoryStore(progress.MemoryOptions{RetentionTTL: time.Hour, ReapInterval: time.Hour})
	defer store.Close()

	srv := newStreamServer(t, store, Options{})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("dial succeeded for unknown job")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %v, want 404", resp)
	}
}

func TestStreamIdleTimeoutCloses(t *testing.T) {
	store := progress.NewMemoryStore(progress.MemoryOptions{RetentionTTL: time.Hour, ReapInterval: time.Hour})
	defer store.Close()
	seedJob(t, store, "job-5", "i1")

	srv := newStreamServer(t, store, Options{IdleTimeout: 50 * time.Millisecond})
	conn := dialStream(t, srv, "job-5")
	if _, ok := readEvent(t, conn); !ok {
		t.Fatalf("no snapshot")
	}
	if _, ok := readEvent(t, conn); ok {
		t.Fatalf("idle stream delivered an event instead of closing")
	}
}
