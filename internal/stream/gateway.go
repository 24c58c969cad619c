// Package stream pushes a job's progress events to connected clients over a
// one-directional, self-terminating websocket.
package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/progress"
)

const writeTimeout = 10 * time.Second

// Options configures the gateway.
type Options struct {
	// IdleTimeout closes a stream that delivered nothing for this long.
	IdleTimeout time.Duration
	// MaxAge is the absolute lifetime cap of one stream.
	MaxAge time.Duration
	Logger *infra.Logger
}

// Gateway relays a job's event channel to websocket clients. Each connection
// first receives a synthetic snapshot event with the job's current aggregate
// state, then live events in sequence order with duplicates dropped. The
// stream closes itself right after a terminal batch event or when a timeout
// fires, whichever comes first.
type Gateway struct {
	store    progress.Store
	idle     time.Duration
	maxAge   time.Duration
	upgrader websocket.Upgrader
	logger   infra.Logger
}

func New(store progress.Store, opts Options) *Gateway {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	logger := infra.Logger(zerolog.New(io.Discard))
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Gateway{
		store:  store,
		idle:   idle,
		maxAge: maxAge,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Serve upgrades the request and streams the job's events until terminal.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, jobID string) {
	sub, err := g.store.Subscribe(r.Context(), jobID)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		g.logger.Warn().Err(err).Str("job_id", jobID).Msg("stream: upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readUntilClose(conn, cancel)

	g.relay(ctx, conn, sub, jobID)
}

type relayState struct {
	lastSeq  uint64
	percent  map[string]int
	terminal map[string]bool
}

// relay owns all writes to the connection.
func (g *Gateway) relay(ctx context.Context, conn *websocket.Conn, sub *progress.Subscription, jobID string) {
	defer func() { sub.Close() }()
	state := &relayState{percent: map[string]int{}, terminal: map[string]bool{}}

	if done := g.sendSnapshot(ctx, conn, jobID, state); done {
		return
	}

	idle := time.NewTimer(g.idle)
	defer idle.Stop()
	maxAge := time.NewTimer(g.maxAge)
	defer maxAge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			g.logger.Debug().Str("job_id", jobID).Msg("stream: idle timeout")
			g.closeFrame(conn, "idle timeout")
			return
		case <-maxAge.C:
			g.logger.Debug().Str("job_id", jobID).Msg("stream: max age reached")
			g.closeFrame(conn, "stream lifetime exceeded")
			return
		case event, ok := <-sub.Events():
			if !ok {
				// Lagged or store shutdown: resynchronize from the store.
				fresh, err := g.store.Subscribe(ctx, jobID)
				if err != nil {
					g.closeFrame(conn, "stream ended")
					return
				}
				sub.Close()
				sub = fresh
				if done := g.sendSnapshot(ctx, conn, jobID, state); done {
					return
				}
				continue
			}
			if !state.admit(event) {
				continue
			}
			if err := g.write(conn, event); err != nil {
				return
			}
			if event.Kind.Terminal() {
				g.closeFrame(conn, "batch terminal")
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(g.idle)
		}
	}
}

// sendSnapshot pushes the synthetic initial event. It reports true when the
// job is already terminal and the stream should end: a client connecting
// after completion receives only the snapshot (no replayed batch event).
func (g *Gateway) sendSnapshot(ctx context.Context, conn *websocket.Conn, jobID string, state *relayState) bool {
	snap, err := g.store.Snapshot(ctx, jobID)
	if err != nil {
		g.closeFrame(conn, "job unavailable")
		return true
	}
	for _, it := range snap.Items {
		state.percent[it.ID] = it.ProgressPercent
		state.terminal[it.ID] = it.Status.Terminal()
	}
	event := domain.ProgressEvent{JobID: jobID, Kind: domain.EventSnapshot, Snapshot: snap}
	if err := g.write(conn, event); err != nil {
		return true
	}
	if snap.Job.State.Terminal() {
		g.closeFrame(conn, "batch terminal")
		return true
	}
	return false
}

// admit applies per-connection dedup: sequence numbers already delivered,
// progress that does not advance and item events for already-terminal items
// are dropped, so each client observes non-decreasing progress and
// at-most-once item completion.
func (s *relayState) admit(event domain.ProgressEvent) bool {
	if event.Sequence != 0 {
		if event.Sequence <= s.lastSeq {
			return false
		}
		s.lastSeq = event.Sequence
	}
	switch event.Kind {
	case domain.EventItemProgress:
		if s.terminal[event.ItemID] || event.Percent <= s.percent[event.ItemID] {
			return false
		}
		s.percent[event.ItemID] = event.Percent
		return true
	case domain.EventItemCompleted, domain.EventItemFailed:
		if s.terminal[event.ItemID] {
			return false
		}
		s.terminal[event.ItemID] = true
		s.percent[event.ItemID] = 100
		return true
	default:
		return true
	}
}

func (g *Gateway) write(conn *websocket.Conn, event domain.ProgressEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(event); err != nil {
		g.logger.Debug().Err(err).Str("job_id", event.JobID).Msg("stream: write failed")
		return err
	}
	return nil
}

func (g *Gateway) closeFrame(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}

// readUntilClose drains client frames so control messages are processed and
// connection teardown is observed. The stream itself is one-directional.
func readUntilClose(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
