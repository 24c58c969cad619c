package domain

// EventKind enumerates the closed set of progress event kinds pushed to
// stream clients. Snapshot is synthesized by the gateway on connect; the
// remaining kinds are published by the worker pool and the finalizer.
type EventKind string

const (
	EventItemProgress   EventKind = "item_progress"
	EventItemCompleted  EventKind = "item_completed"
	EventItemFailed     EventKind = "item_failed"
	EventBatchCompleted EventKind = "batch_completed"
	EventBatchFailed    EventKind = "batch_failed"
	EventSnapshot       EventKind = "snapshot"
)

// Terminal reports whether the event ends the job's stream.
func (k EventKind) Terminal() bool {
	return k == EventBatchCompleted || k == EventBatchFailed
}

// ProgressEvent is an immutable fact published on a job's channel. Sequence
// is a per-job monotonically increasing counter assigned by the store at
// publish time; subscribers use it to drop duplicates.
type ProgressEvent struct {
	JobID    string    `json:"job_id"`
	ItemID   string    `json:"item_id,omitempty"`
	Kind     EventKind `json:"kind"`
	Sequence uint64    `json:"sequence"`

	Percent     int        `json:"percent,omitempty"`
	ArtifactURL string     `json:"artifact_url,omitempty"`
	Error       *ItemError `json:"error,omitempty"`

	Summary *BatchSummary `json:"summary,omitempty"`
	Reason  string        `json:"reason,omitempty"`

	// Snapshot carries the full job view on the gateway's synthetic initial
	// event.
	Snapshot *JobSnapshot `json:"snapshot,omitempty"`
}

// JobSnapshot is a point-in-time read of a job and all of its items, used by
// the status query interface and as the stream's initial event payload.
type JobSnapshot struct {
	Job   Job    `json:"job"`
	Items []Item `json:"items"`
}
