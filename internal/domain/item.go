package domain

// ItemStatus enumerates per-item lifecycle states. The only legal
// transitions are queued -> processing -> completed|failed; a retry stays in
// processing so visible progress is never reset.
type ItemStatus string

const (
	ItemStatusQueued     ItemStatus = "queued"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed
}

// Item is one unit of work within a job.
type Item struct {
	ID              string     `json:"item_id"`
	SourceRef       string     `json:"source_ref"`
	Status          ItemStatus `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	ProgressPercent int        `json:"progress_percent"`
	ArtifactURL     string     `json:"artifact_url,omitempty"`
	Error           *ItemError `json:"error,omitempty"`
}

// ItemError is a categorized failure reason carried by a failed item.
type ItemError struct {
	Category Category `json:"category"`
	Message  string   `json:"message"`
}
