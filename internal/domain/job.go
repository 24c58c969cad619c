package domain

import "time"

// JobState enumerates batch lifecycle states.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Params holds job-wide generation parameters, immutable once the job is
// created. Detail maps onto the provider's quality knob.
type Params struct {
	Detail      string `json:"detail,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// ItemRef is one validated input handed over by the upload collaborator.
// SourceRef is opaque to this core.
type ItemRef struct {
	ItemID    string `json:"item_id"`
	SourceRef string `json:"source_ref"`
}

// Job is one batch submission.
type Job struct {
	ID        string        `json:"job_id"`
	Params    Params        `json:"params"`
	State     JobState      `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	Summary   *BatchSummary `json:"summary,omitempty"`
}

// BatchSummary is the immutable terminal payload of a job, written exactly
// once by the finalizer.
type BatchSummary struct {
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Items     []Item `json:"items"`
}
