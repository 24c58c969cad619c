package provider

import (
	"context"
	"time"

	"batchgen/internal/domain"
)

// Request describes one generation call for a single item. SourceRef is the
// opaque input reference produced by the upload collaborator.
type Request struct {
	JobID       string
	ItemID      string
	SourceRef   string
	Detail      string
	AspectRatio string
}

// ProgressSink receives intermediate completion percentages during a call.
// Implementations must be safe to invoke from the calling goroutine only;
// the client never retains the sink after Generate returns.
type ProgressSink func(percent int)

// Outcome is the normalized result of one provider call. Exactly one of the
// success or failure halves is populated.
type Outcome struct {
	OK          bool
	ArtifactURL string

	Category   domain.Category
	Message    string
	RetryAfter time.Duration
}

// Success builds a successful outcome carrying the artifact reference.
func Success(artifactURL string) Outcome {
	return Outcome{OK: true, ArtifactURL: artifactURL}
}

// Failure builds a failed outcome with a classified category.
func Failure(category domain.Category, message string) Outcome {
	return Outcome{Category: category, Message: message}
}

// Generator is the contract implemented by generation providers. Errors are
// folded into the Outcome so retry eligibility is a data decision rather
// than error-type inspection at call sites.
type Generator interface {
	Generate(ctx context.Context, req Request, sink ProgressSink) Outcome
}
