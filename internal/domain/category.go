package domain

// Category classifies a provider or orchestration failure. Retry eligibility
// is decided purely from the category and the attempt count.
type Category string

const (
	// CategoryRateLimited marks throttling by the provider; retryable and may
	// carry a server-supplied delay.
	CategoryRateLimited Category = "rate_limited"
	// CategoryTransient marks network faults, timeouts and anything the
	// provider client could not classify; retryable with a bounded budget.
	CategoryTransient Category = "transient"
	// CategoryPermanent marks authentication or content rejections; never
	// retried.
	CategoryPermanent Category = "permanent"
	// CategoryCancelled marks a task skipped because its job was cancelled
	// before the task started.
	CategoryCancelled Category = "cancelled"
	// CategoryInternal marks unexpected faults inside this service; the item
	// is failed rather than left indeterminate so the job can terminate.
	CategoryInternal Category = "internal"
)

// Retryable reports whether the category is eligible for the backoff policy
// at all.
func (c Category) Retryable() bool {
	return c == CategoryRateLimited || c == CategoryTransient
}
