package backoff

import (
	"testing"
	"time"

	"batchgen/internal/domain"
)

func testPolicy() Policy {
	return Policy{MaxAttempts: 4, Base: 100 * time.Millisecond, Max: time.Second}
}

func TestDecideTransientDoubles(t *testing.T) {
	p := testPolicy()

	d := p.Decide(domain.CategoryTransient, 1, 0)
	if !d.Retry || d.Delay != 100*time.Millisecond {
		t.Fatalf("attempt 1 = %+v, want retry after 100ms", d)
	}
	d = p.Decide(domain.CategoryTransient, 2, 0)
	if !d.Retry || d.Delay != 200*time.Millisecond {
		t.Fatalf("attempt 2 = %+v, want retry after 200ms", d)
	}
	d = p.Decide(domain.CategoryTransient, 3, 0)
	if !d.Retry || d.Delay != 400*time.Millisecond {
		t.Fatalf("attempt 3 = %+v, want retry after 400ms", d)
	}
}

func TestDecideExhaustsBudget(t *testing.T) {
	p := testPolicy()
	if d := p.Decide(domain.CategoryTransient, 4, 0); d.Retry {
		t.Fatalf("attempt 4 of 4 should not retry, got %+v", d)
	}
	if d := p.Decide(domain.CategoryRateLimited, 9, time.Second); d.Retry {
		t.Fatalf("attempt beyond budget should not retry, got %+v", d)
	}
}

func TestDecideDelayCapped(t *testing.T) {
	p := Policy{MaxAttempts: 10, Base: 100 * time.Millisecond, Max: 300 * time.Millisecond}
	if d := p.Decide(domain.CategoryTransient, 7, 0); d.Delay != 300*time.Millisecond {
		t.Fatalf("delay = %v, want cap %v", d.Delay, 300*time.Millisecond)
	}
}

func TestDecideRateLimitedHonorsServerDelay(t *testing.T) {
	p := testPolicy()
	d := p.Decide(domain.CategoryRateLimited, 1, 700*time.Millisecond)
	if !d.Retry || d.Delay != 700*time.Millisecond {
		t.Fatalf("decision = %+v, want server-supplied 700ms", d)
	}

	// Server delay above the cap is clamped.
	d = p.Decide(domain.CategoryRateLimited, 1, 5*time.Second)
	if d.Delay != time.Second {
		t.Fatalf("delay = %v, want clamped to 1s", d.Delay)
	}

	// No server delay falls back to the exponential schedule.
	d = p.Decide(domain.CategoryRateLimited, 2, 0)
	if d.Delay != 200*time.Millisecond {
		t.Fatalf("delay = %v, want 200ms", d.Delay)
	}
}

func TestDecideNonRetryableCategories(t *testing.T) {
	p := testPolicy()
	for _, c := range []domain.Category{domain.CategoryPermanent, domain.CategoryCancelled, domain.CategoryInternal} {
		if d := p.Decide(c, 1, 0); d.Retry {
			t.Fatalf("category %s should never retry, got %+v", c, d)
		}
	}
}
