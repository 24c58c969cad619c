package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"batchgen/internal/http/handlers"
	"batchgen/internal/middleware"
)

// Options tunes router-level middleware.
type Options struct {
	RateLimitPerMin int
	AllowedOrigins  []string
}

// NewRouter wires the HTTP surface. The stream route stays outside the rate
// limiter: one long-lived connection per client must not consume the
// submission budget.
func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID, chimiddleware.RealIP, chimiddleware.Recoverer, chimiddleware.Logger)
	r.Use(middleware.CORS(opts.AllowedOrigins))

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if opts.RateLimitPerMin > 0 {
				r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
			}
			r.Post("/", app.SubmitJob)
		})
		r.Get("/{id}", app.JobStatus)
		r.Post("/{id}/cancel", app.CancelJob)
		r.Get("/{id}/stream", app.StreamJob)
	})

	return r
}
