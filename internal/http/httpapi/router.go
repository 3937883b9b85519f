package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"productshot/internal/domain"
	"productshot/internal/http/handlers"
	"productshot/internal/middleware"
)

// Options configures the middleware stack around the API.
type Options struct {
	JWTSecret       string
	CORSOrigins     []string
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
	RateLimitPerMin int
	Logger          zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)

	r.Handle("/static/*", http.StripPrefix("/static/", app.Files()))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", app.Health)
		r.Get("/pricing", app.Pricing)
		r.Get("/openapi.json", app.OpenAPIJSON)
		r.Get("/docs", app.OpenAPIDocs)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthJWT(opts.JWTSecret))

			r.Post("/profile", app.EnsureProfile)
			r.Get("/credits", app.Credits)
			r.Get("/credits/events", app.CreditEvents)

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", app.ListJobs)
				r.Get("/events", app.JobFeed)
				r.Group(func(r chi.Router) {
					if opts.RateLimitPerMin > 0 {
						r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
					}
					r.Post("/analysis", app.CreateJob(domain.JobTypeAnalysis))
					r.Post("/image-generation", app.CreateJob(domain.JobTypeImageGen))
					r.Post("/style-replicate", app.CreateJob(domain.JobTypeStyleReplicate))
				})
				r.Get("/{job_id}", app.GetJob)
				r.Get("/{job_id}/wait", app.WaitJob)
				r.Get("/{job_id}/events", app.JobEvents)
				r.Get("/{job_id}/archive", app.JobArchive)
			})
		})
	})

	return r
}
