package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"dreambot/internal/http/handlers"
	"dreambot/internal/infra"
	"dreambot/internal/middleware"
)

// Options configures the middleware chain around the command handlers.
type Options struct {
	Logger          infra.Logger
	ChatToken       string
	RateLimitPerMin int
	AllowedOrigins  []string
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
}

// OptionsFromConfig maps the process config onto router options.
func OptionsFromConfig(cfg *infra.Config, logger infra.Logger, lookup middleware.CountryLookup) Options {
	return Options{
		Logger:          logger,
		ChatToken:       cfg.ChatToken,
		RateLimitPerMin: cfg.RateLimitPerMin,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		DefaultLocale:   "en",
		CountryLookup:   lookup,
	}
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
	)

	// Health
	r.Get("/v1/healthz", app.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerToken(opts.ChatToken))
		r.Use(middleware.Origin(opts.DefaultLocale, opts.CountryLookup))

		r.Get("/v1/info", app.Info)
		r.Post("/v1/cancel", app.Cancel)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
			r.Post("/v1/dream", app.Dream)
			r.Post("/v1/upscale", app.Upscale)
		})

		r.Route("/v1/threads/{thread_id}", func(r chi.Router) {
			r.Get("/", app.Thread)
			r.Get("/archive", app.ThreadArchive)
		})
		r.Get("/v1/artifacts/{name}", app.Artifact)
	})

	return r
}
