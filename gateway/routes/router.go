// Package routes exposes the lending engine over HTTP. Handlers are thin:
// decode, call the engine, encode. All money fields travel as decimal
// strings so precision survives JSON.
package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"lendcore/gateway/middleware"
)

// GovScope is the token scope required for governance endpoints.
const GovScope = "lending.gov"

// Config wires the router's collaborators.
type Config struct {
	Lending       *LendingRoutes
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
}

// New assembles the gateway router.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()

	obs := cfg.Observability
	if obs == nil {
		obs = middleware.NewObservability()
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", obs.MetricsHandler())

	r.Route("/v1", func(v1 chi.Router) {
		if cfg.RateLimiter != nil {
			v1.Use(cfg.RateLimiter.Middleware("lending"))
		}
		v1.Use(obs.Middleware("lending"))
		cfg.Lending.Mount(v1)

		v1.Route("/gov", func(gov chi.Router) {
			if cfg.Authenticator != nil {
				gov.Use(cfg.Authenticator.Middleware(GovScope))
			}
			gov.Use(obs.Middleware("governance"))
			cfg.Lending.MountGovernance(gov)
		})
	})

	return r
}
