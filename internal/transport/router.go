package transport

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/config"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/internal/orchestrator"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// scope middleware.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(Recovery(deps.Logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)

	// Operational endpoints carry no tenant scope.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method("GET", deps.Config.Observability.Metrics.Path, observability.Handler())
	}

	o := deps.Orchestrator
	r.Group(func(r chi.Router) {
		r.Use(ScopeContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(deps.Logger))

		r.Route("/flows", func(r chi.Router) {
			r.Post("/", handleFlowCreate(o))
			r.Get("/", handleFlowList(o))
			r.Post("/bulk-delete", handleBulkDelete(o))

			r.Route("/{flowId}", func(r chi.Router) {
				r.Get("/", handleFlowGet(o))
				r.Delete("/", handleFlowDelete(o))
				r.Post("/pause", handleFlowPause(o))
				r.Post("/resume", handleFlowResume(o))
				r.Post("/validate", handleFlowValidate(o))
				r.Post("/recover", handleFlowRecover(o))
				r.Post("/transitions", handleTransitionRequest(o))
				r.Get("/audit", handleFlowAudit(o))
				r.Get("/artifacts", handleFlowArtifacts(o))
				r.Post("/phases/{phase}/complete", handlePhaseComplete(o))
				r.Post("/phases/{phase}/fail", handlePhaseFail(o))
			})
		})

		r.Get("/analysis", handleSystemAnalysis(o))
		r.Get("/recommendations", handleRecommendations(o))
	})

	return r
}
