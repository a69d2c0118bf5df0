package transport

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/waypoint/internal/orchestrator"
	"github.com/pitabwire/waypoint/model"
)

func handleFlowValidate(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		report, err := o.Validate(r.Context(), rctx.Scope(), chi.URLParam(r, "flowId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

func handleFlowRecover(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		// Body is optional; an empty request recovers without force.
		var body struct {
			Force bool `json:"force"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}

		result, err := o.Recover(r.Context(), rctx.SubjectID, rctx.Scope(), chi.URLParam(r, "flowId"), body.Force)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleSystemAnalysis(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		analysis, err := o.SystemWideAnalysis(r.Context(), rctx.Scope())
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, analysis)
	}
}

func handleRecommendations(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		flowIDs := r.URL.Query()["flow_id"]
		recs, err := o.RoutingRecommendations(r.Context(), rctx.Scope(), flowIDs)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": recs})
	}
}
