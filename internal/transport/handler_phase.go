package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/waypoint/internal/orchestrator"
	"github.com/pitabwire/waypoint/model"
)

func handlePhaseComplete(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var body struct {
			ReportID string         `json:"report_id"`
			Summary  map[string]any `json:"summary"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.ReportID == "" {
			body.ReportID = r.Header.Get(headerIdempotencyKey)
		}

		outcome, err := o.ReportPhaseComplete(r.Context(), rctx.SubjectID, rctx.Scope(), model.PhaseReport{
			FlowID:   chi.URLParam(r, "flowId"),
			Phase:    chi.URLParam(r, "phase"),
			ReportID: body.ReportID,
			Summary:  body.Summary,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}

		// A report rejected by success criteria is a well-formed outcome, not
		// an HTTP error.
		status := http.StatusOK
		if !outcome.Accepted {
			status = http.StatusUnprocessableEntity
		}
		WriteJSON(w, status, outcome)
	}
}

func handlePhaseFail(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var body struct {
			Error   string         `json:"error"`
			Details map[string]any `json:"details"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.Error == "" {
			WriteValidationError(w, r, []model.FieldError{
				{Field: "error", Code: "required", Message: "error message is required"},
			})
			return
		}

		f, err := o.ReportPhaseFailed(r.Context(), rctx.SubjectID, rctx.Scope(), model.PhaseReport{
			FlowID:  chi.URLParam(r, "flowId"),
			Phase:   chi.URLParam(r, "phase"),
			Summary: body.Details,
			Error:   body.Error,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, f)
	}
}

func handleTransitionRequest(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var body struct {
			From     string `json:"from"`
			To       string `json:"to"`
			Override bool   `json:"override"`
			DryRun   bool   `json:"dry_run"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.From == "" || body.To == "" {
			WriteValidationError(w, r, []model.FieldError{
				{Field: "from", Code: "required", Message: "from and to phases are required"},
			})
			return
		}

		flowID := chi.URLParam(r, "flowId")

		var result model.InterceptionResult
		var err error
		if body.DryRun {
			result, err = o.InterceptTransition(r.Context(), rctx.Scope(), flowID, body.From, body.To, body.Override)
		} else {
			result, err = o.RequestTransition(r.Context(), rctx.SubjectID, rctx.Scope(), flowID, body.From, body.To, body.Override)
		}
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
