package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/waypoint/internal/orchestrator"
	"github.com/pitabwire/waypoint/model"
)

func handleFlowCreate(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var body struct {
			FlowType     string         `json:"flow_type"`
			OwnerID      string         `json:"owner_id"`
			GraphVersion string         `json:"graph_version"`
			InitialData  map[string]any `json:"initial_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}

		f, err := o.CreateFlow(r.Context(), rctx.SubjectID, rctx.Scope(), orchestrator.CreateFlowInput{
			FlowType:     body.FlowType,
			OwnerID:      body.OwnerID,
			GraphVersion: body.GraphVersion,
			InitialData:  body.InitialData,
		})
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, f)
	}
}

func handleFlowGet(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		f, err := o.GetFlow(r.Context(), rctx.Scope(), chi.URLParam(r, "flowId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, f)
	}
}

func handleFlowList(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		filters := model.FlowFilters{
			FlowType: r.URL.Query().Get("flow_type"),
			Limit:    queryInt(r, "limit", 50),
			Offset:   queryInt(r, "offset", 0),
		}
		if statuses := r.URL.Query().Get("status"); statuses != "" {
			filters.StatusIn = strings.Split(statuses, ",")
		}

		flows, err := o.ListFlows(r.Context(), rctx.Scope(), filters)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		summaries := make([]model.FlowSummary, 0, len(flows))
		for _, f := range flows {
			summaries = append(summaries, model.FlowSummary{
				ID:           f.ID,
				FlowType:     f.FlowType,
				CurrentPhase: f.CurrentPhase,
				Status:       f.Status,
				Progress:     f.Progress,
				OwnerID:      f.OwnerID,
				CreatedAt:    f.CreatedAt,
				UpdatedAt:    f.LastActivityAt,
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   summaries,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleFlowPause(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}

		f, err := o.PauseFlow(r.Context(), rctx.SubjectID, rctx.Scope(), chi.URLParam(r, "flowId"), body.Reason)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, f)
	}
}

func handleFlowResume(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		f, err := o.ResumeFlow(r.Context(), rctx.SubjectID, rctx.Scope(), chi.URLParam(r, "flowId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, f)
	}
}

func handleFlowDelete(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		q := r.URL.Query()
		override, _ := strconv.ParseBool(q.Get("override_active"))
		mode := model.ParseDeletionMode(q.Get("mode"), q.Get("reason"), override)

		result := o.DeleteFlow(r.Context(), rctx.SubjectID, rctx.Scope(), chi.URLParam(r, "flowId"), mode)
		if !result.Success {
			// Per-flow failures carry the message; map refusals to their code.
			WriteJSON(w, http.StatusConflict, result)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleBulkDelete(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var body struct {
			FlowIDs        []string `json:"flow_ids"`
			Mode           string   `json:"mode"`
			Reason         string   `json:"reason"`
			OverrideActive bool     `json:"override_active"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if len(body.FlowIDs) == 0 {
			WriteValidationError(w, r, []model.FieldError{
				{Field: "flow_ids", Code: "required", Message: "flow_ids must not be empty"},
			})
			return
		}

		mode := model.ParseDeletionMode(body.Mode, body.Reason, body.OverrideActive)
		result, err := o.BulkDeleteFlows(r.Context(), rctx.SubjectID, rctx.Scope(), body.FlowIDs, mode)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleFlowAudit(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		entries, err := o.AuditTrail(r.Context(), rctx.Scope(), chi.URLParam(r, "flowId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": entries})
	}
}

func handleFlowArtifacts(o *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		artifacts, err := o.Artifacts(r.Context(), rctx.Scope(), chi.URLParam(r, "flowId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": artifacts})
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
