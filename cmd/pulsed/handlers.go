package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/attunehq/pulse/pkg/approval"
	"github.com/attunehq/pulse/pkg/contracts"
	"github.com/attunehq/pulse/pkg/pipeline"
	"github.com/attunehq/pulse/pkg/rules"
	"github.com/attunehq/pulse/pkg/signalstore"
)

// newHandler builds the HTTP boundary: signal ingestion, the approval
// review surface, rule configuration, and the read/query interfaces.
func newHandler(core *pipeline.Core, loader *rules.Loader) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/signals", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID         string         `json:"id"`
			SubjectID  string         `json:"subject_id"`
			SourceType string         `json:"source_type"`
			OccurredAt time.Time      `json:"occurred_at"`
			Payload    map[string]any `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		err := core.SubmitSignal(r.Context(), body.ID, body.SubjectID,
			contracts.SourceType(body.SourceType), body.Payload, body.OccurredAt)
		if errors.Is(err, signalstore.ErrInvalidSignal) {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		pending, err := core.Gate().ListPending(r.Context(), r.URL.Query().Get("subject"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, pending)
	})

	mux.HandleFunc("POST /v1/approvals/{id}/decide", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Decision string `json:"decision"` // approve | reject
			Reviewer string `json:"reviewer"`
			Note     string `json:"note"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		decision := approval.Decision(body.Decision)
		if decision != approval.DecisionApprove && decision != approval.DecisionReject {
			httpError(w, http.StatusBadRequest, "decision must be approve or reject")
			return
		}
		updated, err := core.Gate().Decide(r.Context(), r.PathValue("id"), decision, body.Reviewer, body.Note)
		if errors.Is(err, approval.ErrRequestNotFound) {
			httpError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, updated)
	})

	mux.HandleFunc("GET /v1/subjects/{id}/health", func(w http.ResponseWriter, r *http.Request) {
		snap, err := core.Health(r.Context(), r.PathValue("id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if snap == nil {
			httpError(w, http.StatusNotFound, "no snapshot for subject")
			return
		}
		writeJSON(w, snap)
	})

	mux.HandleFunc("GET /v1/subjects/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, core.RecentEvents(r.PathValue("id")))
	})

	mux.HandleFunc("GET /v1/breakers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, core.BreakerStates())
	})

	mux.HandleFunc("GET /v1/audit", func(w http.ResponseWriter, r *http.Request) {
		n := 50
		if v := r.URL.Query().Get("n"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				n = parsed
			}
		}
		writeJSON(w, core.AuditTail(n))
	})

	mux.HandleFunc("PUT /v1/rules/{bundle}", func(w http.ResponseWriter, r *http.Request) {
		var rule contracts.TriggerRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			httpError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := loader.Upsert(r.PathValue("bundle"), rule); err != nil {
			httpError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("DELETE /v1/rules/{bundle}/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !loader.Delete(r.PathValue("bundle"), r.PathValue("id")) {
			httpError(w, http.StatusNotFound, "rule not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
