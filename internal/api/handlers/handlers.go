// Package handlers implements the admin HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/radoslaw-sz/guardio/internal/core"
	"github.com/radoslaw-sz/guardio/internal/store"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// Handlers holds the admin API handlers.
type Handlers struct {
	Core    *core.Core
	Version string
}

// New creates Handlers over a Core.
func New(c *core.Core, version string) *Handlers {
	return &Handlers{Core: c, Version: version}
}

// ── Health ──────────────────────────────────────────────────

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "guardio",
		"version": h.Version,
	})
}

// ── Connections & Catalog ───────────────────────────────────

func (h *Handlers) GetConnection(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Core.ConnectionSnapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Core.ToolCatalog())
}

// ── Policies ────────────────────────────────────────────────

func (h *Handlers) ListPolicyTypes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Core.ListPolicyTypes())
}

func (h *Handlers) ListPolicyInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := h.Core.ListPolicyInstances(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if instances == nil {
		instances = []models.PolicyInstance{}
	}
	respondJSON(w, http.StatusOK, instances)
}

func (h *Handlers) CreatePolicyInstance(w http.ResponseWriter, r *http.Request) {
	var req core.PolicyInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	inst, err := h.Core.CreatePolicyInstance(r.Context(), req)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, inst)
}

func (h *Handlers) GetPolicyInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.Core.GetPolicyInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

func (h *Handlers) UpdatePolicyInstance(w http.ResponseWriter, r *http.Request) {
	var req core.PolicyInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	inst, err := h.Core.UpdatePolicyInstance(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

func (h *Handlers) DeletePolicyInstance(w http.ResponseWriter, r *http.Request) {
	if err := h.Core.DeletePolicyInstance(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Events ──────────────────────────────────────────────────

func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.EventFilter{
		AgentID:  q.Get("agentId"),
		Decision: q.Get("decision"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &since
	}

	events, err := h.Core.ListEvents(r.Context(), filter)
	if err != nil {
		if errors.Is(err, core.ErrNoEventStore) {
			respondError(w, http.StatusNotImplemented, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps core and repository errors to status codes.
func respondStoreError(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	var verr *core.ValidationError
	switch {
	case errors.As(err, &nf):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &verr):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
