package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ppp-one/stellarhub/internal/auth"
	"github.com/ppp-one/stellarhub/internal/services"
	"github.com/rs/zerolog/log"
)

// NotebookHandler handles HTTP requests related to notebook containers.
type NotebookHandler struct {
	service services.NotebookServiceProvider
}

// NewNotebookHandler creates a new NotebookHandler.
func NewNotebookHandler(service services.NotebookServiceProvider) *NotebookHandler {
	return &NotebookHandler{service: service}
}

// Spawn starts the authenticated user's notebook, creating it if needed.
func (h *NotebookHandler) Spawn(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Could not retrieve user from token", http.StatusInternalServerError)
		return
	}

	notebook, err := h.service.SpawnNotebook(r.Context(), claims.Username)
	if err != nil {
		log.Error().Err(err).Str("username", claims.Username).Msg("Failed to spawn notebook")
		http.Error(w, "Failed to spawn notebook: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(notebook)
}

// GetOwn returns the authenticated user's notebook and records activity.
func (h *NotebookHandler) GetOwn(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Could not retrieve user from token", http.StatusInternalServerError)
		return
	}

	notebook, err := h.service.GetNotebookForUser(claims.Username)
	if err != nil {
		if errors.Is(err, services.ErrNotebookNotFound) {
			http.Error(w, "No notebook spawned yet", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to retrieve notebook", http.StatusInternalServerError)
		return
	}

	// Fetching the notebook counts as activity for the idle culler.
	if err := h.service.TouchActivity(claims.Username); err != nil {
		log.Warn().Err(err).Str("username", claims.Username).Msg("Failed to record notebook activity")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(notebook)
}

// StopOwn stops the authenticated user's notebook.
func (h *NotebookHandler) StopOwn(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Could not retrieve user from token", http.StatusInternalServerError)
		return
	}

	if err := h.service.StopNotebook(r.Context(), claims.Username); err != nil {
		log.Error().Err(err).Str("username", claims.Username).Msg("Failed to stop notebook")
		http.Error(w, "Failed to stop notebook: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAll handles listing every notebook. Admin only.
func (h *NotebookHandler) GetAll(w http.ResponseWriter, r *http.Request) {
	notebooks, err := h.service.GetAllNotebooks()
	if err != nil {
		http.Error(w, "Failed to retrieve notebooks", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(notebooks)
}

// Delete removes a user's notebook. Admin only. The `purge` query
// parameter additionally deletes the user's workspace directory.
func (h *NotebookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	purge := r.URL.Query().Get("purge") == "true"

	if err := h.service.DeleteNotebook(r.Context(), username, purge); err != nil {
		log.Error().Err(err).Str("username", username).Msg("Failed to delete notebook")
		http.Error(w, "Failed to delete notebook: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetResourceHistory returns recent usage samples for a notebook. Admin only.
func (h *NotebookHandler) GetResourceHistory(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	history, err := h.service.GetResourceHistory(username)
	if err != nil {
		http.Error(w, "Failed to retrieve resource history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(history)
}

// GetDashboard returns hub-wide aggregates. Admin only.
func (h *NotebookHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetDashboardStatistics()
	if err != nil {
		http.Error(w, "Failed to retrieve dashboard statistics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
