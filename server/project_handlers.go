package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// GetProjectTracksHandler returns the persisted track table for a project.
// URL: GET /api/projects/{project_id}/tracks
func (h *APIHandler) GetProjectTracksHandler(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	if projectID == "" {
		http.Error(w, "Missing project id", http.StatusBadRequest)
		return
	}

	tracks, err := h.trackRepo.ListTracks(r.Context(), projectID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve tracks: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tracks)
}

// GetProjectMessagesHandler returns chat history for a project, oldest first.
// An "after" query parameter resumes from a known message id.
// URL: GET /api/projects/{project_id}/messages?after=<id>&limit=<n>
func (h *APIHandler) GetProjectMessagesHandler(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	if projectID == "" {
		http.Error(w, "Missing project id", http.StatusBadRequest)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	after := r.URL.Query().Get("after")
	var (
		messages interface{}
		err      error
	)
	if after != "" {
		messages, err = h.chatRepo.ListMessagesAfter(r.Context(), projectID, after, limit)
	} else {
		messages, err = h.chatRepo.ListMessages(r.Context(), projectID, limit)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve messages: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}
