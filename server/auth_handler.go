package server

import (
	"encoding/json"
	"net/http"

	"github.com/TyrellHaywood/echo-sub001/core/auth"
	"github.com/TyrellHaywood/echo-sub001/logger"
)

// SessionTokenRequest 会话令牌请求体
type SessionTokenRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// SessionTokenHandler mints a session token for an already-authenticated
// identity. Accounts and credentials live in the upstream identity service;
// this endpoint must only be reachable from it, not from the public edge.
// URL: POST /internal/auth/session
func (h *APIHandler) SessionTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req SessionTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = "Collaborator"
	}

	token, err := auth.GenerateToken(req.UserID, req.DisplayName)
	if err != nil {
		logger.Error("生成会话令牌失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
