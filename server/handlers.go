package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/TyrellHaywood/echo-sub001/config"
	"github.com/TyrellHaywood/echo-sub001/core/auth"
	"github.com/TyrellHaywood/echo-sub001/core/mixdown"
	"github.com/TyrellHaywood/echo-sub001/core/session"
	"github.com/TyrellHaywood/echo-sub001/repository"
	"github.com/TyrellHaywood/echo-sub001/storage"
)

type contextKey string

const (
	ctxKeyUserID      contextKey = "userID"
	ctxKeyDisplayName contextKey = "displayName"
)

// APIHandler 持有所有 HTTP 处理器的依赖
type APIHandler struct {
	cfg       *config.Config
	manager   *session.SessionManager
	trackRepo repository.TrackRepository
	chatRepo  repository.ChatRepository
	store     *storage.Store
	engine    *mixdown.Engine
	exporter  *mixdown.Exporter
	renders   *renderRegistry
}

// NewAPIHandler 创建处理器
func NewAPIHandler(
	cfg *config.Config,
	manager *session.SessionManager,
	trackRepo repository.TrackRepository,
	chatRepo repository.ChatRepository,
	store *storage.Store,
	engine *mixdown.Engine,
	exporter *mixdown.Exporter,
) *APIHandler {
	return &APIHandler{
		cfg:       cfg,
		manager:   manager,
		trackRepo: trackRepo,
		chatRepo:  chatRepo,
		store:     store,
		engine:    engine,
		exporter:  exporter,
		renders:   newRenderRegistry(),
	}
}

// AuthMiddleware is a middleware function that checks for a valid JWT token
func (h *APIHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ParseToken(parts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxKeyDisplayName, claims.DisplayName)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// GetUserIDFromContext extracts the user ID from the request context
func GetUserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(ctxKeyUserID).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// GetDisplayNameFromContext extracts the display name from the request context
func GetDisplayNameFromContext(ctx context.Context) (string, error) {
	name, ok := ctx.Value(ctxKeyDisplayName).(string)
	if !ok {
		return "", fmt.Errorf("display name not found in context")
	}
	return name, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
