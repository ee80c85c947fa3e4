package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/TyrellHaywood/echo-sub001/core/auth"
	"github.com/TyrellHaywood/echo-sub001/core/session"
	"github.com/TyrellHaywood/echo-sub001/logger"
)

// SessionWSHandler 项目协作会话的 WebSocket 入口
type SessionWSHandler struct {
	hub      *session.SessionHub
	manager  *session.SessionManager
	upgrader websocket.Upgrader
}

// NewSessionWSHandler 创建 WebSocket 处理器
func NewSessionWSHandler(hub *session.SessionHub, manager *session.SessionManager) *SessionWSHandler {
	return &SessionWSHandler{
		hub:     hub,
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS 由上层中间件控制
			},
		},
	}
}

// HandleSession upgrades /ws/projects/{project_id} into a collaboration
// session. The token rides in the query string because browsers cannot set
// headers on WebSocket dials.
func (h *SessionWSHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	token := r.URL.Query().Get("token")

	if projectID == "" || token == "" {
		http.Error(w, "缺少认证信息", http.StatusUnauthorized)
		return
	}

	claims, err := auth.ParseToken(token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket 升级失败", logger.ErrorField(err))
		return
	}

	client := &session.Client{
		Hub:         h.hub,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		ProjectID:   projectID,
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
		LastChatID:  r.URL.Query().Get("lastChatId"),
	}

	ctx := context.Background()
	if err := h.manager.Join(ctx, client); err != nil {
		logger.Error("加入项目会话失败",
			logger.ErrorField(err),
			logger.String("project", projectID),
			logger.String("user", claims.UserID))
		conn.Close()
		return
	}

	logger.Info("WebSocket 连接建立",
		logger.String("project", projectID),
		logger.String("user", claims.UserID),
		logger.String("displayName", claims.DisplayName))

	go client.WritePump()
	go func() {
		client.ReadPump(ctx, h.manager.HandleEnvelope)
		h.manager.Leave(ctx, client)
	}()
}

// RegisterSessionRoutes 注册协作会话相关路由
func RegisterSessionRoutes(router *mux.Router, handler *SessionWSHandler) {
	router.HandleFunc("/ws/projects/{project_id}", handler.HandleSession)
}
