package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/TyrellHaywood/echo-sub001/cache"
	"github.com/TyrellHaywood/echo-sub001/logger"

	"github.com/gorilla/websocket"
)

// Topic names the independent event streams multiplexed over one session
// connection. Topics are isolated: a failure or backlog on one does not
// affect the others, and no cross-topic ordering is guaranteed.
type Topic string

const (
	TopicPresence Topic = "presence"
	TopicCursor   Topic = "cursor"
	TopicTrack    Topic = "track"
	TopicChat     Topic = "chat"
)

// EventType 会话消息类型
type EventType string

const (
	// 系统消息
	EvtJoin   EventType = "join"
	EvtLeave  EventType = "leave"
	EvtRoster EventType = "roster"
	EvtPing   EventType = "ping"
	EvtPong   EventType = "pong"
	EvtError  EventType = "error"

	// 光标消息
	EvtCursorMove     EventType = "cursor_move"
	EvtCursorSnapshot EventType = "cursor_snapshot"

	// 轨道消息
	EvtTrackMutation EventType = "track_mutation"
	EvtTrackSnapshot EventType = "track_snapshot"

	// 聊天消息
	EvtChatSend    EventType = "chat_send"
	EvtChatMessage EventType = "chat_message"
	EvtChatAck     EventType = "chat_ack"
	EvtChatHistory EventType = "chat_history"
)

// Envelope is the wire frame for every session event.
type Envelope struct {
	Topic     Topic           `json:"topic"`
	Type      EventType       `json:"type"`
	ProjectID string          `json:"projectId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client 一个已连接的协作者
type Client struct {
	Hub         *SessionHub
	Conn        *websocket.Conn
	Send        chan []byte
	ProjectID   string
	UserID      string
	DisplayName string
	AvatarRef   string
	// LastChatID is the newest chat message id this client has seen, used to
	// resume the log after a reconnect.
	LastChatID string
}

// SessionHub 项目会话管理中心
type SessionHub struct {
	// 项目 -> 客户端集合
	projects map[string]map[*Client]bool

	// 用户 -> 客户端（一个用户在一个项目只能有一个连接）
	userClients map[string]*Client // key: projectID:userID

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu sync.RWMutex

	done chan struct{}
}

// BroadcastMessage 广播消息
type BroadcastMessage struct {
	ProjectID string
	Message   []byte
	ExcludeID string // 排除的用户ID（用于不向发送者回发）
}

// NewSessionHub 创建会话 Hub
func NewSessionHub() *SessionHub {
	return &SessionHub{
		projects:    make(map[string]map[*Client]bool),
		userClients: make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *BroadcastMessage, 256),
		done:        make(chan struct{}),
	}
}

// Run 启动 Hub 主循环
func (h *SessionHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.broadcastToProject(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub
func (h *SessionHub) Stop() {
	close(h.done)
}

func (h *SessionHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	projectID := client.ProjectID
	userKey := h.userKey(projectID, client.UserID)

	// 检查用户是否已经在项目中，如果是则踢掉旧连接
	if oldClient, exists := h.userClients[userKey]; exists {
		h.removeClient(oldClient)
	}

	if h.projects[projectID] == nil {
		h.projects[projectID] = make(map[*Client]bool)
	}

	h.projects[projectID][client] = true
	h.userClients[userKey] = client

	// 更新 Redis 中的用户在线状态
	ctx := context.Background()
	presenceCache := cache.NewPresenceCache()
	if err := presenceCache.Heartbeat(ctx, projectID, client.UserID); err != nil {
		logger.Warn("failed to update presence on register",
			logger.ErrorField(err),
			logger.String("project", projectID),
			logger.String("user", client.UserID))
	}

	logger.Info("client registered",
		logger.String("project", projectID),
		logger.String("user", client.UserID),
		logger.String("displayName", client.DisplayName))
}

func (h *SessionHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeClient(client)
}

// removeClient 移除客户端（内部方法，需要持有锁）
func (h *SessionHub) removeClient(client *Client) {
	projectID := client.ProjectID
	userKey := h.userKey(projectID, client.UserID)

	if _, ok := h.projects[projectID]; ok {
		if _, ok := h.projects[projectID][client]; ok {
			delete(h.projects[projectID], client)
			close(client.Send)

			if len(h.projects[projectID]) == 0 {
				delete(h.projects, projectID)
			}
		}
	}

	// 重连踢旧连接后,映射可能已指向同一用户的新连接,只清理仍属于本连接的状态
	if h.userClients[userKey] == client {
		delete(h.userClients, userKey)

		// 移除 Redis 中的在线状态与光标
		ctx := context.Background()
		presenceCache := cache.NewPresenceCache()
		if err := presenceCache.RemovePresence(ctx, projectID, client.UserID); err != nil {
			logger.Warn("failed to remove presence on unregister",
				logger.ErrorField(err),
				logger.String("project", projectID),
				logger.String("user", client.UserID))
		}
		if err := cache.NewCursorCache().RemoveCursor(ctx, projectID, client.UserID); err != nil {
			logger.Warn("failed to remove cursor on unregister",
				logger.ErrorField(err),
				logger.String("project", projectID),
				logger.String("user", client.UserID))
		}
	}

	logger.Info("client unregistered",
		logger.String("project", projectID),
		logger.String("user", client.UserID))
}

func (h *SessionHub) broadcastToProject(msg *BroadcastMessage) {
	h.mu.RLock()
	clients, ok := h.projects[msg.ProjectID]
	if !ok {
		h.mu.RUnlock()
		return
	}

	// 复制客户端列表以避免长时间持有锁
	clientList := make([]*Client, 0, len(clients))
	for client := range clients {
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, client := range clientList {
		if msg.ExcludeID != "" && client.UserID == msg.ExcludeID {
			continue
		}

		select {
		case client.Send <- msg.Message:
		default:
			// 发送缓冲区满，移除客户端
			slow = append(slow, client)
		}
	}

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			h.removeClient(client)
		}
		h.mu.Unlock()
	}
}

func (h *SessionHub) cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.projects {
		for client := range clients {
			close(client.Send)
		}
	}
	h.projects = make(map[string]map[*Client]bool)
	h.userClients = make(map[string]*Client)
}

func (h *SessionHub) userKey(projectID, userID string) string {
	return fmt.Sprintf("%s:%s", projectID, userID)
}

// Register 注册客户端
func (h *SessionHub) Register(client *Client) {
	h.register <- client
}

// Unregister 注销客户端
func (h *SessionHub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast 广播消息到项目
func (h *SessionHub) Broadcast(projectID string, message []byte, excludeUserID string) {
	h.broadcast <- &BroadcastMessage{
		ProjectID: projectID,
		Message:   message,
		ExcludeID: excludeUserID,
	}
}

// BroadcastEnvelope 广播 Envelope
func (h *SessionHub) BroadcastEnvelope(projectID string, env *Envelope, excludeUserID string) error {
	env.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.Broadcast(projectID, data, excludeUserID)
	return nil
}

// GetProjectClients 获取项目所有客户端
func (h *SessionHub) GetProjectClients(projectID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := h.projects[projectID]
	result := make([]*Client, 0, len(clients))
	for client := range clients {
		result = append(result, client)
	}
	return result
}

// GetClient 获取指定用户的客户端
func (h *SessionHub) GetClient(projectID, userID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.userClients[h.userKey(projectID, userID)]
}

// SendToUser 发送消息给指定用户
func (h *SessionHub) SendToUser(projectID, userID string, env *Envelope) error {
	h.mu.RLock()
	client := h.userClients[h.userKey(projectID, userID)]
	h.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("user not found: %s", userID)
	}
	return client.SendEnvelope(env)
}

// ========== Client 方法 ==========

// ReadPump 读取消息循环
func (c *Client) ReadPump(ctx context.Context, handler func(ctx context.Context, client *Client, env *Envelope)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(8192) // 8KB
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.Conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Warn("websocket read error",
						logger.ErrorField(err),
						logger.String("project", c.ProjectID),
						logger.String("user", c.UserID))
				}
				return
			}

			var env Envelope
			if err := json.Unmarshal(message, &env); err != nil {
				logger.Warn("invalid envelope format",
					logger.ErrorField(err),
					logger.String("project", c.ProjectID))
				continue
			}

			handler(ctx, c, &env)
		}
	}
}

// WritePump 写入消息循环
func (c *Client) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 合并发送队列中的消息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendEnvelope 发送消息给客户端
func (c *Client) SendEnvelope(env *Envelope) error {
	env.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	select {
	case c.Send <- data:
		return nil
	default:
		return nil // 缓冲区满，丢弃消息
	}
}
