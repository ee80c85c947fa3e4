package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TyrellHaywood/echo-sub001/cache"
	"github.com/TyrellHaywood/echo-sub001/logger"
	"github.com/TyrellHaywood/echo-sub001/model"
	"github.com/TyrellHaywood/echo-sub001/repository"

	"github.com/google/uuid"
)

// ChatSendPayload 客户端发送聊天消息
type ChatSendPayload struct {
	ProvisionalID string `json:"provisionalId,omitempty"`
	Content       string `json:"content"`
}

// ErrorPayload 发送给客户端的错误通知
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	errCodeConflict    = "conflict"
	errCodePersistence = "persistence"
	errCodeBadRequest  = "bad_request"
)

// projectSession is the authoritative per-project state hosted by this
// instance: materialized track table, chat log, and presence registry.
// Created on the first join, torn down when the last collaborator leaves.
type projectSession struct {
	log      *ReplicationLog
	chat     *ChatLog
	registry *PresenceRegistry
	refs     int
}

// SessionManager wires connected clients into the per-project topics:
// presence, cursor, track replication and chat. One manager serves all
// projects of an instance; projects are fully independent.
type SessionManager struct {
	hub    *SessionHub
	bridge *Bridge

	trackRepo   repository.TrackRepository
	chatRepo    repository.ChatRepository
	profileRepo repository.ProfileRepository

	presenceCache *cache.PresenceCache
	cursorCache   *cache.CursorCache

	cursorInterval  time.Duration
	presenceTimeout time.Duration

	mu       sync.Mutex
	projects map[string]*projectSession
	cursors  map[*Client]*CursorBroadcaster
}

// NewSessionManager 创建会话管理器
func NewSessionManager(
	hub *SessionHub,
	trackRepo repository.TrackRepository,
	chatRepo repository.ChatRepository,
	profileRepo repository.ProfileRepository,
	cursorInterval, presenceTimeout time.Duration,
) *SessionManager {
	m := &SessionManager{
		hub:             hub,
		trackRepo:       trackRepo,
		chatRepo:        chatRepo,
		profileRepo:     profileRepo,
		presenceCache:   cache.NewPresenceCache(),
		cursorCache:     cache.NewCursorCache(),
		cursorInterval:  cursorInterval,
		presenceTimeout: presenceTimeout,
		projects:        make(map[string]*projectSession),
		cursors:         make(map[*Client]*CursorBroadcaster),
	}
	m.bridge = NewBridge(cache.RedisClient, m.handleRemote)
	return m
}

// Bridge returns the cross-instance event bridge; the caller runs it.
func (m *SessionManager) Bridge() *Bridge {
	return m.bridge
}

// ========== 加入 / 离开 ==========

// Join connects a client to every topic of its project: registers with the
// hub, announces presence, and replies with the hydrated state (roster,
// cursors, track table, chat history).
func (m *SessionManager) Join(ctx context.Context, client *Client) error {
	ps, err := m.acquireProject(ctx, client.ProjectID)
	if err != nil {
		return err
	}

	m.hub.Register(client)

	profile, perr := m.profileRepo.GetProfile(client.UserID)
	if perr != nil || profile == nil {
		profile = repository.PlaceholderProfile(client.UserID)
	}
	if client.DisplayName == "" {
		client.DisplayName = profile.DisplayName
	}
	if client.AvatarRef == "" {
		client.AvatarRef = profile.AvatarRef
	}

	entry := model.PresenceEntry{
		UserID:      client.UserID,
		DisplayName: client.DisplayName,
		AvatarRef:   client.AvatarRef,
		JoinedAt:    time.Now().UnixMilli(),
	}
	ps.registry.OnJoin(entry)
	if err := m.presenceCache.SetEntry(ctx, client.ProjectID, &entry); err != nil {
		logger.Warn("failed to cache presence entry",
			logger.ErrorField(err),
			logger.String("project", client.ProjectID),
			logger.String("user", client.UserID))
	}

	m.broadcast(client.ProjectID, TopicPresence, EvtJoin, client.UserID, entry, client.UserID)

	// Per-client cursor publisher with the hard rate limit.
	cursor := NewCursorBroadcaster(client.ProjectID, client.UserID, m.cursorInterval, func(state model.CursorState) {
		cctx := context.Background()
		if cerr := m.cursorCache.SetCursor(cctx, client.ProjectID, &state); cerr != nil {
			logger.Warn("failed to cache cursor",
				logger.ErrorField(cerr),
				logger.String("project", client.ProjectID),
				logger.String("user", client.UserID))
		}
		m.broadcast(client.ProjectID, TopicCursor, EvtCursorMove, client.UserID, state, client.UserID)
		m.fanoutCursor(client.ProjectID, state)
	})
	m.mu.Lock()
	m.cursors[client] = cursor
	m.mu.Unlock()

	m.sendInitialState(ctx, client, ps)
	return nil
}

// Leave tears down a client's topic subscriptions and announces the leave.
// Idempotent per connection: a leave frame followed by the socket close only
// tears down once, and a connection kicked by its own reconnect never
// announces a leave for the user's new connection.
func (m *SessionManager) Leave(ctx context.Context, client *Client) {
	m.mu.Lock()
	cursor, ok := m.cursors[client]
	if !ok {
		// 该连接已经离开过
		m.mu.Unlock()
		return
	}
	cursor.Stop()
	delete(m.cursors, client)
	ps := m.projects[client.ProjectID]
	m.mu.Unlock()

	// 重连会踢掉旧连接;此时同一用户的新连接已接管在线状态
	live := m.hub.GetClient(client.ProjectID, client.UserID)
	replaced := live != nil && live != client

	if !replaced {
		if ps != nil {
			ps.registry.OnLeave(client.UserID)
		}
		m.dropRemoteCursor(client.ProjectID, client.UserID)
		if err := m.presenceCache.RemoveEntry(ctx, client.ProjectID, client.UserID); err != nil {
			logger.Warn("failed to remove presence entry",
				logger.ErrorField(err),
				logger.String("project", client.ProjectID),
				logger.String("user", client.UserID))
		}
		m.broadcast(client.ProjectID, TopicPresence, EvtLeave, client.UserID, nil, client.UserID)
	}

	m.hub.Unregister(client)
	m.releaseProject(client.ProjectID)
}

// ========== 消息分发 ==========

// HandleEnvelope dispatches one client frame to its topic.
func (m *SessionManager) HandleEnvelope(ctx context.Context, client *Client, env *Envelope) {
	switch {
	case env.Type == EvtPing:
		m.handlePing(ctx, client)

	case env.Topic == TopicCursor && env.Type == EvtCursorMove:
		m.handleCursorMove(client, env)

	case env.Topic == TopicTrack && env.Type == EvtTrackMutation:
		m.handleTrackMutation(ctx, client, env)

	case env.Topic == TopicChat && env.Type == EvtChatSend:
		m.handleChatSend(ctx, client, env)

	case env.Topic == TopicPresence && env.Type == EvtLeave:
		m.Leave(ctx, client)

	default:
		m.sendError(client, env.Topic, errCodeBadRequest,
			fmt.Sprintf("unsupported event %s/%s", env.Topic, env.Type))
	}
}

// handlePing refreshes both liveness clocks and answers with a pong.
func (m *SessionManager) handlePing(ctx context.Context, client *Client) {
	if ps := m.project(client.ProjectID); ps != nil {
		ps.registry.OnHeartbeat(client.UserID)
	}
	if err := m.presenceCache.Heartbeat(ctx, client.ProjectID, client.UserID); err != nil {
		logger.Warn("failed to refresh presence heartbeat",
			logger.ErrorField(err),
			logger.String("project", client.ProjectID),
			logger.String("user", client.UserID))
	}
	client.SendEnvelope(&Envelope{Topic: TopicPresence, Type: EvtPong})
}

func (m *SessionManager) handleCursorMove(client *Client, env *Envelope) {
	var state model.CursorState
	if err := json.Unmarshal(env.Payload, &state); err != nil {
		m.sendError(client, TopicCursor, errCodeBadRequest, "malformed cursor payload")
		return
	}

	m.mu.Lock()
	cursor := m.cursors[client]
	m.mu.Unlock()
	if cursor == nil {
		return
	}
	// Attribution and color come from the session, not the payload.
	cursor.Publish(state.X, state.Y)
}

func (m *SessionManager) handleTrackMutation(ctx context.Context, client *Client, env *Envelope) {
	ps := m.project(client.ProjectID)
	if ps == nil {
		return
	}

	var event model.TrackMutationEvent
	if err := json.Unmarshal(env.Payload, &event); err != nil {
		m.sendError(client, TopicTrack, errCodeBadRequest, "malformed mutation payload")
		return
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	event.ProjectID = client.ProjectID
	event.ActorID = client.UserID
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	err := ps.log.ApplyLocal(ctx, &event)
	var conflictErr *model.ConflictApplyError
	var persistErr *model.PersistenceError
	switch {
	case err == nil:
	case errors.As(err, &conflictErr):
		logger.Warn("dropped unmergeable mutation",
			logger.ErrorField(err),
			logger.String("project", client.ProjectID),
			logger.String("user", client.UserID))
		m.sendError(client, TopicTrack, errCodeConflict, conflictErr.Reason)
	case errors.As(err, &persistErr):
		// Optimistic state is kept; the client flags "changes may not be
		// saved" and the edit stays visible.
		m.sendError(client, TopicTrack, errCodePersistence, "changes may not be saved")
	default:
		m.sendError(client, TopicTrack, errCodePersistence, err.Error())
	}
}

func (m *SessionManager) handleChatSend(ctx context.Context, client *Client, env *Envelope) {
	ps := m.project(client.ProjectID)
	if ps == nil {
		return
	}

	var payload ChatSendPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Content == "" {
		m.sendError(client, TopicChat, errCodeBadRequest, "malformed chat payload")
		return
	}

	sender := model.Profile{UserID: client.UserID, DisplayName: client.DisplayName}
	ack, err := ps.chat.Send(ctx, sender, payload.ProvisionalID, payload.Content)
	if err != nil {
		m.sendError(client, TopicChat, errCodePersistence, "message may not be saved")
		return
	}

	ackData, _ := json.Marshal(ack)
	client.SendEnvelope(&Envelope{
		Topic:     TopicChat,
		Type:      EvtChatAck,
		ProjectID: client.ProjectID,
		Payload:   ackData,
	})
	client.LastChatID = ack.ID
}

// handleRemote applies an envelope bridged from another instance to local
// state, then relays it to locally connected clients. Nothing is re-published
// to the bridge and nothing is re-persisted; the origin instance did both.
func (m *SessionManager) handleRemote(projectID string, env *Envelope) {
	ps := m.project(projectID)

	switch {
	case env.Topic == TopicTrack && env.Type == EvtTrackMutation && ps != nil:
		var event model.TrackMutationEvent
		if err := json.Unmarshal(env.Payload, &event); err == nil {
			if aerr := ps.log.ApplyRemote(&event); aerr != nil {
				logger.Warn("dropped bridged mutation",
					logger.ErrorField(aerr),
					logger.String("project", projectID))
				return
			}
		}

	case env.Topic == TopicChat && env.Type == EvtChatMessage && ps != nil:
		var message model.ChatMessage
		if err := json.Unmarshal(env.Payload, &message); err == nil {
			if !ps.chat.OnRemote(message) {
				return // duplicate delivery
			}
		}

	case env.Topic == TopicPresence && env.Type == EvtJoin && ps != nil:
		var entry model.PresenceEntry
		if err := json.Unmarshal(env.Payload, &entry); err == nil {
			ps.registry.OnJoin(entry)
		}

	case env.Topic == TopicCursor && env.Type == EvtCursorMove:
		var state model.CursorState
		if err := json.Unmarshal(env.Payload, &state); err == nil {
			m.fanoutCursor(projectID, state)
		}

	case env.Topic == TopicPresence && env.Type == EvtLeave && ps != nil:
		ps.registry.OnLeave(env.UserID)
		m.dropRemoteCursor(projectID, env.UserID)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	m.hub.Broadcast(projectID, data, env.UserID)
}

// ========== 光标视图 ==========

// fanoutCursor mirrors a cursor update into every local collaborator's
// broadcaster so each connection keeps a current remote-cursor view.
// OnRemote drops the owner's own echo.
func (m *SessionManager) fanoutCursor(projectID string, state model.CursorState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client, cursor := range m.cursors {
		if client.ProjectID == projectID {
			cursor.OnRemote(state)
		}
	}
}

// dropRemoteCursor clears a departed user's cursor from every local view.
func (m *SessionManager) dropRemoteCursor(projectID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client, cursor := range m.cursors {
		if client.ProjectID == projectID {
			cursor.RemoveUser(userID)
		}
	}
}

// cursorSnapshot seeds a freshly joined client's remote view from the cached
// states and returns what it should render: the client's own cursor and
// off-workspace sentinels are filtered out.
func (m *SessionManager) cursorSnapshot(client *Client, states []model.CursorState) []model.CursorState {
	m.mu.Lock()
	cursor := m.cursors[client]
	m.mu.Unlock()
	if cursor == nil {
		return nil
	}

	for _, state := range states {
		cursor.OnRemote(state)
	}
	return cursor.Visible()
}

// ========== 在线状态清理 ==========

// RunPresenceSweeper periodically expires collaborators whose heartbeats
// stopped without a clean leave, and announces their departure.
func (m *SessionManager) RunPresenceSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.presenceTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepPresence(ctx)
		}
	}
}

func (m *SessionManager) sweepPresence(ctx context.Context) {
	m.mu.Lock()
	projectIDs := make([]string, 0, len(m.projects))
	for projectID := range m.projects {
		projectIDs = append(projectIDs, projectID)
	}
	m.mu.Unlock()

	for _, projectID := range projectIDs {
		ps := m.project(projectID)
		expired, err := m.presenceCache.ExpireStale(ctx, projectID)
		if err != nil {
			logger.Warn("presence sweep falling back to local registry",
				logger.ErrorField(err),
				logger.String("project", projectID))
			if ps == nil {
				continue
			}
			// Redis 不可用时用本地心跳时钟兜底
			expired = ps.registry.ExpireStale()
		}

		for _, userID := range expired {
			if ps != nil {
				ps.registry.OnLeave(userID)
			}
			m.dropRemoteCursor(projectID, userID)
			if cerr := m.cursorCache.RemoveCursor(ctx, projectID, userID); cerr != nil {
				logger.Warn("failed to clear cursor for expired user",
					logger.ErrorField(cerr),
					logger.String("project", projectID),
					logger.String("user", userID))
			}
			m.broadcast(projectID, TopicPresence, EvtLeave, userID, nil, userID)
		}
	}
}

// ========== 内部 ==========

func (m *SessionManager) project(projectID string) *projectSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projects[projectID]
}

// acquireProject returns the project session, creating and hydrating it on
// first use. Hydration happens before the live subscription is served, and
// events arriving meanwhile are buffered inside the replication log.
func (m *SessionManager) acquireProject(ctx context.Context, projectID string) (*projectSession, error) {
	m.mu.Lock()
	if ps, ok := m.projects[projectID]; ok {
		ps.refs++
		m.mu.Unlock()
		return ps, nil
	}
	m.mu.Unlock()

	ps := &projectSession{
		registry: NewPresenceRegistry(projectID, m.presenceTimeout),
	}
	ps.log = NewReplicationLog(projectID, m.trackRepo, func(event *model.TrackMutationEvent) {
		m.broadcast(projectID, TopicTrack, EvtTrackMutation, event.ActorID, event, event.ActorID)
	})
	ps.chat = NewChatLog(projectID, m.chatRepo, func(message *model.ChatMessage) {
		m.broadcast(projectID, TopicChat, EvtChatMessage, message.SenderID, message, message.SenderID)
	})

	go ps.log.Run()

	ps.registry.BeginJoin()
	if err := ps.log.Hydrate(ctx); err != nil {
		ps.log.Stop()
		return nil, err
	}
	if _, err := ps.chat.Hydrate(ctx, "", 200); err != nil {
		ps.log.Stop()
		return nil, err
	}
	entries, err := m.presenceCache.Entries(ctx, projectID)
	if err != nil {
		logger.Warn("failed to load roster from cache",
			logger.ErrorField(err),
			logger.String("project", projectID))
		entries = nil
	}
	ps.registry.SyncRoster(entries)

	m.mu.Lock()
	if existing, ok := m.projects[projectID]; ok {
		// Lost the race to another join; discard ours.
		existing.refs++
		m.mu.Unlock()
		ps.log.Stop()
		return existing, nil
	}
	ps.refs = 1
	m.projects[projectID] = ps
	m.mu.Unlock()
	return ps, nil
}

func (m *SessionManager) releaseProject(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.projects[projectID]
	if !ok {
		return
	}
	ps.refs--
	if ps.refs <= 0 {
		ps.log.Stop()
		ps.registry.Clear()
		delete(m.projects, projectID)
	}
}

// LiveTracks returns the in-memory track table when the project has an
// active session hosted on this instance.
func (m *SessionManager) LiveTracks(projectID string) ([]model.TrackRecord, bool) {
	ps := m.project(projectID)
	if ps == nil {
		return nil, false
	}
	return ps.log.Snapshot(), true
}

// sendInitialState delivers the hydrated view to a freshly joined client:
// roster (self excluded), current cursors, track table, chat history.
func (m *SessionManager) sendInitialState(ctx context.Context, client *Client, ps *projectSession) {
	roster := ps.registry.Roster(client.UserID)
	if data, err := json.Marshal(roster); err == nil {
		client.SendEnvelope(&Envelope{
			Topic:     TopicPresence,
			Type:      EvtRoster,
			ProjectID: client.ProjectID,
			Payload:   data,
		})
	}

	cursors, err := m.cursorCache.Cursors(ctx, client.ProjectID)
	if err == nil {
		visible := m.cursorSnapshot(client, cursors)
		if data, merr := json.Marshal(visible); merr == nil {
			client.SendEnvelope(&Envelope{
				Topic:     TopicCursor,
				Type:      EvtCursorSnapshot,
				ProjectID: client.ProjectID,
				Payload:   data,
			})
		}
	}

	tracks := ps.log.Snapshot()
	if data, err := json.Marshal(tracks); err == nil {
		client.SendEnvelope(&Envelope{
			Topic:     TopicTrack,
			Type:      EvtTrackSnapshot,
			ProjectID: client.ProjectID,
			Payload:   data,
		})
	}

	history, err := ps.chat.Hydrate(ctx, client.LastChatID, 100)
	if err != nil {
		history = ps.chat.Messages()
	}
	if data, merr := json.Marshal(history); merr == nil {
		client.SendEnvelope(&Envelope{
			Topic:     TopicChat,
			Type:      EvtChatHistory,
			ProjectID: client.ProjectID,
			Payload:   data,
		})
	}
}

// broadcast marshals a payload, fans it out to local clients and publishes
// it across instances.
func (m *SessionManager) broadcast(projectID string, topic Topic, evtType EventType, userID string, payload interface{}, excludeUserID string) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			logger.Error("failed to marshal broadcast payload",
				logger.ErrorField(err),
				logger.String("project", projectID),
				logger.String("topic", string(topic)))
			return
		}
		raw = data
	}

	env := &Envelope{
		Topic:     topic,
		Type:      evtType,
		ProjectID: projectID,
		UserID:    userID,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}

	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	m.hub.Broadcast(projectID, data, excludeUserID)

	if err := m.bridge.Publish(context.Background(), projectID, env); err != nil {
		logger.Warn("bridge publish failed",
			logger.ErrorField(err),
			logger.String("project", projectID),
			logger.String("topic", string(topic)))
	}
}

func (m *SessionManager) sendError(client *Client, topic Topic, code, message string) {
	payload, _ := json.Marshal(&ErrorPayload{Code: code, Message: message})
	client.SendEnvelope(&Envelope{
		Topic:     topic,
		Type:      EvtError,
		ProjectID: client.ProjectID,
		Payload:   payload,
	})
}
