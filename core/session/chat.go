package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TyrellHaywood/echo-sub001/model"
	"github.com/TyrellHaywood/echo-sub001/repository"

	"github.com/google/uuid"
)

// ChatLog is the per-project append-only message log. Sends are optimistic:
// the message appears under the sender's provisional id, then reconciles to
// the canonical identity once the durable store acknowledges it. Received
// messages are deduplicated by id, which makes transport redelivery
// harmless.
type ChatLog struct {
	mu        sync.RWMutex
	projectID string
	repo      repository.ChatRepository

	// publish broadcasts an acknowledged message to the other collaborators.
	publish func(message *model.ChatMessage)

	messages []model.ChatMessage
	seen     map[string]bool
}

// NewChatLog 创建聊天日志
func NewChatLog(projectID string, repo repository.ChatRepository, publish func(message *model.ChatMessage)) *ChatLog {
	if publish == nil {
		publish = func(*model.ChatMessage) {}
	}
	return &ChatLog{
		projectID: projectID,
		repo:      repo,
		seen:      make(map[string]bool),
		publish:   publish,
	}
}

// Hydrate loads recent history from the durable store. afterID resumes from
// the last message seen before a reconnect; empty loads the tail.
func (c *ChatLog) Hydrate(ctx context.Context, afterID string, limit int) ([]model.ChatMessage, error) {
	history, err := c.repo.ListMessagesAfter(ctx, c.projectID, afterID, limit)
	if err != nil {
		return nil, &model.PersistenceError{Op: "hydrate chat", Err: err}
	}

	c.mu.Lock()
	for _, message := range history {
		if c.seen[message.ID] {
			continue
		}
		c.seen[message.ID] = true
		c.messages = append(c.messages, message)
	}
	c.sortLocked()
	c.mu.Unlock()

	return history, nil
}

// Send appends optimistically under the sender's provisional id, persists,
// then reconciles to the canonical identity. The returned ack maps the
// provisional id to the canonical one for the sending client. On a
// persistence failure the optimistic entry stays visible and the caller
// flags it as possibly unsaved.
func (c *ChatLog) Send(ctx context.Context, sender model.Profile, provisionalID, content string) (*model.ChatAck, error) {
	if provisionalID == "" {
		provisionalID = "prov-" + uuid.NewString()
	}

	provisional := model.ChatMessage{
		ID:          provisionalID,
		ProjectID:   c.projectID,
		SenderID:    sender.UserID,
		SenderName:  sender.DisplayName,
		Content:     content,
		CreatedAt:   time.Now(),
		Provisional: true,
	}

	c.mu.Lock()
	c.seen[provisionalID] = true
	c.messages = append(c.messages, provisional)
	c.mu.Unlock()

	canonical := provisional
	canonical.ID = uuid.NewString()
	canonical.CreatedAt = time.Now()
	canonical.Provisional = false

	if err := c.repo.AppendMessage(ctx, &canonical); err != nil {
		return nil, &model.PersistenceError{Op: "append message", Err: err}
	}

	ack := &model.ChatAck{
		ProvisionalID: provisionalID,
		ID:            canonical.ID,
		CreatedAt:     canonical.CreatedAt,
	}
	c.Reconcile(ack)
	c.publish(&canonical)
	return ack, nil
}

// Reconcile replaces a provisional entry with its canonical identity.
func (c *ChatLog) Reconcile(ack *model.ChatAck) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.messages {
		if c.messages[i].ID != ack.ProvisionalID {
			continue
		}
		delete(c.seen, ack.ProvisionalID)
		c.messages[i].ID = ack.ID
		c.messages[i].CreatedAt = ack.CreatedAt
		c.messages[i].Provisional = false
		c.seen[ack.ID] = true
		break
	}
	c.sortLocked()
}

// OnRemote inserts a received message, ignoring ids already present.
// Returns whether the message was new.
func (c *ChatLog) OnRemote(message model.ChatMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seen[message.ID] {
		return false
	}
	c.seen[message.ID] = true
	message.Provisional = false
	c.messages = append(c.messages, message)
	c.sortLocked()
	return true
}

// Messages returns the log in canonical order (createdAt, then id).
func (c *ChatLog) Messages() []model.ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]model.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

// LastID returns the newest canonical message id, used to resume after a
// reconnect. Provisional entries are skipped.
func (c *ChatLog) LastID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := len(c.messages) - 1; i >= 0; i-- {
		if !c.messages[i].Provisional {
			return c.messages[i].ID
		}
	}
	return ""
}

func (c *ChatLog) sortLocked() {
	sort.SliceStable(c.messages, func(i, j int) bool {
		return c.messages[i].Before(&c.messages[j])
	})
}
