package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/TyrellHaywood/echo-sub001/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository is the durable chat store. Messages are append-only; there
// are no edit or delete operations.
type ChatRepository interface {
	ListMessages(ctx context.Context, projectID string, limit int) ([]model.ChatMessage, error)
	// ListMessagesAfter returns messages newer than a known message id, used
	// to resume chat after a reconnect.
	ListMessagesAfter(ctx context.Context, projectID, afterID string, limit int) ([]model.ChatMessage, error)
	AppendMessage(ctx context.Context, message *model.ChatMessage) error
}

// gormChatRepository implements ChatRepository on MySQL via GORM.
type gormChatRepository struct {
	db *gorm.DB
}

// NewGormChatRepository creates a new gormChatRepository.
func NewGormChatRepository(db *gorm.DB) ChatRepository {
	return &gormChatRepository{db: db}
}

// ListMessages returns the most recent messages in canonical order
// (created_at, then id as tie-break).
func (r *gormChatRepository) ListMessages(ctx context.Context, projectID string, limit int) ([]model.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	var messages []model.ChatMessage
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for project %s: %w", projectID, err)
	}

	// Reverse into ascending order for the client.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// ListMessagesAfter resumes the log from the message after afterID.
func (r *gormChatRepository) ListMessagesAfter(ctx context.Context, projectID, afterID string, limit int) ([]model.ChatMessage, error) {
	if afterID == "" {
		return r.ListMessages(ctx, projectID, limit)
	}
	if limit <= 0 {
		limit = 100
	}

	var anchor model.ChatMessage
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND id = ?", projectID, afterID).
		Take(&anchor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.ListMessages(ctx, projectID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load anchor message %s: %w", afterID, err)
	}

	var messages []model.ChatMessage
	err = r.db.WithContext(ctx).
		Where("project_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))",
			projectID, anchor.CreatedAt, anchor.CreatedAt, anchor.ID).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages after %s: %w", afterID, err)
	}
	return messages, nil
}

// AppendMessage inserts a message. Redelivered ids are absorbed silently so
// transport retries cannot duplicate the log.
func (r *gormChatRepository) AppendMessage(ctx context.Context, message *model.ChatMessage) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(message).Error
	if err != nil {
		return fmt.Errorf("failed to append message %s: %w", message.ID, err)
	}
	return nil
}
