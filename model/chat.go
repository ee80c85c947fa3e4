package model

import "time"

// ChatMessage represents a single message in a project's chat log.
// Messages are immutable once created; ordering is by CreatedAt with ID as
// the stable tie-break.
type ChatMessage struct {
	ID         string    `json:"id" gorm:"primaryKey;size:36"`
	ProjectID  string    `json:"projectId" gorm:"size:36;index;not null"`
	SenderID   string    `json:"senderId" gorm:"size:36;not null"`
	SenderName string    `json:"senderName" gorm:"-"`
	Content    string    `json:"content" gorm:"type:text;not null"`
	CreatedAt  time.Time `json:"createdAt" gorm:"index"`

	// Provisional marks a locally appended message that has not been
	// acknowledged by the durable store yet. Never persisted.
	Provisional bool `json:"provisional,omitempty" gorm:"-"`
}

// TableName 指定表名
func (ChatMessage) TableName() string {
	return "project_messages"
}

// ChatAck reconciles a provisional message to its canonical identity after
// the durable store accepted it.
type ChatAck struct {
	ProvisionalID string    `json:"provisionalId"`
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Before reports whether m sorts before other in the canonical chat order.
func (m *ChatMessage) Before(other *ChatMessage) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
