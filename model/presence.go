package model

// PresenceEntry is one connected collaborator in a project. At most one
// entry exists per user per project; re-joining replaces the old entry.
type PresenceEntry struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	JoinedAt    int64  `json:"joinedAt"` // unix millis
}

// CursorSentinel is the coordinate sent when a collaborator's pointer left
// the workspace. A sentinel cursor is a normal message, never rendered.
const CursorSentinel = -1

// CursorState is one collaborator's pointer. Only the latest value per user
// is retained; there is no history.
type CursorState struct {
	UserID     string  `json:"userId"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	ColorToken string  `json:"colorToken"`
}

// Visible reports whether the cursor is inside the workspace. Both
// coordinates negative means the pointer left.
func (c CursorState) Visible() bool {
	return c.X >= 0 && c.Y >= 0
}

// Profile is the decoration attached to presence entries and chat senders.
// Looked up from the external profile store; unknown users fall back to a
// placeholder.
type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}
