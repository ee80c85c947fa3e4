package model

// TrackRecord is one audio track in a project. Any collaborator may mutate
// any track; convergence is last-writer-wins per field (see core/session).
//
// Gain is linear amplitude in 0.0–1.0, not dB. Pan ranges -1.0 (full left)
// to 1.0 (full right).
type TrackRecord struct {
	ID                 string  `json:"trackId" gorm:"primaryKey;size:36"`
	ProjectID          string  `json:"projectId" gorm:"size:36;index;not null"`
	AudioRef           string  `json:"audioRef" gorm:"size:512"`
	Gain               float64 `json:"gain" gorm:"default:1"`
	Pan                float64 `json:"pan" gorm:"default:0"`
	Muted              bool    `json:"muted" gorm:"default:false"`
	DurationSeconds    float64 `json:"durationSeconds"`
	StartOffsetSeconds float64 `json:"startOffsetSeconds" gorm:"default:0"`
	UpdatedAt          int64   `json:"updatedAt" gorm:"index"` // unix millis of last accepted write
	UpdatedBy          string  `json:"updatedBy" gorm:"size:36"`
}

// TableName 指定表名
func (TrackRecord) TableName() string {
	return "tracks"
}

// MutationKind 轨道变更类型
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// TrackFields carries the subset of track fields touched by one mutation.
// Nil pointers mean "field untouched"; only set fields participate in the
// per-field last-writer-wins merge.
type TrackFields struct {
	AudioRef           *string  `json:"audioRef,omitempty"`
	Gain               *float64 `json:"gain,omitempty"`
	Pan                *float64 `json:"pan,omitempty"`
	Muted              *bool    `json:"muted,omitempty"`
	DurationSeconds    *float64 `json:"durationSeconds,omitempty"`
	StartOffsetSeconds *float64 `json:"startOffsetSeconds,omitempty"`
}

// TrackMutationEvent is an immutable fact about one track. The materialized
// track table is a fold over the event stream; arrival order does not matter
// for the final state.
type TrackMutationEvent struct {
	EventID   string       `json:"eventId"`
	TrackID   string       `json:"trackId"`
	ProjectID string       `json:"projectId"`
	Kind      MutationKind `json:"kind"`
	Fields    TrackFields  `json:"fields"`
	Timestamp int64        `json:"timestamp"` // unix millis at the mutating client
	ActorID   string       `json:"actorId"`
}
