package repository

import (
	"context"
	"fmt"

	"github.com/TyrellHaywood/echo-sub001/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrackRepository is the durable track store backing hydration and
// persistence of mutations.
type TrackRepository interface {
	ListTracks(ctx context.Context, projectID string) ([]model.TrackRecord, error)
	UpsertTrack(ctx context.Context, record *model.TrackRecord) error
	DeleteTrack(ctx context.Context, trackID string) error
}

// gormTrackRepository implements TrackRepository on MySQL via GORM.
type gormTrackRepository struct {
	db *gorm.DB
}

// NewGormTrackRepository creates a new gormTrackRepository.
func NewGormTrackRepository(db *gorm.DB) TrackRepository {
	return &gormTrackRepository{db: db}
}

// ListTracks returns every track of a project, most recently updated last.
func (r *gormTrackRepository) ListTracks(ctx context.Context, projectID string) ([]model.TrackRecord, error) {
	var records []model.TrackRecord
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("updated_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks for project %s: %w", projectID, err)
	}
	return records, nil
}

// UpsertTrack inserts or replaces a track row by primary key.
func (r *gormTrackRepository) UpsertTrack(ctx context.Context, record *model.TrackRecord) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(record).Error
	if err != nil {
		return fmt.Errorf("failed to upsert track %s: %w", record.ID, err)
	}
	return nil
}

// DeleteTrack removes a track row. Deleting an unknown track is not an error.
func (r *gormTrackRepository) DeleteTrack(ctx context.Context, trackID string) error {
	err := r.db.WithContext(ctx).
		Where("id = ?", trackID).
		Delete(&model.TrackRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete track %s: %w", trackID, err)
	}
	return nil
}
