package repository

import (
	"database/sql"
	"fmt"

	"github.com/TyrellHaywood/echo-sub001/model"
)

// ProfileRepository decorates presence entries and chat senders with display
// data. Profiles are owned by the account service; this is read-only.
type ProfileRepository interface {
	GetProfile(userID string) (*model.Profile, error)
}

// mysqlProfileRepository implements ProfileRepository for MySQL.
type mysqlProfileRepository struct {
	db *sql.DB
}

// NewMySQLProfileRepository creates a new mysqlProfileRepository.
func NewMySQLProfileRepository(db *sql.DB) ProfileRepository {
	return &mysqlProfileRepository{db: db}
}

// GetProfile retrieves a profile by user ID. Unknown users resolve to a
// placeholder rather than an error so decoration never blocks the session.
func (r *mysqlProfileRepository) GetProfile(userID string) (*model.Profile, error) {
	query := "SELECT user_id, display_name, avatar_ref FROM profiles WHERE user_id = ?"
	row := r.db.QueryRow(query, userID)

	profile := &model.Profile{}
	var avatarRef sql.NullString
	err := row.Scan(&profile.UserID, &profile.DisplayName, &avatarRef)
	if err != nil {
		if err == sql.ErrNoRows {
			return PlaceholderProfile(userID), nil
		}
		return nil, fmt.Errorf("failed to scan profile row for user %s: %w", userID, err)
	}
	if avatarRef.Valid {
		profile.AvatarRef = avatarRef.String
	}
	return profile, nil
}

// PlaceholderProfile is the fallback identity for unknown user ids.
func PlaceholderProfile(userID string) *model.Profile {
	return &model.Profile{
		UserID:      userID,
		DisplayName: "Collaborator",
	}
}
