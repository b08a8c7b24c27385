package store

import "time"

// Mission is a user-submitted batch.
type Mission struct {
	ID               int64
	Name             string
	Description      string
	TaskType         string
	ModelID          string
	PlatformStrategy string
	Config           map[string]any
	Total            int
	Completed        int
	Failed           int
	Status           MissionStatus
	ScheduledTime    *time.Time
	StartedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Item is one sub-request of a mission.
type Item struct {
	ID             int64
	MissionID      int64
	ItemIndex      int
	InputParams    map[string]any
	Status         ItemStatus
	RetryCount     int
	NextRetryAt    *time.Time
	PlatformID     string
	PlatformTaskID string
	ResultURL      string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MediaFile is a content-addressed dedup record for an uploaded asset.
type MediaFile struct {
	Hash           string
	OriginalName   string
	LocalPath      string
	ProviderHandle string
	UsageCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
