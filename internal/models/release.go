package models

import "time"

// Release statuses.
const (
	ReleaseStatusPending    = "pending"
	ReleaseStatusInProgress = "in_progress"
	ReleaseStatusReleased   = "released"
	ReleaseStatusArchived   = "archived"
)

// Release types.
const (
	ReleaseTypePlanned = "planned"
	ReleaseTypeHotfix  = "hotfix"
	ReleaseTypeMajor   = "major"
)

// Release is one versioned app rollout under orchestration.
type Release struct {
	ID              string  `gorm:"primaryKey;size:32"`
	Version         string  `gorm:"size:32;not null;index"`
	Type            string  `gorm:"size:16;default:planned"`
	Status          string  `gorm:"size:16;default:pending;index"`
	BaseBranch      string  `gorm:"size:128"`
	ParentReleaseID *string `gorm:"size:32"`
	KickoffAt       time.Time
	TargetReleaseAt time.Time
	FinalBuilds     string `gorm:"type:json"` // final build number per platform
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Parent *Release          `gorm:"foreignKey:ParentReleaseID"`
	Tasks  []ReleaseTask     `gorm:"foreignKey:ReleaseID"`
	Cycles []RegressionCycle `gorm:"foreignKey:ReleaseID"`
}
