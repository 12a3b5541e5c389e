package models

import "time"

// Cycle statuses.
const (
	CycleInProgress = "IN_PROGRESS"
	CycleCompleted  = "COMPLETED"
	CycleSuperseded = "SUPERSEDED"
)

// RegressionCycle groups the regression tasks belonging to one regression
// pass. A release accumulates a new cycle whenever a re-run is requested
// (e.g. extra commits landed on the release branch); only one cycle is
// IsLatest at a time.
type RegressionCycle struct {
	ID        string `gorm:"primaryKey;size:32"`
	ReleaseID string `gorm:"size:32;index;not null"`
	Tag       string `gorm:"size:64"`
	IsLatest  bool   `gorm:"index"`
	Status    string `gorm:"size:16;default:IN_PROGRESS"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
